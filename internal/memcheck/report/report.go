// Package report aggregates error and leak findings into the stable,
// queryable end-of-run report.
//
// Findings arrive one at a time through the Collector, which deduplicates
// them into contexts by (kind, stack trace) and logs each occurrence at
// the moment of detection. Leak records arrive in one batch from the
// classifier; the session merges both with the heap accounting into a
// Report.
//
// The Report struct is the versioned structured schema consumed by output
// sinks; its totals are always exactly the sum of their constituent
// records. Textual rendering (Format) is a convenience over the schema,
// not the contract.
package report

import (
	"fmt"
	"io"

	"github.com/kolkov/memtrace/internal/memcheck/heap"
	"github.com/kolkov/memtrace/internal/memcheck/stackdepot"
)

// SchemaVersion identifies the structured report layout. It is bumped
// independently of the module version whenever a field changes meaning.
const SchemaVersion = 1

// Classification partitions the still-live allocation set at exit.
type Classification uint8

const (
	// DefinitelyLost: no pointer to the block exists anywhere.
	DefinitelyLost Classification = iota
	// IndirectlyLost: pointed to only from blocks that are themselves
	// lost.
	IndirectlyLost
	// PossiblyLost: reachable from a root, but only through a chain
	// containing at least one interior (non-base) pointer.
	PossiblyLost
	// StillReachable: reachable from a root through exact base-address
	// pointers.
	StillReachable
)

// Classifications lists all classifications in report order.
var Classifications = []Classification{
	DefinitelyLost, IndirectlyLost, PossiblyLost, StillReachable,
}

// String returns the classification's report wording.
func (c Classification) String() string {
	switch c {
	case DefinitelyLost:
		return "definitely lost"
	case IndirectlyLost:
		return "indirectly lost"
	case PossiblyLost:
		return "possibly lost"
	case StillReachable:
		return "still reachable"
	default:
		return "unknown"
	}
}

// LeakRecord aggregates all unfreed blocks sharing one allocation site
// and one classification: the grouping key is the allocation-site stack
// trace, truncated to the session's configured frame depth.
type LeakRecord struct {
	Classification Classification    `json:"classification"`
	SiteKey        uint64            `json:"site_key"`
	StackHash      uint64            `json:"stack_hash"` // representative full trace
	Trace          *stackdepot.Trace `json:"trace,omitempty"`
	Blocks         uint64            `json:"blocks"`
	Bytes          uint64            `json:"bytes"`
}

// LeakTotal is the per-classification byte/block rollup.
type LeakTotal struct {
	Bytes  uint64 `json:"bytes"`
	Blocks uint64 `json:"blocks"`
}

// LeakSummary carries the rollup for every classification. It always
// covers all classifications, independent of which kinds the session is
// configured to show in detail.
type LeakSummary struct {
	DefinitelyLost LeakTotal `json:"definitely_lost"`
	IndirectlyLost LeakTotal `json:"indirectly_lost"`
	PossiblyLost   LeakTotal `json:"possibly_lost"`
	StillReachable LeakTotal `json:"still_reachable"`
}

// Add accumulates a record's bytes and blocks under its classification.
func (s *LeakSummary) Add(c Classification, bytes, blocks uint64) {
	t := s.total(c)
	t.Bytes += bytes
	t.Blocks += blocks
}

// Total returns the rollup for one classification.
func (s *LeakSummary) Total(c Classification) LeakTotal {
	return *s.total(c)
}

func (s *LeakSummary) total(c Classification) *LeakTotal {
	switch c {
	case DefinitelyLost:
		return &s.DefinitelyLost
	case IndirectlyLost:
		return &s.IndirectlyLost
	case PossiblyLost:
		return &s.PossiblyLost
	default:
		return &s.StillReachable
	}
}

// Report is the structured end-of-run report.
type Report struct {
	SchemaVersion int             `json:"schema_version"`
	SessionID     string          `json:"session_id"`
	Errors        []*ErrorContext `json:"errors"`
	ErrorCount    uint64          `json:"error_count"` // sum of context occurrences
	Leaks         []*LeakRecord   `json:"leaks"`
	LeakSummary   LeakSummary     `json:"leak_summary"`
	HeapSummary   heap.Summary    `json:"heap_summary"`
}

// Format writes a human-readable rendering of the report, in the familiar
// HEAP SUMMARY / LEAK SUMMARY shape. The structured schema above is the
// interface for tooling; this text exists for eyeballs.
func (r *Report) Format(w io.Writer) {
	prefix := "==memcheck=="

	for _, ctx := range r.Errors {
		fmt.Fprintf(w, "%s %s at 0x%x (%d occurrence(s))\n",
			prefix, ctx.Kind, ctx.First.Addr, ctx.Occurrences)
		if ctx.Trace != nil {
			fmt.Fprint(w, ctx.Trace.Format())
		}
	}

	h := r.HeapSummary
	fmt.Fprintf(w, "%s HEAP SUMMARY:\n", prefix)
	fmt.Fprintf(w, "%s   in use at exit: %d bytes in %d blocks\n",
		prefix, h.LiveBytes, h.LiveBlocks)
	fmt.Fprintf(w, "%s   total heap usage: %d allocs, %d frees, %d bytes allocated\n",
		prefix, h.TotalAllocs, h.TotalFrees, h.TotalBytesAllocated)

	for _, leak := range r.Leaks {
		fmt.Fprintf(w, "%s %d bytes in %d blocks are %s, allocated at\n",
			prefix, leak.Bytes, leak.Blocks, leak.Classification)
		if leak.Trace != nil {
			fmt.Fprint(w, leak.Trace.Format())
		}
	}

	fmt.Fprintf(w, "%s LEAK SUMMARY:\n", prefix)
	for _, c := range Classifications {
		t := r.LeakSummary.Total(c)
		fmt.Fprintf(w, "%s   %s: %d bytes in %d blocks\n",
			prefix, c, t.Bytes, t.Blocks)
	}

	fmt.Fprintf(w, "%s ERROR SUMMARY: %d errors from %d contexts\n",
		prefix, r.ErrorCount, len(r.Errors))
}
