package report

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/memtrace/internal/memcheck/heap"
	"github.com/kolkov/memtrace/internal/memcheck/origin"
	"github.com/kolkov/memtrace/internal/memcheck/stackdepot"
)

// ErrorKind identifies a finding about the target program. Findings are
// observational: none of them alters or aborts target execution.
type ErrorKind uint8

const (
	// IllegalAccessNoAccess: an access touched memory outside every live
	// allocation.
	IllegalAccessNoAccess ErrorKind = iota
	// IllegalAccessOutOfRange: an access started inside a live block but
	// ran past its end.
	IllegalAccessOutOfRange
	// UseOfUndefined: an undefined value was consumed where a defined
	// one is required (branch condition, syscall argument).
	UseOfUndefined
	// InvalidFreeDoubleFree: release of an address already released.
	InvalidFreeDoubleFree
	// InvalidFreeMismatchedKind: release kind differs from the
	// allocation kind.
	InvalidFreeMismatchedKind
	// InvalidFreeNotTracked: release of an address never allocated.
	InvalidFreeNotTracked
	// OverlappingCopy: source and destination of a tracked copy overlap.
	OverlappingCopy
)

// String returns the kind's report wording.
func (k ErrorKind) String() string {
	switch k {
	case IllegalAccessNoAccess:
		return "Invalid access (unaddressable memory)"
	case IllegalAccessOutOfRange:
		return "Invalid access (past end of block)"
	case UseOfUndefined:
		return "Use of uninitialised value"
	case InvalidFreeDoubleFree:
		return "Invalid free (double free)"
	case InvalidFreeMismatchedKind:
		return "Mismatched allocation/deallocation"
	case InvalidFreeNotTracked:
		return "Invalid free (address not allocated)"
	case OverlappingCopy:
		return "Source and destination overlap"
	default:
		return "Unknown error"
	}
}

// ErrorRecord is one finding at one point in time. Alloc and Origin are
// references into tracker-owned state, attached for report context; the
// record never owns them.
type ErrorRecord struct {
	Kind      ErrorKind              `json:"kind"`
	Addr      uintptr                `json:"addr"`
	Size      uintptr                `json:"size,omitempty"`
	StackHash uint64                 `json:"stack_hash"`
	Alloc     *heap.AllocationRecord `json:"alloc,omitempty"`
	Origin    *origin.Record         `json:"origin,omitempty"`
}

// ErrorContext is the deduplicated form of a finding: all records sharing
// (kind, stack trace) collapse into one context whose occurrence counter
// grows on repeats. First is the record that discovered the context.
type ErrorContext struct {
	Kind        ErrorKind         `json:"kind"`
	StackHash   uint64            `json:"stack_hash"`
	Trace       *stackdepot.Trace `json:"trace,omitempty"`
	First       ErrorRecord       `json:"first"`
	Occurrences uint64            `json:"occurrences"`
}

type contextKey struct {
	kind      ErrorKind
	stackHash uint64
}

// Collector receives findings as they happen, deduplicates them into
// contexts and keeps the live log ordered by first discovery.
//
// Thread Safety: Record may be called concurrently from every
// instrumentation callback. The collector's mutex is never held while
// logging, so no core lock spans a callback out of the core.
type Collector struct {
	log   *logrus.Entry
	depot *stackdepot.Depot

	mu       sync.Mutex
	contexts map[contextKey]*ErrorContext
	order    []*ErrorContext
	total    uint64
}

// NewCollector creates a collector logging through the given entry.
func NewCollector(log *logrus.Entry, depot *stackdepot.Depot) *Collector {
	return &Collector{
		log:      log,
		depot:    depot,
		contexts: make(map[contextKey]*ErrorContext),
	}
}

// Record registers one finding: it is logged immediately and folded into
// its (kind, stack) context. Every detected condition is recorded exactly
// once — no suppression, no retry.
func (c *Collector) Record(rec ErrorRecord) {
	key := contextKey{kind: rec.Kind, stackHash: rec.StackHash}

	c.mu.Lock()
	ctx, ok := c.contexts[key]
	if !ok {
		ctx = &ErrorContext{
			Kind:      rec.Kind,
			StackHash: rec.StackHash,
			Trace:     c.depot.Get(rec.StackHash),
			First:     rec,
		}
		c.contexts[key] = ctx
		c.order = append(c.order, ctx)
	}
	ctx.Occurrences++
	c.total++
	occurrences := ctx.Occurrences
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"kind":        rec.Kind.String(),
		"addr":        rec.Addr,
		"occurrences": occurrences,
	}).Warn("memory error detected")
}

// Contexts returns the contexts in first-discovery order. The slice is a
// copy; the contexts themselves are shared and must be treated as
// read-only by callers.
func (c *Collector) Contexts() []*ErrorContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ErrorContext(nil), c.order...)
}

// TotalErrors returns the sum of all context occurrence counters.
func (c *Collector) TotalErrors() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
