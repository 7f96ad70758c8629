package leak

import (
	"sort"

	"github.com/kolkov/memtrace/internal/memcheck/addrspace"
	"github.com/kolkov/memtrace/internal/memcheck/heap"
	"github.com/kolkov/memtrace/internal/memcheck/report"
	"github.com/kolkov/memtrace/internal/memcheck/stackdepot"
)

// Options configures one classification run.
type Options struct {
	// SiteDepth is the number of stack frames that define an allocation
	// site for grouping. <= 0 groups by the full trace.
	SiteDepth int
}

// Result is the outcome of one classification run: the grouped leak
// records plus the raw per-block partition, which tests and hosts with
// block-level needs can consult directly.
type Result struct {
	Leaks   []*report.LeakRecord
	ByBlock map[*heap.AllocationRecord]report.Classification
}

// path quality during marking. Higher is better; strong chains dominate.
const (
	qualityUnreached = 0
	qualityWeak      = 1 // at least one interior edge on every path
	qualityStrong    = 2 // some all-base-pointer path exists
)

// edge is one discovered reference to a live block.
type edge struct {
	to     *heap.AllocationRecord
	strong bool // word matched the block's base address exactly
}

// Classify partitions the snapshot's live blocks. It is deterministic for
// a fixed snapshot, root set and memory view: blocks are visited in base
// address order and ties are broken by address.
func Classify(snap *heap.Snapshot, roots []addrspace.Range, mem Memory, depot *stackdepot.Depot, opts Options) *Result {
	idx := BuildIndex(snap.Live)

	scan := func(r addrspace.Range, visit func(edge)) {
		for _, w := range r.Words() {
			val, ok := mem.ReadWord(w)
			if !ok {
				continue
			}
			if rec, interior, hit := idx.Lookup(val); hit {
				visit(edge{to: rec, strong: !interior})
			}
		}
	}

	// Edge discovery. Self references are dropped: a block pointing at
	// itself neither keeps itself alive nor stops it from being a loss
	// root.
	var rootEdges []edge
	for _, r := range roots {
		scan(r, func(e edge) { rootEdges = append(rootEdges, e) })
	}
	out := make(map[*heap.AllocationRecord][]edge)
	for _, rec := range snap.Live {
		from := rec
		scan(rec.Range(), func(e edge) {
			if e.to != from {
				out[from] = append(out[from], e)
			}
		})
	}

	// Marking: propagate the best path quality from the roots. A block's
	// quality is the max over paths of the min edge strength along the
	// path, so one interior hop anywhere degrades the whole path to weak.
	quality := make(map[*heap.AllocationRecord]int)
	var queue []*heap.AllocationRecord
	improve := func(rec *heap.AllocationRecord, q int) {
		if q > quality[rec] {
			quality[rec] = q
			queue = append(queue, rec)
		}
	}
	for _, e := range rootEdges {
		if e.strong {
			improve(e.to, qualityStrong)
		} else {
			improve(e.to, qualityWeak)
		}
	}
	for len(queue) > 0 {
		rec := queue[0]
		queue = queue[1:]
		q := quality[rec]
		for _, e := range out[rec] {
			eq := q
			if !e.strong {
				eq = qualityWeak
			}
			improve(e.to, eq)
		}
	}

	byBlock := make(map[*heap.AllocationRecord]report.Classification, len(snap.Live))
	for _, rec := range snap.Live {
		switch quality[rec] {
		case qualityStrong:
			byBlock[rec] = report.StillReachable
		case qualityWeak:
			byBlock[rec] = report.PossiblyLost
		}
	}

	// Everything unreached is lost. Loss roots — unreached blocks no
	// other unreached block points at — are definitely lost; their
	// closure within the unreached set is indirectly lost.
	unreached := func(rec *heap.AllocationRecord) bool {
		return quality[rec] == qualityUnreached
	}
	pointedAt := make(map[*heap.AllocationRecord]bool)
	for _, rec := range snap.Live {
		if !unreached(rec) {
			continue
		}
		for _, e := range out[rec] {
			if unreached(e.to) {
				pointedAt[e.to] = true
			}
		}
	}

	markLostFrom := func(root *heap.AllocationRecord) {
		stack := []*heap.AllocationRecord{root}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, e := range out[cur] {
				if _, done := byBlock[e.to]; done || !unreached(e.to) {
					continue
				}
				byBlock[e.to] = report.IndirectlyLost
				stack = append(stack, e.to)
			}
		}
	}

	for _, rec := range snap.Live {
		if unreached(rec) && !pointedAt[rec] {
			byBlock[rec] = report.DefinitelyLost
		}
	}
	for _, rec := range snap.Live {
		if byBlock[rec] == report.DefinitelyLost && unreached(rec) {
			markLostFrom(rec)
		}
	}
	// Unreached cycles have no loss root. Break each at its lowest base
	// address (snapshot order) so the partition stays total.
	for _, rec := range snap.Live {
		if _, done := byBlock[rec]; !done {
			byBlock[rec] = report.DefinitelyLost
			markLostFrom(rec)
		}
	}

	return &Result{
		Leaks:   group(snap.Live, byBlock, depot, opts),
		ByBlock: byBlock,
	}
}

// group folds classified blocks into leak records keyed by allocation
// site and classification.
func group(live []*heap.AllocationRecord, byBlock map[*heap.AllocationRecord]report.Classification, depot *stackdepot.Depot, opts Options) []*report.LeakRecord {
	type key struct {
		class report.Classification
		site  uint64
	}
	groups := make(map[key]*report.LeakRecord)
	var records []*report.LeakRecord

	for _, rec := range live {
		class := byBlock[rec]
		site := depot.SiteKey(rec.SiteHash, opts.SiteDepth)
		if site == 0 {
			// Trace not in the depot (host-supplied hash); the full
			// hash still groups identical sites together.
			site = rec.SiteHash
		}
		k := key{class: class, site: site}
		g, ok := groups[k]
		if !ok {
			g = &report.LeakRecord{
				Classification: class,
				SiteKey:        site,
				StackHash:      rec.SiteHash,
				Trace:          depot.Get(rec.SiteHash),
			}
			groups[k] = g
			records = append(records, g)
		}
		g.Blocks++
		g.Bytes += uint64(rec.Size)
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Classification != b.Classification {
			return a.Classification < b.Classification
		}
		if a.Bytes != b.Bytes {
			return a.Bytes > b.Bytes
		}
		return a.SiteKey < b.SiteKey
	})
	return records
}
