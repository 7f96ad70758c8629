package leak

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/kolkov/memtrace/internal/memcheck/heap"
)

// Memory provides read access to the target program's quiesced memory.
// The classifier never touches addresses directly; hosts supply whatever
// view they have (live process memory, a core snapshot, a test fixture).
// ReadWord returns the pointer-sized word at addr, or false when the
// address is not readable.
type Memory interface {
	ReadWord(addr uintptr) (uintptr, bool)
}

// Index answers "does this word value point into a live allocation". It
// is the only place pointer-candidate resolution happens, so alternate
// index implementations can be swapped in without touching the
// classification logic.
type Index interface {
	// Lookup resolves a candidate word. interior is true when the word
	// lands inside the block but not exactly on its base address.
	Lookup(word uintptr) (rec *heap.AllocationRecord, interior bool, ok bool)
}

// indexPageBytes is the granularity of the bloom prefilter. One filter
// entry per page touched by a live allocation; candidate words whose page
// is not in the filter cannot hit any block and skip the tree entirely.
const indexPageBytes = 4096

// treeIndex is the default Index: a red-black tree keyed by block base
// address, fronted by a page-granular bloom filter. Floor(word) finds the
// only block that could contain the word; a range check settles it.
type treeIndex struct {
	tree   *redblacktree.Tree
	filter *bloom.BloomFilter
	lo, hi uintptr // tight bounds over all live ranges
}

// BuildIndex constructs the default index over a frozen snapshot's live
// records. The records must be non-overlapping, which the allocation
// tracker guarantees for live blocks.
func BuildIndex(records []*heap.AllocationRecord) Index {
	ix := &treeIndex{
		tree: redblacktree.NewWith(func(a, b interface{}) int {
			x, y := a.(uintptr), b.(uintptr)
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}),
	}

	pages := uint(0)
	for _, rec := range records {
		if rec.Size == 0 {
			continue
		}
		pages += uint(rec.Size/indexPageBytes) + 2
	}
	ix.filter = bloom.NewWithEstimates(pages+1, 0.01)

	var buf [8]byte
	for _, rec := range records {
		if rec.Size == 0 {
			continue
		}
		ix.tree.Put(rec.Base, rec)
		end := rec.Range().End()
		for page := rec.Base / indexPageBytes; page <= (end-1)/indexPageBytes; page++ {
			binary.LittleEndian.PutUint64(buf[:], uint64(page))
			ix.filter.Add(buf[:])
		}
		if ix.lo == 0 || rec.Base < ix.lo {
			ix.lo = rec.Base
		}
		if end > ix.hi {
			ix.hi = end
		}
	}
	return ix
}

// Lookup resolves word against the live allocation set.
func (ix *treeIndex) Lookup(word uintptr) (*heap.AllocationRecord, bool, bool) {
	if word < ix.lo || word >= ix.hi {
		return nil, false, false
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(word/indexPageBytes))
	if !ix.filter.Test(buf[:]) {
		return nil, false, false
	}

	node, found := ix.tree.Floor(word)
	if !found {
		return nil, false, false
	}
	rec := node.Value.(*heap.AllocationRecord)
	if !rec.Range().Contains(word) {
		return nil, false, false
	}
	return rec, word != rec.Base, true
}
