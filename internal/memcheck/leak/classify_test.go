package leak

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memtrace/internal/memcheck/addrspace"
	"github.com/kolkov/memtrace/internal/memcheck/heap"
	"github.com/kolkov/memtrace/internal/memcheck/report"
	"github.com/kolkov/memtrace/internal/memcheck/stackdepot"
)

// fakeMemory is a word-addressed view of target memory for tests.
// Unlisted addresses read as unreadable.
type fakeMemory map[uintptr]uintptr

func (m fakeMemory) ReadWord(addr uintptr) (uintptr, bool) {
	v, ok := m[addr]
	return v, ok
}

// fixture builds a tracker, a depot and a distinct allocation-site trace
// per name, so tests can allocate blocks with controlled grouping.
type fixture struct {
	t     *testing.T
	tr    *heap.Tracker
	depot *stackdepot.Depot
	sites map[string]uint64
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:     t,
		tr:    heap.NewTracker(),
		depot: stackdepot.NewDepot(),
		sites: make(map[string]uint64),
	}
}

func (f *fixture) site(name string) uint64 {
	if h, ok := f.sites[name]; ok {
		return h
	}
	pcs := []uintptr{uintptr(0x40000 + len(f.sites)*16), 0x50000}
	h := f.depot.Put(pcs)
	f.sites[name] = h
	return h
}

func (f *fixture) alloc(base, size uintptr, siteName string) *heap.AllocationRecord {
	rec, err := f.tr.TrackAlloc(base, size, heap.Raw, f.site(siteName))
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) classify(roots []addrspace.Range, mem fakeMemory) *Result {
	return Classify(f.tr.Snapshot(), roots, mem, f.depot, Options{})
}

func rootAt(mem fakeMemory, addr, value uintptr) addrspace.Range {
	mem[addr] = value
	return addrspace.NewRange(addr, addrspace.WordSize)
}

func TestClassify_UnreferencedBlockIsDefinitelyLost(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(0x10000, 40, "leaky")

	res := f.classify(nil, fakeMemory{})

	assert.Equal(t, report.DefinitelyLost, res.ByBlock[a])
	require.Len(t, res.Leaks, 1)
	assert.Equal(t, report.DefinitelyLost, res.Leaks[0].Classification)
	assert.Equal(t, uint64(40), res.Leaks[0].Bytes)
	assert.Equal(t, uint64(1), res.Leaks[0].Blocks)
}

func TestClassify_StillReachableFromRootBase(t *testing.T) {
	f := newFixture(t)
	c := f.alloc(0x10000, 40, "kept")

	mem := fakeMemory{}
	root := rootAt(mem, 0x9000, 0x10000)
	// Self-referential interior pointer inside C must not matter: the
	// root's exact base match dominates internal cycles.
	mem[0x10008] = 0x10010

	res := f.classify([]addrspace.Range{root}, mem)

	assert.Equal(t, report.StillReachable, res.ByBlock[c])
}

func TestClassify_InteriorRootPointerIsPossiblyLost(t *testing.T) {
	f := newFixture(t)
	d := f.alloc(0x10000, 40, "interior")

	mem := fakeMemory{}
	root := rootAt(mem, 0x9000, 0x10010) // points into the block

	res := f.classify([]addrspace.Range{root}, mem)

	assert.Equal(t, report.PossiblyLost, res.ByBlock[d])
}

func TestClassify_BaseMatchBeatsInteriorMatch(t *testing.T) {
	f := newFixture(t)
	e := f.alloc(0x10000, 40, "both")

	mem := fakeMemory{}
	r1 := rootAt(mem, 0x9000, 0x10010) // interior
	r2 := rootAt(mem, 0x9100, 0x10000) // exact base

	res := f.classify([]addrspace.Range{r1, r2}, mem)

	assert.Equal(t, report.StillReachable, res.ByBlock[e])
}

func TestClassify_IndirectlyLostBehindDefinitelyLost(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(0x10000, 40, "holder")
	b := f.alloc(0x20000, 24, "held")

	// B's only referencing word lives inside A, and nothing references
	// A at all.
	mem := fakeMemory{0x10008: 0x20000}

	res := f.classify(nil, mem)

	assert.Equal(t, report.DefinitelyLost, res.ByBlock[a])
	assert.Equal(t, report.IndirectlyLost, res.ByBlock[b])
}

func TestClassify_LostChainPropagates(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(0x10000, 40, "a")
	b := f.alloc(0x20000, 40, "b")
	c := f.alloc(0x30000, 40, "c")

	// A -> B -> C, nothing references A.
	mem := fakeMemory{
		0x10000: 0x20000,
		0x20000: 0x30000,
	}

	res := f.classify(nil, mem)

	assert.Equal(t, report.DefinitelyLost, res.ByBlock[a])
	assert.Equal(t, report.IndirectlyLost, res.ByBlock[b])
	assert.Equal(t, report.IndirectlyLost, res.ByBlock[c])
}

func TestClassify_WeakLinkDegradesChain(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(0x10000, 40, "a")
	b := f.alloc(0x20000, 40, "b")
	c := f.alloc(0x30000, 40, "c")

	mem := fakeMemory{
		0x10000: 0x20010, // interior pointer into B
		0x20008: 0x30000, // exact base of C
	}
	root := rootAt(mem, 0x9000, 0x10000) // exact base of A

	res := f.classify([]addrspace.Range{root}, mem)

	// One interior hop taints everything downstream of it.
	assert.Equal(t, report.StillReachable, res.ByBlock[a])
	assert.Equal(t, report.PossiblyLost, res.ByBlock[b])
	assert.Equal(t, report.PossiblyLost, res.ByBlock[c])
}

func TestClassify_UnreachedCycleIsLost(t *testing.T) {
	f := newFixture(t)
	a := f.alloc(0x10000, 40, "cycle")
	b := f.alloc(0x20000, 40, "cycle")

	// A and B point at each other's base; no root reaches either. The
	// cycle is broken at the lowest base address.
	mem := fakeMemory{
		0x10000: 0x20000,
		0x20000: 0x10000,
	}

	res := f.classify(nil, mem)

	assert.Equal(t, report.DefinitelyLost, res.ByBlock[a])
	assert.Equal(t, report.IndirectlyLost, res.ByBlock[b])
}

func TestClassify_SharedSiteAggregatesIntoOneRecord(t *testing.T) {
	f := newFixture(t)
	f.alloc(0x10000, 40, "shared")
	f.alloc(0x20000, 24, "shared")
	f.alloc(0x30000, 8, "other")

	res := f.classify(nil, fakeMemory{})

	require.Len(t, res.Leaks, 2)
	// Records sort by bytes within a classification.
	assert.Equal(t, uint64(64), res.Leaks[0].Bytes)
	assert.Equal(t, uint64(2), res.Leaks[0].Blocks)
	assert.Equal(t, uint64(8), res.Leaks[1].Bytes)
	assert.Equal(t, uint64(1), res.Leaks[1].Blocks)
}

func TestClassify_PartitionIsTotal(t *testing.T) {
	f := newFixture(t)
	blocks := []*heap.AllocationRecord{
		f.alloc(0x10000, 40, "a"),
		f.alloc(0x20000, 40, "b"),
		f.alloc(0x30000, 40, "c"),
		f.alloc(0x40000, 40, "d"),
	}
	mem := fakeMemory{
		0x10000: 0x20000, // a -> b
		0x30000: 0x30010, // c -> itself (ignored)
	}
	root := rootAt(mem, 0x9000, 0x40000)

	res := f.classify([]addrspace.Range{root}, mem)

	// Every live block is classified exactly once.
	assert.Len(t, res.ByBlock, len(blocks))
	var total uint64
	for _, l := range res.Leaks {
		total += l.Blocks
	}
	assert.Equal(t, uint64(len(blocks)), total)
}

func TestClassify_Deterministic(t *testing.T) {
	build := func() *Result {
		f := newFixture(t)
		f.alloc(0x10000, 40, "a")
		f.alloc(0x20000, 40, "b")
		f.alloc(0x30000, 16, "a")
		mem := fakeMemory{0x20000: 0x30000}
		root := rootAt(mem, 0x9000, 0x10010)
		return f.classify([]addrspace.Range{root}, mem)
	}

	r1, r2 := build(), build()
	require.Equal(t, len(r1.Leaks), len(r2.Leaks))
	for i := range r1.Leaks {
		assert.Equal(t, r1.Leaks[i].Classification, r2.Leaks[i].Classification)
		assert.Equal(t, r1.Leaks[i].Bytes, r2.Leaks[i].Bytes)
		assert.Equal(t, r1.Leaks[i].Blocks, r2.Leaks[i].Blocks)
	}
}

func TestClassify_EmptySnapshot(t *testing.T) {
	f := newFixture(t)

	res := f.classify([]addrspace.Range{addrspace.NewRange(0x9000, 8)}, fakeMemory{0x9000: 0x1234})

	assert.Empty(t, res.Leaks)
	assert.Empty(t, res.ByBlock)
}
