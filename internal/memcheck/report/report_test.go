package report

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memtrace/internal/memcheck/heap"
	"github.com/kolkov/memtrace/internal/memcheck/stackdepot"
)

func testCollector() (*Collector, *stackdepot.Depot) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	depot := stackdepot.NewDepot()
	return NewCollector(logger.WithField("subsystem", "test"), depot), depot
}

func TestCollector_DeduplicatesByKindAndStack(t *testing.T) {
	c, depot := testCollector()
	stack := depot.Put([]uintptr{0x100, 0x200})

	// Same finding at the same call site twice: one context, count 2.
	c.Record(ErrorRecord{Kind: UseOfUndefined, Addr: 0x1000, StackHash: stack})
	c.Record(ErrorRecord{Kind: UseOfUndefined, Addr: 0x1000, StackHash: stack})

	contexts := c.Contexts()
	require.Len(t, contexts, 1)
	assert.Equal(t, uint64(2), contexts[0].Occurrences)
	assert.Equal(t, UseOfUndefined, contexts[0].Kind)
	assert.Equal(t, uint64(2), c.TotalErrors())
}

func TestCollector_DistinctKindsDistinctContexts(t *testing.T) {
	c, depot := testCollector()
	stack := depot.Put([]uintptr{0x100, 0x200})

	// Same stack, different kinds: never conflated.
	c.Record(ErrorRecord{Kind: IllegalAccessNoAccess, Addr: 0x1000, StackHash: stack})
	c.Record(ErrorRecord{Kind: UseOfUndefined, Addr: 0x1000, StackHash: stack})

	assert.Len(t, c.Contexts(), 2)
}

func TestCollector_FirstDiscoveryOrder(t *testing.T) {
	c, depot := testCollector()
	s1 := depot.Put([]uintptr{0x100})
	s2 := depot.Put([]uintptr{0x200})
	s3 := depot.Put([]uintptr{0x300})

	c.Record(ErrorRecord{Kind: UseOfUndefined, StackHash: s1})
	c.Record(ErrorRecord{Kind: InvalidFreeDoubleFree, StackHash: s2})
	c.Record(ErrorRecord{Kind: UseOfUndefined, StackHash: s1}) // repeat
	c.Record(ErrorRecord{Kind: OverlappingCopy, StackHash: s3})

	contexts := c.Contexts()
	require.Len(t, contexts, 3)
	assert.Equal(t, UseOfUndefined, contexts[0].Kind)
	assert.Equal(t, InvalidFreeDoubleFree, contexts[1].Kind)
	assert.Equal(t, OverlappingCopy, contexts[2].Kind)
	assert.Equal(t, uint64(4), c.TotalErrors())
}

func TestLeakSummary_Rollup(t *testing.T) {
	var s LeakSummary
	s.Add(DefinitelyLost, 40, 1)
	s.Add(DefinitelyLost, 80, 2)
	s.Add(StillReachable, 16, 1)

	assert.Equal(t, LeakTotal{Bytes: 120, Blocks: 3}, s.Total(DefinitelyLost))
	assert.Equal(t, LeakTotal{Bytes: 16, Blocks: 1}, s.Total(StillReachable))
	assert.Equal(t, LeakTotal{}, s.Total(PossiblyLost))
}

func TestReport_TotalsMatchConstituents(t *testing.T) {
	c, depot := testCollector()
	stack := depot.Put([]uintptr{0x100})
	c.Record(ErrorRecord{Kind: UseOfUndefined, StackHash: stack})
	c.Record(ErrorRecord{Kind: UseOfUndefined, StackHash: stack})
	c.Record(ErrorRecord{Kind: InvalidFreeNotTracked, StackHash: stack})

	leaks := []*LeakRecord{
		{Classification: DefinitelyLost, Bytes: 40, Blocks: 1},
		{Classification: DefinitelyLost, Bytes: 24, Blocks: 2},
		{Classification: StillReachable, Bytes: 8, Blocks: 1},
	}
	var summary LeakSummary
	for _, l := range leaks {
		summary.Add(l.Classification, l.Bytes, l.Blocks)
	}

	r := &Report{
		SchemaVersion: SchemaVersion,
		SessionID:     "test-session",
		Errors:        c.Contexts(),
		ErrorCount:    c.TotalErrors(),
		Leaks:         leaks,
		LeakSummary:   summary,
		HeapSummary: heap.Summary{
			LiveBytes: 72, LiveBlocks: 4,
			TotalAllocs: 10, TotalFrees: 6, TotalBytesAllocated: 512,
		},
	}

	var errSum uint64
	for _, ctx := range r.Errors {
		errSum += ctx.Occurrences
	}
	assert.Equal(t, r.ErrorCount, errSum)

	var lostBytes, lostBlocks uint64
	for _, l := range r.Leaks {
		if l.Classification == DefinitelyLost {
			lostBytes += l.Bytes
			lostBlocks += l.Blocks
		}
	}
	assert.Equal(t, r.LeakSummary.DefinitelyLost.Bytes, lostBytes)
	assert.Equal(t, r.LeakSummary.DefinitelyLost.Blocks, lostBlocks)
}

func TestReport_FormatRendersSummaries(t *testing.T) {
	r := &Report{
		SchemaVersion: SchemaVersion,
		Leaks: []*LeakRecord{
			{Classification: DefinitelyLost, Bytes: 40, Blocks: 1},
		},
		HeapSummary: heap.Summary{
			LiveBytes: 40, LiveBlocks: 1,
			TotalAllocs: 2, TotalFrees: 1, TotalBytesAllocated: 100,
		},
	}
	r.LeakSummary.Add(DefinitelyLost, 40, 1)

	var buf strings.Builder
	r.Format(&buf)
	out := buf.String()

	assert.Contains(t, out, "HEAP SUMMARY:")
	assert.Contains(t, out, "in use at exit: 40 bytes in 1 blocks")
	assert.Contains(t, out, "total heap usage: 2 allocs, 1 frees, 100 bytes allocated")
	assert.Contains(t, out, "LEAK SUMMARY:")
	assert.Contains(t, out, "definitely lost: 40 bytes in 1 blocks")
	assert.Contains(t, out, "40 bytes in 1 blocks are definitely lost")
	assert.Contains(t, out, "ERROR SUMMARY: 0 errors from 0 contexts")
}

func TestReport_SchemaRoundTrip(t *testing.T) {
	r := &Report{SchemaVersion: SchemaVersion, SessionID: "abc"}
	r.LeakSummary.Add(PossiblyLost, 8, 1)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schema_version":1`)
	assert.Contains(t, string(data), `"possibly_lost":{"bytes":8,"blocks":1}`)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, r.LeakSummary, decoded.LeakSummary)
}
