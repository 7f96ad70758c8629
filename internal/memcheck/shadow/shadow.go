package shadow

import (
	"sync"

	"github.com/kolkov/memtrace/internal/memcheck/addrspace"
)

// State is the validity state of a single tracked byte.
type State uint8

const (
	// NoAccess marks a byte outside every live allocation. The zero
	// value, so absent shadow pages read as NoAccess.
	NoAccess State = iota
	// Undefined marks an addressable byte whose value was never written.
	Undefined
	// Defined marks an addressable byte carrying a written value.
	Defined
)

// String returns the state name used in logs and reports.
func (s State) String() string {
	switch s {
	case NoAccess:
		return "no-access"
	case Undefined:
		return "undefined"
	case Defined:
		return "defined"
	default:
		return "unknown"
	}
}

// pageBytes is the number of target bytes covered by one shadow page.
const pageBytes = 4096

// page holds the shadow state for one pageBytes-aligned slab of target
// memory. origins is allocated lazily and only when the owning Map tracks
// origins; a nil origins array reads as origin id 0 everywhere.
type page struct {
	mu      sync.Mutex
	state   [pageBytes]State
	origins []uint32
}

func (p *page) originAt(off int) uint32 {
	if p.origins == nil {
		return 0
	}
	return p.origins[off]
}

func (p *page) setOrigin(off int, id uint32) {
	if p.origins == nil {
		if id == 0 {
			return
		}
		p.origins = make([]uint32, pageBytes)
	}
	p.origins[off] = id
}

// Map is the shadow memory table for one checker session.
//
// All methods are safe for concurrent use and linearizable per address
// range; see the package documentation for the locking discipline.
type Map struct {
	pages        sync.Map // uintptr (page index) -> *page
	trackOrigins bool
}

// NewMap creates an empty shadow map. When trackOrigins is false, origin
// ids are dropped on write and every byte reads as origin 0; nothing else
// changes.
func NewMap(trackOrigins bool) *Map {
	return &Map{trackOrigins: trackOrigins}
}

// span is the portion of a range that falls on a single page. pg is nil
// when the page does not exist and creation was not requested; such spans
// are implicitly all-NoAccess.
type span struct {
	pg   *page
	base uintptr // target address of the first byte in the span
	off  int     // offset of that byte within the page
	n    int     // number of bytes covered
}

// spans splits r into per-page spans in ascending page order.
func (m *Map) spans(r addrspace.Range, create bool) []span {
	if r.Empty() {
		return nil
	}
	var out []span
	addr := r.Base
	for addr < r.End() {
		idx := addr / pageBytes
		off := int(addr % pageBytes)
		n := pageBytes - off
		if remaining := int(r.End() - addr); n > remaining {
			n = remaining
		}

		var pg *page
		if create {
			val, _ := m.pages.LoadOrStore(idx, &page{})
			pg = val.(*page)
		} else if val, ok := m.pages.Load(idx); ok {
			pg = val.(*page)
		}
		out = append(out, span{pg: pg, base: addr, off: off, n: n})
		addr += uintptr(n)
	}
	return out
}

// lockAll acquires the page locks of all spans in order. Spans are in
// ascending page order by construction, so lock acquisition is globally
// ordered and cannot deadlock against another ranged operation.
func lockAll(spans []span) {
	for _, s := range spans {
		if s.pg != nil {
			s.pg.mu.Lock()
		}
	}
}

func unlockAll(spans []span) {
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].pg != nil {
			spans[i].pg.mu.Unlock()
		}
	}
}

// ClaimUndefined atomically verifies that every byte of r is NoAccess and
// marks the whole range Undefined with the given origin id. Check and
// mark happen under one critical section over all touched pages, so two
// claims for overlapping ranges cannot both succeed.
//
// On conflict it returns the address of the first non-NoAccess byte and
// false, leaving the shadow map untouched. This is how the allocation
// tracker detects overlapping live allocations.
func (m *Map) ClaimUndefined(r addrspace.Range, originID uint32) (uintptr, bool) {
	spans := m.spans(r, true)
	lockAll(spans)
	defer unlockAll(spans)

	for _, s := range spans {
		for i := 0; i < s.n; i++ {
			if s.pg.state[s.off+i] != NoAccess {
				return s.base + uintptr(i), false
			}
		}
	}
	for _, s := range spans {
		m.fill(s, Undefined, originID)
	}
	return 0, true
}

// MarkUndefined sets every byte of r to Undefined with the given origin
// id, regardless of previous state. Used for stack-frame entry and global
// initialization, where the range may legitimately be reused.
func (m *Map) MarkUndefined(r addrspace.Range, originID uint32) {
	spans := m.spans(r, true)
	lockAll(spans)
	defer unlockAll(spans)
	for _, s := range spans {
		m.fill(s, Undefined, originID)
	}
}

// MarkDefined sets every byte of r to Defined and clears its origin;
// origin provenance only describes undefined bytes.
func (m *Map) MarkDefined(r addrspace.Range) {
	spans := m.spans(r, true)
	lockAll(spans)
	defer unlockAll(spans)
	for _, s := range spans {
		m.fill(s, Defined, 0)
	}
}

// MarkNoAccess resets every byte of r to NoAccess, clearing origins.
// Called when an allocation is released.
func (m *Map) MarkNoAccess(r addrspace.Range) {
	spans := m.spans(r, false)
	lockAll(spans)
	defer unlockAll(spans)
	for _, s := range spans {
		if s.pg == nil {
			continue // already NoAccess
		}
		m.fill(s, NoAccess, 0)
	}
}

// fill writes state and origin over one locked span.
func (m *Map) fill(s span, st State, originID uint32) {
	if !m.trackOrigins {
		originID = 0
	}
	for i := 0; i < s.n; i++ {
		s.pg.state[s.off+i] = st
		s.pg.setOrigin(s.off+i, originID)
	}
}

// CheckAddressable reports whether every byte of r is addressable
// (Undefined or Defined). On failure it returns the address of the first
// NoAccess byte.
func (m *Map) CheckAddressable(r addrspace.Range) (uintptr, bool) {
	spans := m.spans(r, false)
	lockAll(spans)
	defer unlockAll(spans)

	for _, s := range spans {
		if s.pg == nil {
			return s.base, false
		}
		for i := 0; i < s.n; i++ {
			if s.pg.state[s.off+i] == NoAccess {
				return s.base + uintptr(i), false
			}
		}
	}
	return 0, true
}

// CheckDefined reports whether every byte of r is Defined. On failure it
// returns the address of the first offending byte, that byte's state, and
// its origin id (nonzero only for undefined bytes under origin tracking).
// Callers distinguish an illegal access (NoAccess) from a use of an
// undefined value (Undefined) by the returned state.
func (m *Map) CheckDefined(r addrspace.Range) (uintptr, State, uint32, bool) {
	spans := m.spans(r, false)
	lockAll(spans)
	defer unlockAll(spans)

	for _, s := range spans {
		if s.pg == nil {
			return s.base, NoAccess, 0, false
		}
		for i := 0; i < s.n; i++ {
			if st := s.pg.state[s.off+i]; st != Defined {
				return s.base + uintptr(i), st, s.pg.originAt(s.off + i), false
			}
		}
	}
	return 0, Defined, 0, true
}

// Copy propagates shadow state byte-for-byte from src to dst, n bytes,
// independent of the copied values themselves. Origin ids travel with
// undefined bytes. Overlapping source and destination is a finding in the
// target program; Copy refuses it, copies nothing and returns false.
//
// The source is snapshotted under its page locks, then the destination is
// written under its own; since the ranges are disjoint no ordering issue
// arises between the two phases.
func (m *Map) Copy(src, dst uintptr, n uintptr) bool {
	if n == 0 {
		return true
	}
	srcRange := addrspace.NewRange(src, n)
	dstRange := addrspace.NewRange(dst, n)
	if srcRange.Overlaps(dstRange) {
		return false
	}

	states := make([]State, n)
	origins := make([]uint32, n)

	srcSpans := m.spans(srcRange, false)
	lockAll(srcSpans)
	pos := 0
	for _, s := range srcSpans {
		for i := 0; i < s.n; i++ {
			if s.pg != nil {
				states[pos] = s.pg.state[s.off+i]
				origins[pos] = s.pg.originAt(s.off + i)
			}
			pos++
		}
	}
	unlockAll(srcSpans)

	dstSpans := m.spans(dstRange, true)
	lockAll(dstSpans)
	pos = 0
	for _, s := range dstSpans {
		for i := 0; i < s.n; i++ {
			s.pg.state[s.off+i] = states[pos]
			oid := origins[pos]
			if !m.trackOrigins {
				oid = 0
			}
			s.pg.setOrigin(s.off+i, oid)
			pos++
		}
	}
	unlockAll(dstSpans)
	return true
}

// StateAt returns the shadow state and origin id of a single byte.
func (m *Map) StateAt(addr uintptr) (State, uint32) {
	val, ok := m.pages.Load(addr / pageBytes)
	if !ok {
		return NoAccess, 0
	}
	pg := val.(*page)
	off := int(addr % pageBytes)

	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.state[off], pg.originAt(off)
}
