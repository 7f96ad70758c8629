// Package addrspace provides the address-range primitives shared by the
// shadow memory, the allocation tracker and the leak classifier.
//
// A Range is a half-open byte interval [Base, Base+Size) in the target
// program's address space. The checker core never dereferences addresses
// itself; ranges are pure bookkeeping values.
package addrspace

// WordSize is the size in bytes of a pointer-sized word in the target
// address space. The leak classifier scans memory at this granularity.
const WordSize = 8

// Range describes a half-open byte interval [Base, Base+Size) in the
// target address space. A zero Size range is empty and contains nothing.
type Range struct {
	Base uintptr
	Size uintptr
}

// NewRange constructs a Range from a base address and a size in bytes.
func NewRange(base, size uintptr) Range {
	return Range{Base: base, Size: size}
}

// End returns the first address past the range (exclusive bound).
func (r Range) End() uintptr {
	return r.Base + r.Size
}

// Empty reports whether the range covers no bytes.
func (r Range) Empty() bool {
	return r.Size == 0
}

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.End()
}

// Overlaps reports whether the two ranges share at least one byte.
// Empty ranges never overlap anything.
func (r Range) Overlaps(other Range) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.Base < other.End() && other.Base < r.End()
}

// Words returns the aligned pointer-sized word addresses that lie fully
// inside the range. The first word is Base rounded up to WordSize; the
// last word ends at or before End(). Used by the leak classifier's edge
// scan, which only considers naturally aligned words as pointer
// candidates.
func (r Range) Words() []uintptr {
	start := (r.Base + WordSize - 1) &^ (WordSize - 1)
	if start+WordSize > r.End() || r.Empty() {
		return nil
	}
	words := make([]uintptr, 0, (r.End()-start)/WordSize)
	for w := start; w+WordSize <= r.End(); w += WordSize {
		words = append(words, w)
	}
	return words
}
