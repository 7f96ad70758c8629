// Package shadow implements per-byte validity tracking for the memory
// checker core.
//
// Every byte of tracked target memory has a shadow state:
//
//   - NoAccess:  the byte is not inside any live allocation. Touching it
//     is an illegal access. This is the state of all untracked memory.
//   - Undefined: the byte is addressable but its value has never been
//     written. Reading it is fine; consuming its value (branch condition,
//     syscall argument) is a use-of-undefined finding.
//   - Defined:   the byte is addressable and carries a written value.
//
// NoAccess and Undefined are deliberately distinct states and are never
// conflated: an access to NoAccess memory and a value-use of Undefined
// memory are different findings with different provenance.
//
// # Storage
//
// Shadow state lives in fixed-size pages held in a sync.Map page table,
// the same get-or-create pattern the shadow cells of a race detector use.
// Absent pages are implicitly all-NoAccess, so untracked address space
// costs nothing. Each page optionally carries a parallel origin-id array,
// populated only when origin tracking is enabled; origin ids refer into
// the session's origin tracker and travel with undefined bytes through
// Copy.
//
// # Locking
//
// Each page has its own mutex. A multi-page operation locks every page it
// touches in ascending page order before mutating anything, which makes
// every operation linearizable per address range: operations on disjoint
// pages proceed independently, operations on overlapping ranges serialize
// on the shared pages. No shadow lock is ever held across a call outside
// this package.
package shadow
