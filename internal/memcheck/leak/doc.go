// Package leak implements the exit-time reachability classifier: the
// partition of all still-live allocations into definitely lost,
// indirectly lost, possibly lost and still reachable.
//
// # Inputs
//
// The classifier runs exactly once, after the target program has fully
// quiesced, over three inputs: a frozen snapshot of the allocation
// tracker, an externally supplied root set (byte ranges for registers,
// thread stacks and global data), and a Memory view for reading
// pointer-sized words. It performs only reads of the snapshot and needs
// no synchronization beyond that isolation.
//
// # Algorithm
//
// Every aligned pointer-sized word in the root set and in the contents of
// every live block is resolved against an interval index over the live
// allocations, producing edges: a word equal to a block's base address is
// a strong edge, a word landing in the block's interior is a weak edge.
//
// Marking propagates path quality from the roots: a block reached through
// a chain of strong edges is still reachable; a chain containing at least
// one weak edge makes it possibly lost. A strong path always beats a weak
// one for the same block.
//
// Blocks unreached from any root are lost. Those with no incoming edges
// from other unreached blocks are the loss roots — definitely lost — and
// everything reachable from a loss root within the unreached set is
// indirectly lost. Unreached cycles with no loss root are broken at the
// lowest base address, which is marked definitely lost; this keeps the
// partition total and the output deterministic.
//
// # Output
//
// Blocks are grouped into leak records by allocation-site stack trace
// (truncated to the configured frame depth) and classification, each
// record carrying the block count and byte total of its group.
package leak
