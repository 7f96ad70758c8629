// Package memcheck is the public API of the memory-correctness core: an
// allocation-tracking and reachability-classification engine for a
// dynamic memory checker.
//
// The core is the bookkeeping half of a checker. An external
// instrumentation layer (binary translation, compiler inserts, a manual
// harness) observes the target program and forwards events; this package
// turns those events into findings and, at exit, into a classified leak
// report. The core never initiates instrumentation, performs no I/O
// beyond its logger, and never alters or aborts target execution.
//
// # Session lifecycle
//
// All state belongs to a Session constructed by the host at target start:
//
//	sess, err := memcheck.NewSession(memcheck.DefaultConfig())
//	...
//	sess.OnAlloc(addr, 40, memcheck.AllocArray, stack) // allocation event
//	sess.OnAccess(addr, 4, true)                       // memory access
//	sess.OnDealloc(addr, memcheck.AllocArray, stack)   // deallocation event
//	...
//	sess.LeakCheck(roots, mem) // once, after the target has quiesced
//	rep := sess.Report()       // structured report, available at any time
//
// Report may be called at any point, including after an external abort:
// it always reflects every finding recorded so far.
//
// # Findings versus failures
//
// Everything the target program does wrong — illegal accesses, uses of
// undefined values, invalid deallocations, overlapping copies — is an
// observational finding: logged when detected, deduplicated into contexts
// by (kind, stack trace) and counted in the end-of-run summary. Only
// corruption of the core's own bookkeeping (for example an allocation
// event overlapping live memory) surfaces as a Go error, because it
// invalidates all further findings.
//
// # Concurrency
//
// The target may run many threads; every mutating operation is
// linearizable per address range. Operations on disjoint ranges proceed
// independently via page-partitioned shadow locking. No internal lock is
// held across a call back out of the core. LeakCheck requires the target
// to have quiesced and runs exactly once.
package memcheck
