package memcheck

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/memtrace/internal/memcheck/addrspace"
	"github.com/kolkov/memtrace/internal/memcheck/heap"
	"github.com/kolkov/memtrace/internal/memcheck/leak"
	"github.com/kolkov/memtrace/internal/memcheck/origin"
	"github.com/kolkov/memtrace/internal/memcheck/report"
	"github.com/kolkov/memtrace/internal/memcheck/shadow"
	"github.com/kolkov/memtrace/internal/memcheck/stackdepot"
)

// Re-exported types so hosts only import this package.
type (
	// Range is a byte interval in the target address space.
	Range = addrspace.Range
	// AllocKind tags the allocation family of a block.
	AllocKind = heap.Kind
	// Classification is the exit-time liveness category of a block.
	Classification = report.Classification
	// Memory is the host-supplied read view of target memory used by
	// the leak check.
	Memory = leak.Memory
	// Report is the structured end-of-run report.
	Report = report.Report
	// LeakRecord aggregates unfreed blocks by allocation site.
	LeakRecord = report.LeakRecord
	// OriginRecord is the provenance of an undefined byte range.
	OriginRecord = origin.Record
)

// Allocation kinds.
const (
	AllocScalar = heap.Scalar
	AllocArray  = heap.Array
	AllocRaw    = heap.Raw
)

// Leak classifications, in report order.
const (
	DefinitelyLost = report.DefinitelyLost
	IndirectlyLost = report.IndirectlyLost
	PossiblyLost   = report.PossiblyLost
	StillReachable = report.StillReachable
)

// SchemaVersionCurrent is the report schema version this core emits.
const SchemaVersionCurrent = report.SchemaVersion

// NewRange constructs a Range from a base address and size.
func NewRange(base, size uintptr) Range {
	return addrspace.NewRange(base, size)
}

// Session is one checker run over one target program. It owns the shadow
// map, the allocation tracker, the origin tracker, the stack depot and
// the error collector; nothing in the core is global.
//
// All On* methods are safe for concurrent use by the instrumentation
// layer. LeakCheck freezes the session: mutating events arriving after it
// are dropped (and logged at debug level), since the classification ran
// over a snapshot that must stay meaningful in the final report.
type Session struct {
	id  string
	cfg Config
	log *logrus.Entry

	depot   *stackdepot.Depot
	shadow  *shadow.Map
	origins *origin.Tracker
	heap    *heap.Tracker
	errors  *report.Collector

	frozen atomic.Bool

	leakMu sync.Mutex
	leaks  []*report.LeakRecord
}

// NewSession constructs a session from the given configuration.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger().WithField("subsystem", "memcheck")
	}
	id := uuid.NewString()
	log = log.WithField("session_id", id)

	depot := stackdepot.NewDepot()
	return &Session{
		id:      id,
		cfg:     cfg,
		log:     log,
		depot:   depot,
		shadow:  shadow.NewMap(cfg.TrackOrigins),
		origins: origin.NewTracker(cfg.TrackOrigins),
		heap:    heap.NewTracker(),
		errors:  report.NewCollector(log, depot),
	}, nil
}

// ID returns the session's unique identifier, also carried in reports.
func (s *Session) ID() string {
	return s.id
}

// stackHash stores the supplied stack in the depot, or captures the
// current one when the instrumentation did not provide any. skip counts
// frames above the instrumented call site; see runtime.Callers.
func (s *Session) stackHash(stack []uintptr, skip int) uint64 {
	if len(stack) > 0 {
		return s.depot.Put(stack)
	}
	return s.depot.Capture(skip)
}

// dropIfFrozen reports whether the session is frozen, logging the dropped
// event. Events after the leak check cannot be folded into a snapshot
// that was already classified.
func (s *Session) dropIfFrozen(op string) bool {
	if !s.frozen.Load() {
		return false
	}
	s.log.WithField("op", op).Debug("event after leak check dropped")
	return true
}

// OnAlloc registers a new heap allocation: a live record over a
// currently-unallocated range, whose shadow bytes become undefined (with
// heap-allocation provenance when origin tracking is on).
//
// stack is the allocation-site call stack supplied by the
// instrumentation; nil captures the caller's stack instead. The returned
// error is fatal to the session — it means the allocation event overlaps
// memory the core believes is live, so the bookkeeping and the target
// allocator disagree.
func (s *Session) OnAlloc(addr, size uintptr, kind AllocKind, stack []uintptr) error {
	if s.frozen.Load() {
		return errors.New("memcheck: session is frozen, leak check already ran")
	}

	stackHash := s.stackHash(stack, 4)
	originID := s.origins.Note(stackHash, origin.HeapAlloc)

	r := addrspace.NewRange(addr, size)
	if conflict, ok := s.shadow.ClaimUndefined(r, originID); !ok {
		return errors.Errorf(
			"memcheck: allocation [0x%x,0x%x) overlaps live memory at 0x%x",
			addr, addr+size, conflict)
	}
	if _, err := s.heap.TrackAlloc(addr, size, kind, stackHash); err != nil {
		s.shadow.MarkNoAccess(r) // undo the claim, the record was never created
		return errors.Wrap(err, "memcheck: allocation tracking failed")
	}
	return nil
}

// OnDealloc handles a deallocation event. On success the record dies, the
// live index forgets it and its shadow range resets to no-access. Every
// failure — double free, mismatched kind, address never tracked — emits a
// finding; none aborts the session and none releases the block.
func (s *Session) OnDealloc(addr uintptr, kind AllocKind, stack []uintptr) {
	if s.dropIfFrozen("OnDealloc") {
		return
	}

	outcome, rec := s.heap.TrackDealloc(addr, kind)
	if outcome == heap.DeallocOK {
		s.shadow.MarkNoAccess(rec.Range())
		return
	}

	finding := report.ErrorRecord{
		Addr:      addr,
		StackHash: s.stackHash(stack, 4),
		Alloc:     rec,
	}
	switch outcome {
	case heap.DeallocDoubleFree:
		finding.Kind = report.InvalidFreeDoubleFree
	case heap.DeallocMismatchedKind:
		finding.Kind = report.InvalidFreeMismatchedKind
	default:
		finding.Kind = report.InvalidFreeNotTracked
	}
	s.errors.Record(finding)
}

// OnAccess handles a memory access of size bytes at addr. It checks
// addressability only: reading an undefined value is not itself an error
// until the value is consumed (see OnValueUse). A write to addressable
// memory marks the range defined.
func (s *Session) OnAccess(addr, size uintptr, isWrite bool) {
	if s.dropIfFrozen("OnAccess") {
		return
	}

	r := addrspace.NewRange(addr, size)
	bad, ok := s.shadow.CheckAddressable(r)
	if !ok {
		s.recordIllegalAccess(addr, bad, size)
		return
	}
	if isWrite {
		s.shadow.MarkDefined(r)
	}
}

// OnValueUse handles a context that requires a defined value: a branch
// condition, a syscall argument, an address computation. Undefined bytes
// here are the use-of-undefined finding, with origin provenance when
// tracking is enabled; unaddressable bytes are an illegal access, exactly
// as in OnAccess. The two are never conflated.
func (s *Session) OnValueUse(addr, size uintptr) {
	if s.dropIfFrozen("OnValueUse") {
		return
	}

	r := addrspace.NewRange(addr, size)
	bad, st, originID, ok := s.shadow.CheckDefined(r)
	if ok {
		return
	}
	if st == shadow.NoAccess {
		s.recordIllegalAccess(addr, bad, size)
		return
	}

	finding := report.ErrorRecord{
		Kind:      report.UseOfUndefined,
		Addr:      bad,
		Size:      size,
		StackHash: s.depot.Capture(3),
	}
	if rec, found := s.origins.Lookup(originID); found {
		finding.Origin = rec
	}
	if rec, found := s.heap.FindContaining(bad); found {
		finding.Alloc = rec
	}
	s.errors.Record(finding)
}

// recordIllegalAccess distinguishes a run past the end of a live block
// (OutOfRange) from a touch of memory no allocation covers (NoAccess).
func (s *Session) recordIllegalAccess(start, bad, size uintptr) {
	finding := report.ErrorRecord{
		Kind:      report.IllegalAccessNoAccess,
		Addr:      bad,
		Size:      size,
		StackHash: s.depot.Capture(4),
	}
	if rec, found := s.heap.FindContaining(start); found {
		finding.Kind = report.IllegalAccessOutOfRange
		finding.Alloc = rec
	}
	s.errors.Record(finding)
}

// OnCopy propagates shadow state for a memory-copy of n bytes from src to
// dst, byte-for-byte and independent of the copied values. Overlapping
// source and destination is a finding; the shadow state is left as it
// was.
func (s *Session) OnCopy(src, dst, n uintptr) {
	if s.dropIfFrozen("OnCopy") {
		return
	}
	if !s.shadow.Copy(src, dst, n) {
		s.errors.Record(report.ErrorRecord{
			Kind:      report.OverlappingCopy,
			Addr:      dst,
			Size:      n,
			StackHash: s.depot.Capture(3),
		})
	}
}

// OnStackFrame marks a freshly entered stack frame's range undefined,
// with stack-frame provenance. Frames are reused, so this overwrites any
// previous state unconditionally.
func (s *Session) OnStackFrame(addr, size uintptr) {
	if s.dropIfFrozen("OnStackFrame") {
		return
	}
	originID := s.origins.Note(s.depot.Capture(3), origin.StackFrame)
	s.shadow.MarkUndefined(addrspace.NewRange(addr, size), originID)
}

// OnGlobalInit marks an uninitialized global data range undefined, with
// global-initialization provenance.
func (s *Session) OnGlobalInit(addr, size uintptr) {
	if s.dropIfFrozen("OnGlobalInit") {
		return
	}
	originID := s.origins.Note(s.depot.Capture(3), origin.GlobalInit)
	s.shadow.MarkUndefined(addrspace.NewRange(addr, size), originID)
}

// OriginOf returns the provenance of the undefined byte at addr, when
// origin tracking is enabled and the byte is undefined. With tracking
// disabled it always returns nothing, however often it is called.
func (s *Session) OriginOf(addr uintptr) (*OriginRecord, bool) {
	_, originID := s.shadow.StateAt(addr)
	return s.origins.Lookup(originID)
}

// LeakCheck runs the exit-time reachability classification. It must be
// called after the target program has fully quiesced; it freezes the
// session, takes a snapshot of the still-live allocations and partitions
// them against the supplied root set.
//
// roots are the always-reachable byte ranges (registers, thread stacks,
// global data) supplied by the host. mem is the host's read view of
// target memory. With Config.LeakCheck disabled this is a no-op.
func (s *Session) LeakCheck(roots []Range, mem Memory) ([]*LeakRecord, error) {
	if !s.cfg.LeakCheck {
		s.log.Debug("leak check disabled by configuration")
		return nil, nil
	}
	if !s.frozen.CompareAndSwap(false, true) {
		return nil, errors.New("memcheck: leak check already ran")
	}

	snap := s.heap.Snapshot()
	res := leak.Classify(snap, roots, mem, s.depot, leak.Options{
		SiteDepth: s.cfg.LeakSiteDepth,
	})

	s.leakMu.Lock()
	s.leaks = res.Leaks
	s.leakMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"live_blocks":  snap.Summary.LiveBlocks,
		"live_bytes":   snap.Summary.LiveBytes,
		"leak_records": len(res.Leaks),
	}).Info("leak check complete")
	return res.Leaks, nil
}

// Report assembles the structured report from everything recorded so
// far. It may be called at any time — including after an external abort,
// before any leak check — and always reflects every finding to date. The
// detailed leak list honors Config.ShowKinds; the leak summary always
// rolls up every classification.
func (s *Session) Report() *Report {
	rep := &report.Report{
		SchemaVersion: report.SchemaVersion,
		SessionID:     s.id,
		Errors:        s.errors.Contexts(),
		ErrorCount:    s.errors.TotalErrors(),
		HeapSummary:   s.heap.Summary(),
	}

	show := make(map[Classification]bool, len(s.cfg.ShowKinds))
	for _, k := range s.cfg.ShowKinds {
		show[k] = true
	}

	s.leakMu.Lock()
	for _, l := range s.leaks {
		rep.LeakSummary.Add(l.Classification, l.Bytes, l.Blocks)
		if len(show) == 0 || show[l.Classification] {
			rep.Leaks = append(rep.Leaks, l)
		}
	}
	s.leakMu.Unlock()
	return rep
}
