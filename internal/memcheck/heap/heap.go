// Package heap implements the allocation tracker: live-allocation
// metadata, kind matching on release, and the running heap accounting
// that feeds the end-of-run summary.
//
// The tracker owns every AllocationRecord. The leak classifier and the
// report generator only ever hold references into it, obtained from a
// frozen Snapshot taken after the target program has quiesced.
package heap

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/kolkov/memtrace/internal/memcheck/addrspace"
)

// Kind tags the allocation family a block was obtained from. Releasing a
// block with a different family than it was allocated with is the
// mismatched-kind finding (the classic array-form release of a
// scalar-form allocation).
type Kind uint8

const (
	// Scalar is a single-object allocation (malloc of one object, new).
	Scalar Kind = iota
	// Array is an array-form allocation (new[]).
	Array
	// Raw is an untyped buffer allocation (plain malloc/calloc).
	Raw
)

// String returns the kind name used in reports.
func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Array:
		return "array"
	case Raw:
		return "raw-buffer"
	default:
		return "unknown"
	}
}

// AllocationRecord is the tracker-owned metadata for one heap block.
//
// Base, Size, Kind and SiteHash are immutable after creation. Live flips
// to false exactly once, on a matching deallocation; records never
// matched by exit stay live and are what the classifier partitions.
type AllocationRecord struct {
	Base     uintptr `json:"base"`
	Size     uintptr `json:"size"`
	Kind     Kind    `json:"kind"`
	SiteHash uint64  `json:"site_hash"` // allocation-site stack, depot hash
	Seq      uint64  `json:"seq"`       // creation order, for determinism
	Live     bool    `json:"live"`
}

// Range returns the byte range the block covers.
func (r *AllocationRecord) Range() addrspace.Range {
	return addrspace.NewRange(r.Base, r.Size)
}

// DeallocOutcome is the result of a deallocation attempt.
type DeallocOutcome uint8

const (
	// DeallocOK: the block was live and the kinds matched.
	DeallocOK DeallocOutcome = iota
	// DeallocDoubleFree: the address was tracked once but already freed.
	DeallocDoubleFree
	// DeallocMismatchedKind: the block is live but the release kind does
	// not match the allocation kind. The block stays live.
	DeallocMismatchedKind
	// DeallocNotTracked: the address was never a tracked base address.
	DeallocNotTracked
)

// Summary is the running heap accounting. The invariant
// LiveBytes == TotalBytesAllocated - bytes freed so far holds after every
// tracker operation.
type Summary struct {
	LiveBytes           uint64 `json:"live_bytes"`
	LiveBlocks          uint64 `json:"live_blocks"`
	TotalAllocs         uint64 `json:"total_allocs"`
	TotalFrees          uint64 `json:"total_frees"`
	TotalBytesAllocated uint64 `json:"total_bytes_allocated"`
}

// Snapshot is a frozen view of the tracker for exit-time classification:
// the still-live records sorted by base address, plus the accounting at
// the moment the snapshot was taken.
type Snapshot struct {
	Live    []*AllocationRecord
	Summary Summary
}

// Tracker records live allocations and enforces kind matching on release.
//
// Overlap detection against live ranges is not done here: the shadow
// map's ClaimUndefined is the authority on "currently unallocated"
// (untracked bytes are always no-access), and the session claims shadow
// before registering a record. TrackAlloc still rejects a duplicate live
// base outright, since that indicates corrupted bookkeeping rather than a
// target-program bug.
type Tracker struct {
	mu      sync.RWMutex
	live    map[uintptr]*AllocationRecord
	retired map[uintptr]*AllocationRecord // last freed record per base
	seq     uint64
	summary Summary
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		live:    make(map[uintptr]*AllocationRecord),
		retired: make(map[uintptr]*AllocationRecord),
	}
}

// TrackAlloc registers a new live allocation. The returned record is
// owned by the tracker. An error here is fatal to the session: a base
// address that is already live means the event stream and the tracker
// disagree, and all further findings would be suspect.
func (t *Tracker) TrackAlloc(base, size uintptr, kind Kind, siteHash uint64) (*AllocationRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.live[base]; exists {
		return nil, errors.Errorf("heap: allocation at 0x%x already live", base)
	}

	t.seq++
	rec := &AllocationRecord{
		Base:     base,
		Size:     size,
		Kind:     kind,
		SiteHash: siteHash,
		Seq:      t.seq,
		Live:     true,
	}
	t.live[base] = rec

	t.summary.TotalAllocs++
	t.summary.TotalBytesAllocated += uint64(size)
	t.summary.LiveBytes += uint64(size)
	t.summary.LiveBlocks++
	return rec, nil
}

// TrackDealloc attempts to release the block at base with the given kind.
//
// On DeallocOK the record is marked dead and removed from the live index;
// the caller resets the shadow range. On DeallocMismatchedKind the record
// is returned but stays live — a failed release never releases. On
// DeallocDoubleFree the returned record is the retired one, for report
// context. DeallocNotTracked returns no record.
func (t *Tracker) TrackDealloc(base uintptr, kind Kind) (DeallocOutcome, *AllocationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.live[base]
	if !ok {
		if dead, wasTracked := t.retired[base]; wasTracked {
			return DeallocDoubleFree, dead
		}
		return DeallocNotTracked, nil
	}

	if rec.Kind != kind {
		return DeallocMismatchedKind, rec
	}

	rec.Live = false
	delete(t.live, base)
	t.retired[base] = rec

	t.summary.TotalFrees++
	t.summary.LiveBytes -= uint64(rec.Size)
	t.summary.LiveBlocks--
	return DeallocOK, rec
}

// FindContaining returns the live record whose range contains addr, if
// any. Linear over the live index; only consulted on error paths, where
// an illegal access needs to be attributed to a nearby block.
func (t *Tracker) FindContaining(addr uintptr) (*AllocationRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, rec := range t.live {
		if rec.Range().Contains(addr) {
			return rec, true
		}
	}
	return nil, false
}

// Lookup returns the live record with the exact base address, if any.
func (t *Tracker) Lookup(base uintptr) (*AllocationRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.live[base]
	return rec, ok
}

// Summary returns the accounting counters at this instant.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary
}

// Snapshot freezes the still-live allocation set for classification. The
// records are sorted by base address so every consumer iterates them in a
// deterministic order.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	live := make([]*AllocationRecord, 0, len(t.live))
	for _, rec := range t.live {
		live = append(live, rec)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Base < live[j].Base })

	return &Snapshot{Live: live, Summary: t.summary}
}
