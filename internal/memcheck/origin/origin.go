// Package origin records the provenance of undefined byte ranges: where
// and how a range of memory became undefined. It is purely additive —
// disabling it changes no classification or error detection, it only
// removes the "uninitialised value was created by ..." detail from
// reports.
package origin

import "sync"

// Kind describes how a byte range became undefined.
type Kind uint8

const (
	// HeapAlloc marks bytes made undefined by a heap allocation.
	HeapAlloc Kind = iota
	// StackFrame marks bytes made undefined by entering a stack frame.
	StackFrame
	// GlobalInit marks bytes made undefined at global initialization.
	GlobalInit
)

// String returns the report wording for the origin kind.
func (k Kind) String() string {
	switch k {
	case HeapAlloc:
		return "heap allocation"
	case StackFrame:
		return "stack frame entry"
	case GlobalInit:
		return "global initialization"
	default:
		return "unknown"
	}
}

// Record is the provenance of one undefined transition: the stack trace
// (as a depot hash) and the creation kind at the moment the range became
// undefined.
type Record struct {
	StackHash uint64 `json:"stack_hash"`
	Kind      Kind   `json:"kind"`
}

// Tracker allocates origin ids and resolves them back to Records.
//
// Ids are handed to the shadow map, which stores one per undefined byte.
// Id 0 is reserved for "no origin" and is what a disabled tracker always
// returns.
type Tracker struct {
	enabled bool

	mu      sync.Mutex
	nextID  uint32
	records map[uint32]*Record
}

// NewTracker creates a tracker. A disabled tracker allocates no ids and
// resolves nothing; all its operations are cheap no-ops.
func NewTracker(enabled bool) *Tracker {
	t := &Tracker{enabled: enabled}
	if enabled {
		t.records = make(map[uint32]*Record)
	}
	return t
}

// Enabled reports whether provenance is being recorded.
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// Note records an undefined transition and returns its origin id, or 0
// when the tracker is disabled.
func (t *Tracker) Note(stackHash uint64, kind Kind) uint32 {
	if !t.enabled {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.records[id] = &Record{StackHash: stackHash, Kind: kind}
	return id
}

// Lookup resolves an origin id. Id 0 and unknown ids resolve to nothing.
func (t *Tracker) Lookup(id uint32) (*Record, bool) {
	if !t.enabled || id == 0 {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	return rec, ok
}
