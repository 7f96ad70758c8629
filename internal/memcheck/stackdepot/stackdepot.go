// Package stackdepot implements stack trace storage and deduplication for
// error reports and allocation-site grouping.
//
// The depot stores each unique stack trace exactly once, referenced by a
// 64-bit hash. Error contexts and leak records carry only the hash; the
// full trace is resolved when a report is rendered.
//
// Design:
//   - Fixed maximum depth (32 frames), truncated on capture
//   - Hash-based deduplication (murmur3 64-bit over the raw PCs)
//   - sync.Map storage, lock-free on the read-heavy path
//   - Per-depot instances: the depot belongs to a session and is never
//     global, so concurrent sessions cannot observe each other's traces
//
// Allocation-site grouping uses SiteKey, which re-hashes only the first N
// frames of a stored trace. The frame depth used for grouping is a session
// configuration parameter, not a constant baked in here.
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"
)

// MaxFrames is the maximum number of stack frames captured per trace.
const MaxFrames = 32

// Trace is a deduplicated stack trace. PC holds raw program counters,
// most recent call first. Traces are immutable once stored.
type Trace struct {
	PC []uintptr `json:"pc"`
}

// Depot deduplicates stack traces by hash.
//
// Thread Safety: all methods are safe for concurrent use. Put and Capture
// are called on the instrumentation path; Get only during reporting.
type Depot struct {
	traces sync.Map // uint64 (hash) -> *Trace
}

// NewDepot creates an empty depot.
func NewDepot() *Depot {
	return &Depot{}
}

// Put stores the given program counters and returns their hash. Identical
// stacks share a single stored Trace. A nil or empty pcs yields hash 0,
// which Get treats as "no trace".
func (d *Depot) Put(pcs []uintptr) uint64 {
	if len(pcs) == 0 {
		return 0
	}
	if len(pcs) > MaxFrames {
		pcs = pcs[:MaxFrames]
	}

	hash := hashPCs(pcs)
	if _, ok := d.traces.Load(hash); ok {
		return hash
	}

	trace := &Trace{PC: append([]uintptr(nil), pcs...)}
	d.traces.Store(hash, trace)
	return hash
}

// Capture records the current call stack and returns its hash.
//
// skip has the runtime.Callers meaning: 0 identifies Capture itself, so
// callers normally pass at least 2 to start the trace at their own caller.
// Returns 0 when no stack is available.
func (d *Depot) Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return 0
	}
	return d.Put(pcs[:n])
}

// Get retrieves a trace by hash, or nil when the hash is 0 or unknown.
func (d *Depot) Get(hash uint64) *Trace {
	if hash == 0 {
		return nil
	}
	val, ok := d.traces.Load(hash)
	if !ok {
		return nil
	}
	return val.(*Trace)
}

// SiteKey derives the allocation-site grouping key for a stored trace:
// the hash of its first depth frames. Two allocations group together when
// their stacks agree on the top depth frames even if the deeper frames
// differ. depth <= 0 means "use the whole trace", in which case the key
// equals the trace hash itself. An unknown hash maps to 0.
func (d *Depot) SiteKey(hash uint64, depth int) uint64 {
	trace := d.Get(hash)
	if trace == nil {
		return 0
	}
	if depth <= 0 || depth >= len(trace.PC) {
		return hash
	}
	return hashPCs(trace.PC[:depth])
}

// hashPCs computes the murmur3 64-bit hash of program counters.
func hashPCs(pcs []uintptr) uint64 {
	h := murmur3.New64()
	var buf [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		_, _ = h.Write(buf[:]) // hash.Hash64 writes never fail
	}
	return h.Sum64()
}

// Format renders the trace for human consumption, one frame per line:
//
//	  main.leaky()
//	      /path/to/main.go:15
//
// Program counters that do not resolve to a known function (synthetic
// stacks supplied by a host instead of captured in-process) are printed
// as raw hex so externally supplied traces still render meaningfully.
func (t *Trace) Format() string {
	if t == nil || len(t.PC) == 0 {
		return "  <no stack trace>\n"
	}

	var buf strings.Builder
	frames := runtime.CallersFrames(t.PC)
	resolved := 0
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			// Runtime internals add noise, not provenance.
			if !strings.HasPrefix(frame.Function, "runtime.") {
				fmt.Fprintf(&buf, "  %s()\n", frame.Function)
				fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
			}
			resolved++
		}
		if !more {
			break
		}
	}

	if resolved == 0 {
		for _, pc := range t.PC {
			fmt.Fprintf(&buf, "  pc 0x%x\n", pc)
		}
	}
	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// Size returns the number of unique traces stored. Reporting/debug only;
// O(N) over the depot.
func (d *Depot) Size() int {
	n := 0
	d.traces.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
