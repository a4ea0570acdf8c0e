// Package hook implements the end-of-I/O bookkeeping for snapshot reads
// served from the origin under a cluster-wide read lock (spec.md §4.4).
//
// The completion path (Hook.Fire) must never block or allocate in a way that
// would stall a caller running in the block layer's completion context
// (spec.md §5): it does one atomic pointer swap, a short, uncontended mutex
// section to move the hook between lists, and then invokes the caller's
// original completion callback. Grounded on spec.md §9's design note: model
// interrupt-context completion as a non-blocking callback whose only side
// effects are an atomic callback swap and a push onto a queue the worker
// alone drains.
package hook

import (
	"sync"
	"sync/atomic"
)

// Hook tracks one in-flight origin read held under a cluster read lock.
type Hook struct {
	Device any    // back-reference to the owning device; opaque to this package
	Sector uint64 // original sector number of the origin read

	original atomic.Pointer[func()] // captured completion callback; nil once fired
}

// New captures original as the I/O's existing completion callback.
func New(device any, sector uint64, original func()) *Hook {
	h := &Hook{Device: device, Sector: sector}
	if original != nil {
		h.original.Store(&original)
	}
	return h
}

// Fired reports whether the I/O this hook guards has already completed
// (the captured callback field has been nulled out).
func (h *Hook) Fired() bool {
	return h.original.Load() == nil
}

// take swaps the captured callback out for nil (the sentinel meaning "I/O
// finished") and returns whatever was there, exactly once.
func (h *Hook) take() func() {
	prev := h.original.Swap(nil)
	if prev == nil {
		return nil
	}
	return *prev
}

// Lists holds the locked and release lists shared by every hook belonging
// to one device, plus the dont_switch_lists flag that gates list transitions
// during a lock-upload cycle (spec.md §4.4, §4.5).
type Lists struct {
	mu              sync.Mutex
	locked          map[*Hook]struct{}
	release         []*Hook
	dontSwitchLists bool
}

// NewLists constructs empty locked/release lists.
func NewLists() *Lists {
	return &Lists{locked: make(map[*Hook]struct{})}
}

// Install adds a freshly created hook to the locked list.
func (l *Lists) Install(h *Hook) {
	l.mu.Lock()
	l.locked[h] = struct{}{}
	l.mu.Unlock()
}

// Fire runs the end-of-I/O hook callback: restores the original completion
// callback, nulls the captured field, and — unless an upload cycle is in
// progress — moves the hook from locked to release. notify is called after
// the list transition (to signal the worker) and before the original
// callback runs, matching spec.md §4.4's ordering. Fire invokes the original
// callback itself and returns nothing. A hook that is no longer on the
// locked list (already released or discarded) is not moved again.
func (l *Lists) Fire(h *Hook, notify func()) {
	original := h.take()

	l.mu.Lock()
	if _, onLocked := l.locked[h]; onLocked && !l.dontSwitchLists {
		delete(l.locked, h)
		l.release = append(l.release, h)
	}
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
	if original != nil {
		original()
	}
}

// DrainRelease removes and returns every hook on the release list.
func (l *Lists) DrainRelease() []*Hook {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.release
	l.release = nil
	return out
}

// BeginUpload sets dont_switch_lists and drains (and returns) whatever is
// currently on the release list, per spec.md §4.5 step 3: "with the end-I/O
// lock, set dont_switch_lists; drain the release list (free each hook)".
func (l *Lists) BeginUpload() []*Hook {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dontSwitchLists = true
	out := l.release
	l.release = nil
	return out
}

// LockedSnapshot returns every hook currently on the locked list. Safe to
// call without the lock held structurally stable during an upload cycle,
// since Fire leaves completed hooks in place (with a nil captured callback)
// while dont_switch_lists is set.
func (l *Lists) LockedSnapshot() []*Hook {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Hook, 0, len(l.locked))
	for h := range l.locked {
		out = append(out, h)
	}
	return out
}

// DiscardFired removes each of hooks that has already fired from the locked
// list without moving it to the release list, per spec.md §4.5 step 3: a
// hook that completed before the upload walk reached it is freed client-side
// with no FINISH_SNAPSHOT_READ, distinct from one that fires during the
// walk (left for FinishUpload's sweep to release). Returns the count
// discarded.
func (l *Lists) DiscardFired(hooks []*Hook) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	discarded := 0
	for _, h := range hooks {
		if _, ok := l.locked[h]; ok && h.Fired() {
			delete(l.locked, h)
			discarded++
		}
	}
	return discarded
}

// FinishUpload sweeps the locked list once more, moving hooks that finished
// during the upload onto the release list, then clears dont_switch_lists
// (spec.md §4.5 step 3, final sentence).
func (l *Lists) FinishUpload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h := range l.locked {
		if h.Fired() {
			delete(l.locked, h)
			l.release = append(l.release, h)
		}
	}
	l.dontSwitchLists = false
}

// Counts returns the number of hooks on the locked and release lists, for
// tests and diagnostics.
func (l *Lists) Counts() (locked, release int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locked), len(l.release)
}
