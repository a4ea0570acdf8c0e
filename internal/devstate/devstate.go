// Package devstate holds the device-wide lifecycle fields spec.md §3 lists
// that more than one goroutine touches without a single owning thread:
// READY, FINISH, and the chunkshift published once IDENTIFY_OK arrives.
// RECOVER and REPORT stay local to internal/worker, since only the worker
// and its callers (ingress, control) ever need them.
package devstate

import "sync/atomic"

// State is safe for concurrent use from map, ingress, worker and control.
type State struct {
	ready      atomic.Bool
	finish     atomic.Bool
	chunkshift atomic.Uint32
}

// New constructs a State with READY unset, matching a freshly opened device
// that has not yet completed IDENTIFY.
func New() *State { return &State{} }

// SetReady is called by ingress after IDENTIFY_OK (spec.md §4.3).
func (s *State) SetReady(v bool) { s.ready.Store(v) }

// Ready reports whether map is currently permitted to accept I/O.
func (s *State) Ready() bool { return s.ready.Load() }

// SetFinish marks the device as shutting down. Irreversible.
func (s *State) SetFinish() { s.finish.Store(true) }

// Finished reports whether FINISH has been set.
func (s *State) Finished() bool { return s.finish.Load() }

// SetChunkshift publishes chunkshift = chunksize_bits - 9 (spec.md §3).
func (s *State) SetChunkshift(v uint32) { s.chunkshift.Store(v) }

// Chunkshift returns the last published chunkshift, or 0 if none has been
// published yet.
func (s *State) Chunkshift() uint32 { return s.chunkshift.Load() }
