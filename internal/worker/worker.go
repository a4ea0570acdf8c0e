// Package worker implements the worker thread (spec.md §4.2, §4.5, §4.6):
// the single consumer of queued queries and queued hook releases, and the
// driver of the recovery phase after a transport error or server handoff.
//
// Translated from the teacher's internal/queue per-tag state machine: same
// "one goroutine owns the mutable state, everyone else just signals it"
// shape, applied to ddsnap's query/release/recovery cycle instead of an
// io_uring submission ring.
package worker

import (
	"context"
	"sync/atomic"

	"github.com/ddsnap/client/internal/constants"
	"github.com/ddsnap/client/internal/devstate"
	"github.com/ddsnap/client/internal/hook"
	"github.com/ddsnap/client/internal/interfaces"
	"github.com/ddsnap/client/internal/pending"
	"github.com/ddsnap/client/internal/proto"
	"github.com/ddsnap/client/internal/wire"
)

// Worker drains the query and release queues and runs the recovery state
// machine. One instance per device.
type Worker struct {
	pending *pending.Table
	hooks   *hook.Lists
	egress  *wire.EgressWriter
	state   *devstate.State

	isSnapshot bool

	work chan struct{} // more_work_sem: buffered, drop-on-full (spurious wakeups are benign)

	recoverFlag atomic.Bool // RECOVER
	reportFlag  atomic.Bool // REPORT

	logger   interfaces.Logger
	observer interfaces.Observer
}

// New constructs a worker over the device's pending table and hook lists.
// isSnapshot selects whether recovery performs the upload-locks phase
// (spec.md §4.5 step 3: "for snapshot role, calls upload-locks").
func New(tab *pending.Table, hooks *hook.Lists, egress *wire.EgressWriter, state *devstate.State, isSnapshot bool, logger interfaces.Logger, observer interfaces.Observer) *Worker {
	return &Worker{
		pending:    tab,
		hooks:      hooks,
		egress:     egress,
		state:      state,
		isSnapshot: isSnapshot,
		work:       make(chan struct{}, constants.IdentifierSpace),
		logger:     logger,
		observer:   observer,
	}
}

// SetChunkshift publishes chunkshift to the device state shared with ingress
// (which publishes it itself on IDENTIFY_OK). Callers must not drain queues
// before READY.
func (w *Worker) SetChunkshift(shift uint32) { w.state.SetChunkshift(shift) }

// Kick signals one unit of new work: a queued query, a queued release, or a
// recovery request (spec.md §5's more_work_sem). Non-blocking; a full buffer
// means a wakeup is already pending, which is sufficient.
func (w *Worker) Kick() {
	select {
	case w.work <- struct{}{}:
	default:
	}
}

// Shutdown sets FINISH and wakes the worker so Run returns promptly.
func (w *Worker) Shutdown() {
	w.state.SetFinish()
	w.Kick()
}

// ReportError is the idempotent error reporter of spec.md §4.6, called by
// the ingress thread when a server-socket transport error occurs.
func (w *Worker) ReportError() { w.triggerRecovery() }

// SignalReconnected is called by the control thread once a fresh server
// connection has been identified (spec.md §4.7's "releases the recover
// semaphore so the worker performs upload-locks as part of its first
// cycle"). Safe to call whether or not ReportError already fired for this
// disconnect — both converge on the same idempotent trigger.
func (w *Worker) SignalReconnected() { w.triggerRecovery() }

func (w *Worker) triggerRecovery() {
	if !w.reportFlag.CompareAndSwap(false, true) {
		return
	}
	w.recoverFlag.Store(true)
	w.Kick()
}

// Run is the worker's event loop: block for a wakeup, then cycle until no
// recovery restart is pending, repeat until FINISH or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.work:
		}
		if w.state.Finished() {
			return
		}
		for w.runCycle() {
		}
	}
}

// runCycle drains both queues once and, if recovery is pending and FINISH is
// not set, runs it and reports true so Run restarts the cycle immediately (spec.md §4.5 step 5:
// "restart the worker cycle") rather than waiting for another wakeup.
func (w *Worker) runCycle() (restart bool) {
	w.drainQueries()
	w.drainReleases()
	if w.recoverFlag.Load() && !w.state.Finished() {
		w.recover()
		return true
	}
	return false
}

// drainQueries implements spec.md §4.2 step 1.
func (w *Worker) drainQueries() {
	recs, err := w.pending.DrainToBuckets()
	if err != nil {
		w.logf("worker: %v", err)
		return
	}
	for _, rec := range recs {
		w.sendQuery(rec)
	}
}

func (w *Worker) sendQuery(rec *pending.Record) {
	opcode := proto.OpQueryWrite
	if bio, ok := rec.Owner.(interfaces.BIO); ok && bio.Direction() == interfaces.Read {
		opcode = proto.OpQuerySnapshotRead
	}
	body := proto.MarshalRWRequest(&proto.RWRequest{
		ID:     rec.ID,
		Ranges: []proto.ChunkRange{{Chunk: rec.Chunk, Chunks: 1}},
	})
	if err := w.egress.Send(opcode, body); err != nil {
		w.logf("worker: send %s failed: %v", opcode, err)
		w.ReportError()
		return
	}
	if w.observer != nil {
		w.observer.ObserveQuerySent(opcode.String())
	}
}

// drainReleases implements spec.md §4.2 step 2.
func (w *Worker) drainReleases() {
	for _, h := range w.hooks.DrainRelease() {
		chunk := h.Sector >> w.state.Chunkshift()
		body := proto.MarshalRanges([]proto.ChunkRange{{Chunk: chunk, Chunks: 1}})
		if err := w.egress.Send(proto.OpFinishSnapshotRead, body); err != nil {
			w.logf("worker: send FINISH_SNAPSHOT_READ failed: %v", err)
			w.ReportError()
			return
		}
	}
}

// recover implements spec.md §4.5 steps 2-5. Step 1 (wait on the recover
// semaphore) is collapsed into the REPORT flag's compare-and-swap in
// triggerRecovery: both callers (ReportError, SignalReconnected) establish
// the happens-before relationship the original semaphore handshake existed
// for, since SignalReconnected is only ever called after the control thread
// has already swapped in the new egress writer and emitted IDENTIFY.
func (w *Worker) recover() {
	if w.state.Finished() {
		return
	}

	var locksUploaded int
	var failed bool
	if w.isSnapshot {
		var err error
		locksUploaded, err = w.uploadLocks()
		failed = failed || err != nil
	}

	requeued, err := w.requeueQueries()
	failed = failed || err != nil

	w.recoverFlag.Store(false)
	w.reportFlag.Store(false)

	if w.observer != nil {
		w.observer.ObserveRecovery(requeued, locksUploaded)
	}
	if failed {
		// The connection handed to us by the control thread is still bad;
		// re-arm so the next reconnection retries upload-locks.
		w.triggerRecovery()
	}
}

// uploadLocks implements spec.md §4.5 step 3.
func (w *Worker) uploadLocks() (count int, sendErr error) {
	w.hooks.BeginUpload() // sets dont_switch_lists, drops the already-released list

	for _, h := range w.hooks.LockedSnapshot() {
		if h.Fired() {
			// Already complete before this walk reached it: free it
			// client-side, no FINISH_SNAPSHOT_READ. Only a hook that fires
			// during the walk is left for FinishUpload's sweep to release.
			w.hooks.DiscardFired([]*hook.Hook{h})
			continue
		}
		chunk := h.Sector >> w.state.Chunkshift()
		body := proto.MarshalRanges([]proto.ChunkRange{{Chunk: chunk, Chunks: 1}})
		if err := w.egress.Send(proto.OpUploadLock, body); err != nil {
			w.logf("worker: send UPLOAD_LOCK failed: %v", err)
			sendErr = err
			continue
		}
		count++
	}
	if err := w.egress.Send(proto.OpFinishUploadLock, nil); err != nil {
		w.logf("worker: send FINISH_UPLOAD_LOCK failed: %v", err)
		sendErr = err
	}

	w.hooks.FinishUpload()
	return count, sendErr
}

// requeueQueries implements spec.md §4.5 step 4. The requeued records are
// resent as fresh QUERY_* messages by the next drainQueries pass, which
// runCycle enters immediately on recovery's restart signal.
func (w *Worker) requeueQueries() (count int, err error) {
	recs := w.pending.RequeueAll()
	for range recs {
		w.Kick()
	}
	return len(recs), nil
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
