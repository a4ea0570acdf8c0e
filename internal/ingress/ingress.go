// Package ingress implements the ingress thread (spec.md §4.3): reading
// reply messages off the server socket, dispatching by opcode, and running
// the reply-completion algorithm that resolves a pending record back to a
// resubmitted (or hook-guarded, or failed) block I/O.
package ingress

import (
	"context"
	"fmt"

	"github.com/ddsnap/client/internal/devstate"
	"github.com/ddsnap/client/internal/hook"
	"github.com/ddsnap/client/internal/interfaces"
	"github.com/ddsnap/client/internal/pending"
	"github.com/ddsnap/client/internal/proto"
	"github.com/ddsnap/client/internal/wire"
)

// replyKind distinguishes the four non-error reply opcodes by the handling
// their body requires (REPLY_ERROR is handled by handleReplyError): whether it carries a physical chunk number, and whether a
// resolved read installs an end-I/O hook.
type replyKind int

const (
	kindOriginWrite replyKind = iota
	kindSnapshotWrite
	kindSnapshotRead
	kindSnapshotReadOrigin
)

func (k replyKind) String() string {
	switch k {
	case kindOriginWrite:
		return "REPLY_ORIGIN_WRITE"
	case kindSnapshotWrite:
		return "REPLY_SNAPSHOT_WRITE"
	case kindSnapshotRead:
		return "REPLY_SNAPSHOT_READ"
	case kindSnapshotReadOrigin:
		return "REPLY_SNAPSHOT_READ_ORIGIN"
	default:
		return "UNKNOWN"
	}
}

// Config wires an Ingress to the rest of the device.
type Config struct {
	Pending *pending.Table
	Hooks   *hook.Lists
	Source  *wire.IngressSource
	Egress  *wire.EgressWriter
	State   *devstate.State
	Agent   interfaces.AgentNotifier

	Snap int32 // this device's snapshot number, sent in USECOUNT bumps

	// ReportError is worker.ReportError: called on a server-socket
	// transport error, per spec.md §4.6.
	ReportError func()
	// WorkerKick is worker.Kick: called after an end-I/O hook moves to the
	// release list, per spec.md §4.4's "signal the worker".
	WorkerKick func()

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Ingress runs the reply dispatch loop for one device.
type Ingress struct {
	pending *pending.Table
	hooks   *hook.Lists
	source  *wire.IngressSource
	egress  *wire.EgressWriter
	state   *devstate.State
	agent   interfaces.AgentNotifier
	snap    int32

	reportError func()
	workerKick  func()

	logger   interfaces.Logger
	observer interfaces.Observer
}

// New constructs an Ingress from cfg.
func New(cfg Config) *Ingress {
	return &Ingress{
		pending:     cfg.Pending,
		hooks:       cfg.Hooks,
		source:      cfg.Source,
		egress:      cfg.Egress,
		state:       cfg.State,
		agent:       cfg.Agent,
		snap:        cfg.Snap,
		reportError: cfg.ReportError,
		workerKick:  cfg.WorkerKick,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
	}
}

// Run waits for a server socket, reads frames from it until a transport
// error or ctx cancellation, and repeats — the "ingress thread back to the
// reconnect wait" path of spec.md §7.
func (i *Ingress) Run(ctx context.Context) {
	for {
		if i.state.Finished() {
			return
		}
		if err := i.source.WaitReady(ctx); err != nil {
			return
		}
		i.readLoop(ctx)
	}
}

func (i *Ingress) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := i.source.ReadFrame()
		if err != nil {
			i.logf("ingress: server read: %v", err)
			if i.reportError != nil {
				i.reportError()
			}
			return
		}
		i.handleFrame(frame)
	}
}

func (i *Ingress) handleFrame(f wire.Frame) {
	switch f.Opcode {
	case proto.OpIdentifyOK:
		i.handleIdentifyOK(f.Body)
	case proto.OpIdentifyError:
		i.handleIdentifyError(f.Body)
	case proto.OpReplyOriginWrite:
		i.handleReply(f.Body, false, kindOriginWrite)
	case proto.OpReplySnapshotWrite:
		i.handleReply(f.Body, true, kindSnapshotWrite)
	case proto.OpReplySnapshotReadOrigin:
		i.handleReply(f.Body, false, kindSnapshotReadOrigin)
	case proto.OpReplySnapshotRead:
		i.handleReply(f.Body, true, kindSnapshotRead)
	case proto.OpReplyError:
		i.handleReplyError(f.Body)
	default:
		i.logf("ingress: unexpected opcode %s on server socket", f.Opcode)
	}
}

// handleIdentifyOK implements spec.md §4.3's IDENTIFY_OK row: record
// chunksize_bits, set READY, bump USECOUNT, and ack the agent.
func (i *Ingress) handleIdentifyOK(body []byte) {
	ok, err := proto.UnmarshalIdentifyOK(body)
	if err != nil {
		i.logf("ingress: malformed IDENTIFY_OK: %v", err)
		return
	}
	i.state.SetChunkshift(ok.ChunkSizeBits - 9)
	i.state.SetReady(true)

	usecount := proto.MarshalUsecount(&proto.Usecount{Snap: i.snap, UsecntDev: 1, Delta: 1})
	if err := i.egress.Send(proto.OpUsecount, usecount); err != nil {
		i.logf("ingress: send USECOUNT failed: %v", err)
	}
	if i.agent != nil {
		if err := i.agent.SendConnectServerOK(); err != nil {
			i.logf("ingress: ack CONNECT_SERVER_OK failed: %v", err)
		}
	}
}

// handleIdentifyError forwards the server's refusal to the agent verbatim
// (spec.md §7).
func (i *Ingress) handleIdentifyError(body []byte) {
	e, err := proto.UnmarshalIdentifyError(body)
	if err != nil {
		i.logf("ingress: malformed IDENTIFY_ERROR: %v", err)
		return
	}
	if i.agent != nil {
		if err := i.agent.SendConnectServerError(e.Err, e.Msg); err != nil {
			i.logf("ingress: forward CONNECT_SERVER_ERROR failed: %v", err)
		}
	}
}

func (i *Ingress) handleReply(body []byte, hasPhys bool, kind replyKind) {
	reply, err := proto.UnmarshalReply(body, hasPhys)
	if err != nil {
		i.logf("ingress: malformed %s: %v", kind, err)
		return
	}
	for _, rr := range reply.Ranges {
		i.completeOne(reply.ID, rr, kind, false)
	}
}

func (i *Ingress) handleReplyError(body []byte) {
	reply, err := proto.UnmarshalReply(body, false)
	if err != nil {
		i.logf("ingress: malformed REPLY_ERROR: %v", err)
		return
	}
	for _, rr := range reply.Ranges {
		i.completeOne(reply.ID, rr, 0, true)
	}
}

// completeOne implements spec.md §4.3's reply completion algorithm for one
// reported range.
func (i *Ingress) completeOne(id uint32, rr proto.ReplyRange, kind replyKind, failedIO bool) {
	if rr.Chunks != 1 {
		i.logf("ingress: reply for identifier %d carries %d chunks, want 1", id, rr.Chunks)
		return
	}
	rec, ok := i.pending.Remove(id)
	if !ok {
		i.logf("ingress: reply for unknown identifier %d", id)
		return
	}
	bio, ok := rec.Owner.(interfaces.BIO)
	if !ok || bio == nil {
		i.logf("ingress: pending record %d has no BIO owner", id)
		return
	}

	if failedIO {
		bio.Fail(fmt.Errorf("ddsnap: server reported REPLY_ERROR for chunk %d", rec.Chunk))
		return
	}

	switch kind {
	case kindOriginWrite:
		// Map already targeted the I/O at origin; nothing to rewrite.
	case kindSnapshotWrite, kindSnapshotRead:
		shift := i.state.Chunkshift()
		mask := (uint64(1) << shift) - 1
		physicalSector := (rr.Physical << shift) | (bio.Sector() & mask)
		bio.Retarget(interfaces.TargetSnapshot, physicalSector)
	case kindSnapshotReadOrigin:
		i.installHook(bio)
	}

	bio.Submit()
	if i.observer != nil {
		i.observer.ObserveReplyReceived(kind.String(), 0, true)
	}
}

// installHook implements spec.md §4.4's creation half: capture the I/O's
// existing completion callback, substitute one that fires the hook, and
// install it on the locked list. The closure captures h by reference; it
// only runs after installHook returns and h is assigned, since block I/O
// completion is always later than submission.
func (i *Ingress) installHook(bio interfaces.BIO) {
	sector := bio.Sector()
	var h *hook.Hook
	wrapper := func() {
		i.hooks.Fire(h, i.workerKick)
	}
	original := bio.SwapCompletion(wrapper)
	h = hook.New(nil, sector, original)
	i.hooks.Install(h)
}

func (i *Ingress) logf(format string, args ...interface{}) {
	if i.logger != nil {
		i.logger.Printf(format, args...)
	}
}
