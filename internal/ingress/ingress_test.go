package ingress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddsnap/client/internal/devstate"
	"github.com/ddsnap/client/internal/hook"
	"github.com/ddsnap/client/internal/interfaces"
	"github.com/ddsnap/client/internal/pending"
	"github.com/ddsnap/client/internal/proto"
	"github.com/ddsnap/client/internal/wire"
)

type fakeBIO struct {
	dir          interfaces.Direction
	sector       uint64
	target       interfaces.Target
	targetSector uint64
	completion   func()
	failed       error
	submitted    bool
}

func (b *fakeBIO) Direction() interfaces.Direction { return b.dir }
func (b *fakeBIO) Sector() uint64                  { return b.sector }
func (b *fakeBIO) Length() uint32                  { return 4096 }
func (b *fakeBIO) Retarget(target interfaces.Target, sector uint64) {
	b.target = target
	b.targetSector = sector
}
func (b *fakeBIO) SwapCompletion(next func()) (previous func()) {
	previous = b.completion
	b.completion = next
	return previous
}
func (b *fakeBIO) Fail(err error) { b.failed = err }
func (b *fakeBIO) Submit()        { b.submitted = true }

type fakeAgent struct {
	okCalls  int
	errCalls []proto.ConnectServerError
}

func (a *fakeAgent) SendConnectServerOK() error { a.okCalls++; return nil }
func (a *fakeAgent) SendConnectServerError(code int32, msg string) error {
	a.errCalls = append(a.errCalls, proto.ConnectServerError{Err: code, Msg: msg})
	return nil
}

func newTestIngress(t *testing.T) (*Ingress, *pending.Table, *hook.Lists, *devstate.State, *bytes.Buffer, *fakeAgent) {
	t.Helper()
	tab := pending.NewTable()
	lists := hook.NewLists()
	state := devstate.New()
	var egressBuf bytes.Buffer
	agent := &fakeAgent{}

	ing := New(Config{
		Pending: tab,
		Hooks:   lists,
		Egress:  wire.NewEgressWriter(&egressBuf),
		State:   state,
		Agent:   agent,
		Snap:    3,
	})
	return ing, tab, lists, state, &egressBuf, agent
}

func TestHandleIdentifyOKSetsReadyAndChunkshift(t *testing.T) {
	ing, _, _, state, egressBuf, agent := newTestIngress(t)

	body := proto.MarshalIdentifyOK(&proto.IdentifyOK{ChunkSizeBits: 12})
	ing.handleFrame(wire.Frame{Opcode: proto.OpIdentifyOK, Body: body})

	require.True(t, state.Ready())
	require.Equal(t, uint32(3), state.Chunkshift())
	require.Equal(t, 1, agent.okCalls)

	frame, err := wire.ReadFrame(egressBuf)
	require.NoError(t, err)
	require.Equal(t, proto.OpUsecount, frame.Opcode)
}

func TestHandleIdentifyErrorForwardsToAgent(t *testing.T) {
	ing, _, _, _, _, agent := newTestIngress(t)

	body := proto.MarshalIdentifyError(&proto.IdentifyError{Err: 5, Msg: "busy"})
	ing.handleFrame(wire.Frame{Opcode: proto.OpIdentifyError, Body: body})

	require.Len(t, agent.errCalls, 1)
	require.Equal(t, int32(5), agent.errCalls[0].Err)
	require.Equal(t, "busy", agent.errCalls[0].Msg)
}

// Scenario from spec.md §8 #2: chunksize_bits=12 (shift=3), write at sector
// 24, server replies with physical chunk 0x1000 -> sector (0x1000<<3)|(24&7).
func TestReplySnapshotWriteComputesPhysicalSector(t *testing.T) {
	ing, tab, _, state, _, _ := newTestIngress(t)
	state.SetChunkshift(3)

	bio := &fakeBIO{dir: interfaces.Write, sector: 24}
	rec := tab.NewQuery(3, bio)
	_, err := tab.DrainToBuckets()
	require.NoError(t, err)

	body := proto.MarshalReply(&proto.Reply{
		ID:     rec.ID,
		Ranges: []proto.ReplyRange{{Chunk: 3, Chunks: 1, Physical: 0x1000}},
	}, true)
	ing.handleFrame(wire.Frame{Opcode: proto.OpReplySnapshotWrite, Body: body})

	require.Equal(t, interfaces.TargetSnapshot, bio.target)
	require.Equal(t, uint64(32768), bio.targetSector)
	require.True(t, bio.submitted)
}

func TestReplySnapshotReadOriginInstallsHook(t *testing.T) {
	ing, tab, lists, state, _, _ := newTestIngress(t)
	state.SetChunkshift(3)

	originalCalled := false
	bio := &fakeBIO{dir: interfaces.Read, sector: 40, completion: func() { originalCalled = true }}
	rec := tab.NewQuery(5, bio)
	_, err := tab.DrainToBuckets()
	require.NoError(t, err)

	body := proto.MarshalReply(&proto.Reply{
		ID:     rec.ID,
		Ranges: []proto.ReplyRange{{Chunk: 5, Chunks: 1}},
	}, false)
	ing.handleFrame(wire.Frame{Opcode: proto.OpReplySnapshotReadOrigin, Body: body})

	require.True(t, bio.submitted)
	locked, release := lists.Counts()
	require.Equal(t, 1, locked)
	require.Equal(t, 0, release)

	// Completing the I/O should fire the hook, move it to the release list,
	// and still invoke the original completion callback.
	bio.completion()
	require.True(t, originalCalled)
	locked, release = lists.Counts()
	require.Equal(t, 0, locked)
	require.Equal(t, 1, release)
}

func TestReplyErrorFailsTheBIO(t *testing.T) {
	ing, tab, _, _, _, _ := newTestIngress(t)

	bio := &fakeBIO{dir: interfaces.Write, sector: 8}
	rec := tab.NewQuery(1, bio)
	_, err := tab.DrainToBuckets()
	require.NoError(t, err)

	body := proto.MarshalReply(&proto.Reply{
		ID:     rec.ID,
		Ranges: []proto.ReplyRange{{Chunk: 1, Chunks: 1}},
	}, false)
	ing.handleFrame(wire.Frame{Opcode: proto.OpReplyError, Body: body})

	require.Error(t, bio.failed)
	require.False(t, bio.submitted)
}

func TestReplyForUnknownIdentifierIsIgnored(t *testing.T) {
	ing, _, _, _, _, _ := newTestIngress(t)

	body := proto.MarshalReply(&proto.Reply{
		ID:     999,
		Ranges: []proto.ReplyRange{{Chunk: 1, Chunks: 1}},
	}, false)
	// Must not panic even though no pending record exists.
	ing.handleFrame(wire.Frame{Opcode: proto.OpReplyOriginWrite, Body: body})
}
