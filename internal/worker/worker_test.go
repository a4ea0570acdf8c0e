package worker

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ddsnap/client/internal/devstate"
	"github.com/ddsnap/client/internal/hook"
	"github.com/ddsnap/client/internal/interfaces"
	"github.com/ddsnap/client/internal/pending"
	"github.com/ddsnap/client/internal/proto"
	"github.com/ddsnap/client/internal/wire"
)

type fakeBIO struct {
	dir interfaces.Direction
}

func (f fakeBIO) Direction() interfaces.Direction                           { return f.dir }
func (f fakeBIO) Sector() uint64                                            { return 0 }
func (f fakeBIO) Length() uint32                                            { return 0 }
func (f fakeBIO) Retarget(target interfaces.Target, sector uint64)          {}
func (f fakeBIO) SwapCompletion(next func()) (previous func())              { return nil }
func (f fakeBIO) Fail(err error)                                            {}
func (f fakeBIO) Submit()                                                   {}

// syncBuf lets the test read frames written by the worker concurrently with
// the worker goroutine appending more.
type syncBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuf) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuf) readFrame(t *testing.T) wire.Frame {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.buf.Len() >= 8
	}, time.Second, time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := wire.ReadFrame(&s.buf)
	require.NoError(t, err)
	return f
}

func TestDrainQueriesSendsQueryWrite(t *testing.T) {
	tab := pending.NewTable()
	buf := &syncBuf{}
	w := New(tab, hook.NewLists(), wire.NewEgressWriter(buf), devstate.New(), true, nil, nil)
	w.SetChunkshift(3)

	rec := tab.NewQuery(7, fakeBIO{dir: interfaces.Write})
	w.drainQueries()

	frame := buf.readFrame(t)
	require.Equal(t, proto.OpQueryWrite, frame.Opcode)
	req, err := proto.UnmarshalRWRequest(frame.Body)
	require.NoError(t, err)
	require.Equal(t, rec.ID, req.ID)
	require.Equal(t, uint64(7), req.Ranges[0].Chunk)
}

func TestDrainQueriesSendsQuerySnapshotReadForReads(t *testing.T) {
	tab := pending.NewTable()
	buf := &syncBuf{}
	w := New(tab, hook.NewLists(), wire.NewEgressWriter(buf), devstate.New(), true, nil, nil)

	tab.NewQuery(2, fakeBIO{dir: interfaces.Read})
	w.drainQueries()

	frame := buf.readFrame(t)
	require.Equal(t, proto.OpQuerySnapshotRead, frame.Opcode)
}

func TestDrainReleasesSendsFinishSnapshotRead(t *testing.T) {
	tab := pending.NewTable()
	lists := hook.NewLists()
	buf := &syncBuf{}
	w := New(tab, lists, wire.NewEgressWriter(buf), devstate.New(), true, nil, nil)
	w.SetChunkshift(3)

	h := hook.New(nil, 40, func() {})
	lists.Install(h)
	lists.Fire(h, nil)

	w.drainReleases()

	frame := buf.readFrame(t)
	require.Equal(t, proto.OpFinishSnapshotRead, frame.Opcode)
	ranges, err := proto.UnmarshalRanges(frame.Body)
	require.NoError(t, err)
	require.Equal(t, uint64(5), ranges[0].Chunk) // 40 >> 3
}

func TestRecoveryUploadsLocksThenRequeuesQueries(t *testing.T) {
	tab := pending.NewTable()
	lists := hook.NewLists()
	buf := &syncBuf{}
	w := New(tab, lists, wire.NewEgressWriter(buf), devstate.New(), true, nil, nil)
	w.SetChunkshift(3)

	// Two locked (unfinished) hooks outstanding.
	lists.Install(hook.New(nil, 8, func() {}))
	lists.Install(hook.New(nil, 16, func() {}))

	// Seven in-flight queries, already in buckets.
	for i := 0; i < 7; i++ {
		tab.NewQuery(uint64(i), fakeBIO{dir: interfaces.Write})
	}
	_, err := tab.DrainToBuckets()
	require.NoError(t, err)

	w.ReportError()
	for w.runCycle() {
	}

	var uploadLocks int
	var sawFinishUpload bool
	var queries int
	for {
		s := &buf.buf
		if s.Len() < 8 {
			break
		}
		f, err := wire.ReadFrame(s)
		require.NoError(t, err)
		switch f.Opcode {
		case proto.OpUploadLock:
			uploadLocks++
		case proto.OpFinishUploadLock:
			sawFinishUpload = true
		case proto.OpQueryWrite, proto.OpQuerySnapshotRead:
			queries++
		}
	}
	require.Equal(t, 2, uploadLocks)
	require.True(t, sawFinishUpload)
	require.Equal(t, 7, queries)
}

// A hook that already completed before uploadLocks's first walk reaches it
// must be freed client-side with no FINISH_SNAPSHOT_READ at all, distinct
// from a hook still locked (which gets an UPLOAD_LOCK) or one that fires
// mid-walk (swept onto the release list by FinishUpload).
func TestUploadLocksDiscardsAlreadyFiredHookWithoutReleasing(t *testing.T) {
	tab := pending.NewTable()
	lists := hook.NewLists()
	buf := &syncBuf{}
	w := New(tab, lists, wire.NewEgressWriter(buf), devstate.New(), true, nil, nil)
	w.SetChunkshift(3)

	already := hook.New(nil, 8, func() {})
	live := hook.New(nil, 16, func() {})
	lists.Install(already)
	lists.Install(live)

	// Simulate the race spec.md §4.5 step 3 describes: the hook's I/O
	// completes while an upload cycle already has dont_switch_lists set, so
	// Fire leaves it on the locked list instead of moving it to release.
	// By the time uploadLocks's own BeginUpload/walk runs below, it finds
	// this hook already Fired() but still in locked.
	lists.BeginUpload()
	lists.Fire(already, nil)

	count, err := w.uploadLocks()
	require.NoError(t, err)
	require.Equal(t, 1, count, "only the still-locked hook gets an UPLOAD_LOCK")

	locked, release := lists.Counts()
	require.Equal(t, 1, locked) // live still outstanding
	require.Equal(t, 0, release, "the discarded hook must not appear on the release list")

	// Drive drainReleases too: if the discarded hook had wrongly ended up on
	// the release list, this would emit a spurious FINISH_SNAPSHOT_READ.
	w.drainReleases()

	var uploadLockChunks []uint64
	var sawFinishUpload, sawFinishSnapshotRead bool
	for {
		if buf.buf.Len() < 8 {
			break
		}
		f, err := wire.ReadFrame(&buf.buf)
		require.NoError(t, err)
		switch f.Opcode {
		case proto.OpUploadLock:
			ranges, err := proto.UnmarshalRanges(f.Body)
			require.NoError(t, err)
			uploadLockChunks = append(uploadLockChunks, ranges[0].Chunk)
		case proto.OpFinishUploadLock:
			sawFinishUpload = true
		case proto.OpFinishSnapshotRead:
			sawFinishSnapshotRead = true
		}
	}
	require.Equal(t, []uint64{2}, uploadLockChunks) // live: sector 16 >> shift 3
	require.True(t, sawFinishUpload)
	require.False(t, sawFinishSnapshotRead, "an already-fired hook must not produce FINISH_SNAPSHOT_READ")
}

func TestShutdownStopsRun(t *testing.T) {
	tab := pending.NewTable()
	buf := &syncBuf{}
	w := New(tab, hook.NewLists(), wire.NewEgressWriter(buf), devstate.New(), true, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Shutdown")
	}
}
