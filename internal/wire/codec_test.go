package wire

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ddsnap/client/internal/constants"
	"github.com/ddsnap/client/internal/proto"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte{1, 2, 3, 4}
	require.NoError(t, WriteFrame(&buf, proto.OpQueryWrite, body))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, proto.OpQueryWrite, frame.Opcode)
	require.Equal(t, body, frame.Body)
}

func TestReadFrameOversizeBody(t *testing.T) {
	var buf bytes.Buffer
	head := make([]byte, headerLen)
	// Fabricate a header claiming a body larger than MaxBodyLen.
	head[4] = 0xff
	head[5] = 0xff
	head[6] = 0xff
	head[7] = 0x7f
	buf.Write(head)

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrOversizeBody)
}

func TestWriteFrameOversizeBody(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, proto.OpQueryWrite, make([]byte, constants.MaxBodyLen+1))
	require.ErrorIs(t, err, ErrOversizeBody)
}

func TestEgressWriterSerializesSends(t *testing.T) {
	var buf bytes.Buffer
	ew := NewEgressWriter(&buf)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = ew.Send(proto.OpQueryWrite, []byte{byte(i)})
		}
		close(done)
	}()
	for i := 0; i < 50; i++ {
		_ = ew.Send(proto.OpQuerySnapshotRead, []byte{byte(i)})
	}
	<-done

	// Every frame must be intact and parseable in sequence — a torn write
	// would desynchronize the header/body boundary for subsequent reads.
	r := bytes.NewReader(buf.Bytes())
	count := 0
	for r.Len() > 0 {
		_, err := ReadFrame(r)
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 100, count)
}

func TestIngressSourceWaitsForSwap(t *testing.T) {
	src := NewIngressSource()

	_, err := src.ReadFrame()
	require.Error(t, err, "no socket installed yet")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = src.WaitReady(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, proto.OpIdentifyOK, []byte{1}))
	src.Swap(&buf)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, src.WaitReady(ctx2))

	frame, err := src.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, proto.OpIdentifyOK, frame.Opcode)
}
