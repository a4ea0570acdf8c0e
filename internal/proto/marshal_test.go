package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRWRequestRoundTrip(t *testing.T) {
	want := &RWRequest{ID: 42, Ranges: []ChunkRange{{Chunk: 7, Chunks: 1}}}
	got, err := UnmarshalRWRequest(MarshalRWRequest(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReplyRoundTripWithPhysical(t *testing.T) {
	want := &Reply{ID: 9, Ranges: []ReplyRange{{Chunk: 3, Chunks: 1, Physical: 0x1000, HasPhys: true}}}
	got, err := UnmarshalReply(MarshalReply(want, true), true)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReplyRoundTripWithoutPhysical(t *testing.T) {
	want := &Reply{ID: 9, Ranges: []ReplyRange{{Chunk: 5, Chunks: 1}}}
	got, err := UnmarshalReply(MarshalReply(want, false), false)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIdentifyRoundTrip(t *testing.T) {
	want := &Identify{ID: 1, Snap: -1, Off: 0, Len: 1 << 30}
	got, err := UnmarshalIdentify(MarshalIdentify(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIdentifyErrorRoundTrip(t *testing.T) {
	want := &IdentifyError{Err: 5, Msg: "snapshot busy"}
	got, err := UnmarshalIdentifyError(MarshalIdentifyError(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUnmarshalRWRequestShortBody(t *testing.T) {
	_, err := UnmarshalRWRequest([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBody)
}

func TestUnmarshalRangesTruncated(t *testing.T) {
	req := &RWRequest{ID: 1, Ranges: []ChunkRange{{Chunk: 1, Chunks: 1}, {Chunk: 2, Chunks: 1}}}
	buf := MarshalRWRequest(req)
	_, err := UnmarshalRWRequest(buf[:len(buf)-4])
	require.ErrorIs(t, err, ErrShortBody)
}
