package proto

import (
	"encoding/binary"
)

// MarshalError reports a malformed body during encode or decode.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrShortBody  MarshalError = "body shorter than declared layout"
	ErrRangeCount MarshalError = "range count does not match body length"
)

const chunkRangeSize = 8 + 4 // chunk uint64 + chunks uint32

func marshalRanges(buf []byte, ranges []ChunkRange) []byte {
	for _, r := range ranges {
		var tmp [chunkRangeSize]byte
		binary.LittleEndian.PutUint64(tmp[0:8], r.Chunk)
		binary.LittleEndian.PutUint32(tmp[8:12], r.Chunks)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func unmarshalRanges(data []byte, count uint32) ([]ChunkRange, []byte, error) {
	need := int(count) * chunkRangeSize
	if len(data) < need {
		return nil, nil, ErrShortBody
	}
	ranges := make([]ChunkRange, count)
	for i := range ranges {
		off := i * chunkRangeSize
		ranges[i] = ChunkRange{
			Chunk:  binary.LittleEndian.Uint64(data[off : off+8]),
			Chunks: binary.LittleEndian.Uint32(data[off+8 : off+12]),
		}
	}
	return ranges, data[need:], nil
}

// MarshalRWRequest encodes {id, count, ranges[count]}.
func MarshalRWRequest(r *RWRequest) []byte {
	buf := make([]byte, 0, 8+len(r.Ranges)*chunkRangeSize)
	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:4], r.ID)
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(r.Ranges)))
	buf = append(buf, head[:]...)
	return marshalRanges(buf, r.Ranges)
}

// UnmarshalRWRequest decodes {id, count, ranges[count]}.
func UnmarshalRWRequest(data []byte) (*RWRequest, error) {
	if len(data) < 8 {
		return nil, ErrShortBody
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	count := binary.LittleEndian.Uint32(data[4:8])
	ranges, _, err := unmarshalRanges(data[8:], count)
	if err != nil {
		return nil, err
	}
	return &RWRequest{ID: id, Ranges: ranges}, nil
}

// MarshalRanges encodes {count, ranges[count]} — the shape shared by
// FINISH_SNAPSHOT_READ and UPLOAD_LOCK.
func MarshalRanges(ranges []ChunkRange) []byte {
	buf := make([]byte, 0, 4+len(ranges)*chunkRangeSize)
	var head [4]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(len(ranges)))
	buf = append(buf, head[:]...)
	return marshalRanges(buf, ranges)
}

// UnmarshalRanges decodes {count, ranges[count]}.
func UnmarshalRanges(data []byte) ([]ChunkRange, error) {
	if len(data) < 4 {
		return nil, ErrShortBody
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	ranges, _, err := unmarshalRanges(data[4:], count)
	return ranges, err
}

// MarshalIdentify encodes {id, snap, off, len}.
func MarshalIdentify(v *Identify) []byte {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint64(buf[0:8], v.ID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(v.Snap))
	binary.LittleEndian.PutUint64(buf[12:20], v.Off)
	binary.LittleEndian.PutUint64(buf[20:28], v.Len)
	return buf
}

// UnmarshalIdentify decodes {id, snap, off, len}.
func UnmarshalIdentify(data []byte) (*Identify, error) {
	if len(data) < 28 {
		return nil, ErrShortBody
	}
	return &Identify{
		ID:   binary.LittleEndian.Uint64(data[0:8]),
		Snap: int32(binary.LittleEndian.Uint32(data[8:12])),
		Off:  binary.LittleEndian.Uint64(data[12:20]),
		Len:  binary.LittleEndian.Uint64(data[20:28]),
	}, nil
}

// MarshalIdentifyOK encodes {chunksize_bits}.
func MarshalIdentifyOK(v *IdentifyOK) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v.ChunkSizeBits)
	return buf
}

// UnmarshalIdentifyOK decodes {chunksize_bits}.
func UnmarshalIdentifyOK(data []byte) (*IdentifyOK, error) {
	if len(data) < 4 {
		return nil, ErrShortBody
	}
	return &IdentifyOK{ChunkSizeBits: binary.LittleEndian.Uint32(data[0:4])}, nil
}

// MarshalIdentifyError encodes {err, msg}.
func MarshalIdentifyError(v *IdentifyError) []byte {
	msg := []byte(v.Msg)
	buf := make([]byte, 8+len(msg))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Err))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(msg)))
	copy(buf[8:], msg)
	return buf
}

// UnmarshalIdentifyError decodes {err, msg}.
func UnmarshalIdentifyError(data []byte) (*IdentifyError, error) {
	if len(data) < 8 {
		return nil, ErrShortBody
	}
	errCode := int32(binary.LittleEndian.Uint32(data[0:4]))
	n := binary.LittleEndian.Uint32(data[4:8])
	if len(data) < 8+int(n) {
		return nil, ErrShortBody
	}
	return &IdentifyError{Err: errCode, Msg: string(data[8 : 8+n])}, nil
}

// MarshalUsecount encodes {snap, usecnt_dev, delta}.
func MarshalUsecount(v *Usecount) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Snap))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(v.UsecntDev))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(v.Delta))
	return buf
}

// UnmarshalUsecount decodes {snap, usecnt_dev, delta}.
func UnmarshalUsecount(data []byte) (*Usecount, error) {
	if len(data) < 12 {
		return nil, ErrShortBody
	}
	return &Usecount{
		Snap:      int32(binary.LittleEndian.Uint32(data[0:4])),
		UsecntDev: int32(binary.LittleEndian.Uint32(data[4:8])),
		Delta:     int32(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// MarshalReply encodes {id, count, ranges[count]}, appending one physical
// chunk number per range when hasPhys is set (REPLY_SNAPSHOT_WRITE and
// REPLY_SNAPSHOT_READ carry physical addresses; REPLY_ORIGIN_WRITE,
// REPLY_SNAPSHOT_READ_ORIGIN and REPLY_ERROR do not).
func MarshalReply(r *Reply, hasPhys bool) []byte {
	buf := make([]byte, 0, 8+len(r.Ranges)*(chunkRangeSize+8))
	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:4], r.ID)
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(r.Ranges)))
	buf = append(buf, head[:]...)
	for _, rr := range r.Ranges {
		var tmp [chunkRangeSize]byte
		binary.LittleEndian.PutUint64(tmp[0:8], rr.Chunk)
		binary.LittleEndian.PutUint32(tmp[8:12], rr.Chunks)
		buf = append(buf, tmp[:]...)
		if hasPhys {
			var p [8]byte
			binary.LittleEndian.PutUint64(p[:], rr.Physical)
			buf = append(buf, p[:]...)
		}
	}
	return buf
}

// UnmarshalReply decodes {id, count, ranges[count]}, reading one trailing
// physical chunk number per range when hasPhys is set. Per spec.md §9's
// second open question, a range's declared Chunks is read once, here, and
// never re-read after advancing past the entry.
func UnmarshalReply(data []byte, hasPhys bool) (*Reply, error) {
	if len(data) < 8 {
		return nil, ErrShortBody
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	count := binary.LittleEndian.Uint32(data[4:8])
	rest := data[8:]
	ranges := make([]ReplyRange, count)
	for i := range ranges {
		if len(rest) < chunkRangeSize {
			return nil, ErrShortBody
		}
		chunk := binary.LittleEndian.Uint64(rest[0:8])
		chunks := binary.LittleEndian.Uint32(rest[8:12])
		rest = rest[chunkRangeSize:]
		rr := ReplyRange{Chunk: chunk, Chunks: chunks}
		if hasPhys {
			if len(rest) < 8 {
				return nil, ErrShortBody
			}
			rr.Physical = binary.LittleEndian.Uint64(rest[0:8])
			rr.HasPhys = true
			rest = rest[8:]
		}
		ranges[i] = rr
	}
	return &Reply{ID: id, Ranges: ranges}, nil
}

// MarshalSetIdentity encodes {id}.
func MarshalSetIdentity(v *SetIdentity) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v.ID)
	return buf
}

// UnmarshalSetIdentity decodes {id}.
func UnmarshalSetIdentity(data []byte) (*SetIdentity, error) {
	if len(data) < 8 {
		return nil, ErrShortBody
	}
	return &SetIdentity{ID: binary.LittleEndian.Uint64(data[0:8])}, nil
}

// MarshalConnectServerError encodes {err, msg}.
func MarshalConnectServerError(v *ConnectServerError) []byte {
	msg := []byte(v.Msg)
	buf := make([]byte, 8+len(msg))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Err))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(msg)))
	copy(buf[8:], msg)
	return buf
}

// UnmarshalConnectServerError decodes {err, msg}.
func UnmarshalConnectServerError(data []byte) (*ConnectServerError, error) {
	if len(data) < 8 {
		return nil, ErrShortBody
	}
	errCode := int32(binary.LittleEndian.Uint32(data[0:4]))
	n := binary.LittleEndian.Uint32(data[4:8])
	if len(data) < 8+int(n) {
		return nil, ErrShortBody
	}
	return &ConnectServerError{Err: errCode, Msg: string(data[8 : 8+n])}, nil
}
