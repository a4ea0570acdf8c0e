// Package fakeserver is a test double for the cluster snapshot server
// spec.md treats as out of scope (§1's "this core does not implement... the
// server side of the protocol"). It answers the subset of the wire protocol
// a client device needs to exercise Map end to end: IDENTIFY, QUERY_WRITE,
// QUERY_SNAPSHOT_READ, FINISH_SNAPSHOT_READ, UPLOAD_LOCK/FINISH_UPLOAD_LOCK
// and USECOUNT. Physical-chunk allocation is sharded the way the teacher's
// backend.Memory shards its byte range, generalized from a byte offset to a
// chunk number.
package fakeserver

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ddsnap/client/internal/constants"
	"github.com/ddsnap/client/internal/interfaces"
	"github.com/ddsnap/client/internal/proto"
	"github.com/ddsnap/client/internal/wire"
)

const numShards = 64

// Server answers one client connection's worth of protocol traffic.
// Physical-chunk allocation state is shared across connections constructed
// from the same Server, modeling a single cluster-wide snapstore.
type Server struct {
	chunkSizeBits uint32

	shards   [numShards]sync.Mutex
	physical [numShards]map[uint64]uint64 // chunk -> physical chunk, per shard

	nextPhysical sync.Mutex
	allocated    uint64

	locked sync.Map // chunk -> struct{}, chunks currently under an UPLOAD_LOCK

	logger interfaces.Logger
}

// New constructs a fake server with the given chunksize_bits (sent back in
// IDENTIFY_OK).
func New(chunkSizeBits uint32, logger interfaces.Logger) *Server {
	s := &Server{chunkSizeBits: chunkSizeBits, logger: logger}
	for i := range s.physical {
		s.physical[i] = make(map[uint64]uint64)
	}
	return s
}

func (s *Server) shardFor(chunk uint64) (mu *sync.Mutex, table map[uint64]uint64) {
	i := chunk % numShards
	return &s.shards[i], s.physical[i]
}

func (s *Server) allocate(chunk uint64) uint64 {
	mu, table := s.shardFor(chunk)
	mu.Lock()
	defer mu.Unlock()
	if phys, ok := table[chunk]; ok {
		return phys
	}
	s.nextPhysical.Lock()
	phys := s.allocated
	s.allocated++
	s.nextPhysical.Unlock()
	table[chunk] = phys
	return phys
}

// LockChunkForTest marks chunk as locked without going through an
// UPLOAD_LOCK message, so tests can force the write-relocation path of
// handleQueryWrite without first driving a full recovery cycle.
func (s *Server) LockChunkForTest(chunk uint64) {
	s.locked.Store(chunk, struct{}{})
}

func (s *Server) lookup(chunk uint64) (uint64, bool) {
	mu, table := s.shardFor(chunk)
	mu.Lock()
	defer mu.Unlock()
	phys, ok := table[chunk]
	return phys, ok
}

// Serve handles one client connection until it closes or conn returns an
// error. It blocks; callers typically run it in its own goroutine per
// accepted connection.
func (s *Server) Serve(conn io.ReadWriter) error {
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("fakeserver: read IDENTIFY: %w", err)
	}
	if frame.Opcode != proto.OpIdentify {
		return fmt.Errorf("fakeserver: expected IDENTIFY, got %s", frame.Opcode)
	}
	if _, err := proto.UnmarshalIdentify(frame.Body); err != nil {
		return fmt.Errorf("fakeserver: malformed IDENTIFY: %w", err)
	}

	okBody := proto.MarshalIdentifyOK(&proto.IdentifyOK{ChunkSizeBits: s.chunkSizeBits})
	if err := wire.WriteFrame(conn, proto.OpIdentifyOK, okBody); err != nil {
		return fmt.Errorf("fakeserver: write IDENTIFY_OK: %w", err)
	}

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := s.handle(conn, frame); err != nil {
			s.logf("fakeserver: %v", err)
		}
	}
}

func (s *Server) handle(conn io.Writer, frame wire.Frame) error {
	switch frame.Opcode {
	case proto.OpQueryWrite:
		return s.handleQueryWrite(conn, frame.Body)
	case proto.OpQuerySnapshotRead:
		return s.handleQuerySnapshotRead(conn, frame.Body)
	case proto.OpFinishSnapshotRead:
		_, err := proto.UnmarshalRanges(frame.Body)
		return err
	case proto.OpUploadLock:
		ranges, err := proto.UnmarshalRanges(frame.Body)
		if err != nil {
			return err
		}
		for _, r := range ranges {
			s.locked.Store(r.Chunk, struct{}{})
		}
		return nil
	case proto.OpFinishUploadLock:
		return nil
	case proto.OpUsecount:
		_, err := proto.UnmarshalUsecount(frame.Body)
		return err
	default:
		return fmt.Errorf("unexpected opcode %s", frame.Opcode)
	}
}

func (s *Server) handleQueryWrite(conn io.Writer, body []byte) error {
	req, err := proto.UnmarshalRWRequest(body)
	if err != nil {
		return err
	}
	chunk := req.Ranges[0].Chunk

	// An origin-role device (negative snap, checked implicitly by the
	// caller never issuing QUERY_SNAPSHOT_READ for itself) always writes
	// straight to origin unless a snapshot holds a lock on the chunk, in
	// which case the write relocates it to a fresh physical chunk first.
	var rr proto.ReplyRange
	if _, locked := s.locked.Load(chunk); locked {
		phys := s.allocate(chunk)
		rr = proto.ReplyRange{Chunk: chunk, Chunks: 1, Physical: phys, HasPhys: true}
		body := proto.MarshalReply(&proto.Reply{ID: req.ID, Ranges: []proto.ReplyRange{rr}}, true)
		return wire.WriteFrame(conn, proto.OpReplySnapshotWrite, body)
	}

	rr = proto.ReplyRange{Chunk: chunk, Chunks: 1}
	replyBody := proto.MarshalReply(&proto.Reply{ID: req.ID, Ranges: []proto.ReplyRange{rr}}, false)
	return wire.WriteFrame(conn, proto.OpReplyOriginWrite, replyBody)
}

func (s *Server) handleQuerySnapshotRead(conn io.Writer, body []byte) error {
	req, err := proto.UnmarshalRWRequest(body)
	if err != nil {
		return err
	}
	chunk := req.Ranges[0].Chunk

	if phys, ok := s.lookup(chunk); ok {
		rr := proto.ReplyRange{Chunk: chunk, Chunks: 1, Physical: phys, HasPhys: true}
		replyBody := proto.MarshalReply(&proto.Reply{ID: req.ID, Ranges: []proto.ReplyRange{rr}}, true)
		return wire.WriteFrame(conn, proto.OpReplySnapshotRead, replyBody)
	}

	rr := proto.ReplyRange{Chunk: chunk, Chunks: 1}
	replyBody := proto.MarshalReply(&proto.Reply{ID: req.ID, Ranges: []proto.ReplyRange{rr}}, false)
	return wire.WriteFrame(conn, proto.OpReplySnapshotReadOrigin, replyBody)
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// DefaultChunkSizeBits mirrors internal/constants' client-side default, kept
// local so fakeserver has no dependency on the root package.
const DefaultChunkSizeBits = constants.DefaultChunkSizeBits
