// Package ctrl implements the control thread of spec.md §4.7: reading the
// local agent socket for SET_IDENTITY and CONNECT_SERVER (the latter
// carrying a new server-socket file descriptor via SCM_RIGHTS ancillary
// data), and driving the IDENTIFY handshake and recovery kickoff that follow
// a server handoff.
//
// Rewritten from the teacher's ioctl-based internal/ctrl.Controller: same
// package name and role (the single point of contact with an external
// control plane), entirely different wire format — an agent socket instead
// of /dev/ublk-control. The SCM_RIGHTS receive loop is grounded on the
// corpus's own fd-passing receiver (see DESIGN.md).
package ctrl

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ddsnap/client/internal/constants"
	"github.com/ddsnap/client/internal/proto"
	"github.com/ddsnap/client/internal/wire"
)

// AgentConn wraps the local control socket, combining ddsnap's
// {opcode,length,body} framing with SCM_RIGHTS fd-passing: CONNECT_SERVER
// arrives as one recvmsg carrying both the frame bytes and the ancillary fd,
// since Unix stream sockets only guarantee ancillary data rides along with
// the read that consumes the first byte of the sending write.
type AgentConn struct {
	conn *net.UnixConn
}

// NewAgentConn wraps an already-connected agent socket.
func NewAgentConn(conn *net.UnixConn) *AgentConn {
	return &AgentConn{conn: conn}
}

// Close closes the underlying socket.
func (a *AgentConn) Close() error { return a.conn.Close() }

// ReadFrame reads one message from the agent socket, returning any file
// descriptor passed alongside it via SCM_RIGHTS (fd is -1 if none arrived).
func (a *AgentConn) ReadFrame() (opcode proto.Opcode, body []byte, fd int, err error) {
	raw, err := a.conn.SyscallConn()
	if err != nil {
		return 0, nil, -1, fmt.Errorf("agent socket raw conn: %w", err)
	}

	buf := make([]byte, 8+constants.MaxBodyLen)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error

	ctrlErr := raw.Read(func(rawFd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(rawFd), buf, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return 0, nil, -1, fmt.Errorf("agent recvmsg: %w", ctrlErr)
	}
	if recvErr != nil {
		return 0, nil, -1, fmt.Errorf("agent recvmsg: %w", recvErr)
	}
	if n == 0 {
		return 0, nil, -1, fmt.Errorf("agent socket closed: %w", io.EOF)
	}
	if n < 8 {
		return 0, nil, -1, fmt.Errorf("agent frame header truncated: %d bytes", n)
	}

	opcode = proto.Opcode(binary.LittleEndian.Uint32(buf[0:4]))
	length := binary.LittleEndian.Uint32(buf[4:8])
	if length > constants.MaxBodyLen || int(length) > n-8 {
		return 0, nil, -1, fmt.Errorf("%w: opcode=%s length=%d", wire.ErrOversizeBody, opcode, length)
	}
	body = append([]byte(nil), buf[8:8+length]...)

	fd = -1
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, scm := range scms {
				fds, err := unix.ParseUnixRights(&scm)
				if err == nil && len(fds) > 0 {
					fd = fds[0]
					break
				}
			}
		}
	}
	return opcode, body, fd, nil
}

// WriteFrame writes a plain {opcode,length,body} frame to the agent socket
// (the client never passes a descriptor to the agent in this protocol).
func (a *AgentConn) WriteFrame(opcode proto.Opcode, body []byte) error {
	return wire.WriteFrame(a.conn, opcode, body)
}
