package ctrl

import (
	"errors"
	"fmt"
	"io"

	"github.com/ddsnap/client/internal/interfaces"
	"github.com/ddsnap/client/internal/proto"
)

// Callbacks wires the control thread to the rest of the device: identity
// tracking and server-socket handoff live outside this package so internal/ctrl
// stays ignorant of internal/worker and internal/ingress.
type Callbacks struct {
	// SetIdentity records the cluster node identity delivered by SET_IDENTITY.
	SetIdentity func(id uint64)

	// ConnectServer installs fd as the new server socket and performs the
	// IDENTIFY handshake plus recovery kickoff (spec.md §4.5 step 1: "runs
	// whenever ... a fresh connection to the server is established"). The fd
	// is owned by the callback once called; it must close fd on every path,
	// including error.
	ConnectServer func(fd int) error

	Logger interfaces.Logger
}

// Control runs the control thread: it owns the agent socket and reacts to
// SET_IDENTITY and CONNECT_SERVER, the only two messages the agent sends.
type Control struct {
	agent *AgentConn
	cb    Callbacks
}

// New constructs a control thread over an already-connected agent socket.
func New(agent *AgentConn, cb Callbacks) *Control {
	return &Control{agent: agent, cb: cb}
}

// Run reads frames from the agent socket until it errors or the shutdown
// signal fires. A transport error on the agent socket is fatal to the
// control thread (spec.md §7: agent-socket errors are unrecoverable — there
// is no other control plane to reconnect to).
func (c *Control) Run(shutdown <-chan struct{}) error {
	for {
		select {
		case <-shutdown:
			return nil
		default:
		}

		opcode, body, fd, err := c.agent.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("control: agent read: %w", err)
		}

		switch opcode {
		case proto.OpSetIdentity:
			si, err := proto.UnmarshalSetIdentity(body)
			if err != nil {
				c.logf("control: malformed SET_IDENTITY: %v", err)
				continue
			}
			if c.cb.SetIdentity != nil {
				c.cb.SetIdentity(si.ID)
			}

		case proto.OpConnectServer:
			if fd < 0 {
				c.logf("control: CONNECT_SERVER carried no file descriptor")
				c.SendConnectServerError(1, "missing descriptor")
				continue
			}
			if c.cb.ConnectServer == nil {
				c.logf("control: no handler installed for CONNECT_SERVER")
				continue
			}
			// The ack back to the agent is not sent here: it waits for the
			// server's own IDENTIFY_OK/IDENTIFY_ERROR, which ingress turns
			// into CONNECT_SERVER_OK/CONNECT_SERVER_ERROR (spec.md §4.3).
			if err := c.cb.ConnectServer(fd); err != nil {
				c.logf("control: server handoff failed: %v", err)
				c.SendConnectServerError(1, err.Error())
				continue
			}

		default:
			c.logf("control: unexpected opcode %s on agent socket", opcode)
		}
	}
}

// SendNeedServer asks the agent for an initial (or replacement) server
// connection.
func (c *Control) SendNeedServer() error {
	return c.agent.WriteFrame(proto.OpNeedServer, nil)
}

// SendConnectServerOK acks a successful handoff to the agent. Called by
// ingress once IDENTIFY_OK confirms the new server socket actually works.
func (c *Control) SendConnectServerOK() error {
	return c.agent.WriteFrame(proto.OpConnectServerOK, nil)
}

// SendConnectServerError reports a failed handoff to the agent, either a
// local fault (missing fd, install error) or the server's own IDENTIFY_ERROR
// forwarded verbatim (spec.md §7: "identity errors are reflected to the
// agent verbatim").
func (c *Control) SendConnectServerError(code int32, msg string) error {
	body := proto.MarshalConnectServerError(&proto.ConnectServerError{Err: code, Msg: msg})
	return c.agent.WriteFrame(proto.OpConnectServerError, body)
}

func (c *Control) logf(format string, args ...interface{}) {
	if c.cb.Logger != nil {
		c.cb.Logger.Printf(format, args...)
	}
}
