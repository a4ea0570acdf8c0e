package ddsnap

import (
	"context"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ddsnap/client/internal/constants"
	"github.com/ddsnap/client/internal/ctrl"
	"github.com/ddsnap/client/internal/devstate"
	"github.com/ddsnap/client/internal/hook"
	"github.com/ddsnap/client/internal/ingress"
	"github.com/ddsnap/client/internal/interfaces"
	"github.com/ddsnap/client/internal/logging"
	"github.com/ddsnap/client/internal/pending"
	"github.com/ddsnap/client/internal/proto"
	"github.com/ddsnap/client/internal/wire"
	"github.com/ddsnap/client/internal/worker"
)

// Config carries the four positional instantiation arguments of spec.md §6
// plus tuning knobs, mirroring the teacher's DeviceParams.
type Config struct {
	SnapPath        string // snapshot backing device path
	OriginPath      string // origin backing device path
	AgentSocketPath string // local agent control socket; abstract if it starts with '@'
	Snap            int32  // snapshot number; negative selects the origin role

	// TargetOffset/TargetLength are the {off, len} fields of the IDENTIFY
	// message (spec.md §6): the origin-volume range this device instance
	// covers. Zero values are valid for a whole-device client.
	TargetOffset uint64
	TargetLength uint64

	// MaxInFlightQueries back-pressures Map once this many queries are
	// outstanding, guarding the fixed-width identifier space (spec.md §3).
	MaxInFlightQueries int

	MinReconnectBackoff time.Duration
	MaxReconnectBackoff time.Duration

	// CPUAffinity optionally pins the worker and ingress goroutines to
	// specific CPUs (worker gets CPUAffinity[0], ingress gets
	// CPUAffinity[1%len(CPUAffinity)]), trading portability for reduced
	// cross-CPU cache traffic on the hot query/reply path. Nil disables
	// pinning.
	CPUAffinity []int
}

// DefaultConfig returns sensible tuning defaults, leaving the positional
// fields zero for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		MaxInFlightQueries: constants.DefaultMaxInFlightQueries,
		MinReconnectBackoff: constants.MinReconnectBackoff,
		MaxReconnectBackoff: constants.MaxReconnectBackoff,
	}
}

func (cfg Config) withDefaults() Config {
	out := DefaultConfig()
	out.SnapPath = cfg.SnapPath
	out.OriginPath = cfg.OriginPath
	out.AgentSocketPath = cfg.AgentSocketPath
	out.Snap = cfg.Snap
	out.TargetOffset = cfg.TargetOffset
	out.TargetLength = cfg.TargetLength
	out.CPUAffinity = cfg.CPUAffinity
	if cfg.MaxInFlightQueries > 0 {
		out.MaxInFlightQueries = cfg.MaxInFlightQueries
	}
	if cfg.MinReconnectBackoff > 0 {
		out.MinReconnectBackoff = cfg.MinReconnectBackoff
	}
	if cfg.MaxReconnectBackoff > 0 {
		out.MaxReconnectBackoff = cfg.MaxReconnectBackoff
	}
	return out
}

// Options holds ambient, non-positional settings, mirroring the teacher's
// Options struct passed alongside DeviceParams.
type Options struct {
	// Context for cancellation. Defaults to context.Background().
	Context context.Context

	// Logger for lifecycle and error messages. Defaults to internal/logging's
	// process-wide default logger.
	Logger interfaces.Logger

	// Observer for protocol-level metrics. Defaults to a *Metrics instance
	// reachable via Device.Metrics.
	Observer interfaces.Observer
}

// Device is one ddsnap client instance: an origin or snapshot role, its
// pending-query table, end-I/O hook lists, and the three long-lived threads
// (control, worker, ingress) that drive it (spec.md §3).
type Device struct {
	cfg        Config
	isSnapshot bool

	state   *devstate.State
	pending *pending.Table
	hooks   *hook.Lists
	egress  *wire.EgressWriter
	source  *wire.IngressSource

	agent   *ctrl.AgentConn
	control *ctrl.Control
	worker  *worker.Worker
	ingress *ingress.Ingress

	clusterID atomic.Uint64

	logger   interfaces.Logger
	observer interfaces.Observer
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	serverConn net.Conn
}

// Open dials the agent socket and starts a device's control, worker and
// ingress threads. The returned Device fails every Map call until the agent
// hands off a server socket and the server confirms IDENTIFY (spec.md §4.1:
// "while READY is unset, map must fail").
func Open(cfg Config, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()

	agentConn, err := dialAgent(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newDevice(ctx, agentConn, cfg, options)
}

// dialAgent dials the agent socket, retrying with exponential backoff bounded
// by cfg's reconnect backoff window while the agent is not yet listening.
func dialAgent(ctx context.Context, cfg Config) (*ctrl.AgentConn, error) {
	backoff := cfg.MinReconnectBackoff
	for {
		conn, err := net.Dial("unix", cfg.AgentSocketPath)
		if err == nil {
			uc, ok := conn.(*net.UnixConn)
			if !ok {
				conn.Close()
				return nil, NewError("Open", KindTransport, "agent socket is not a stream unix connection")
			}
			return ctrl.NewAgentConn(uc), nil
		}
		select {
		case <-ctx.Done():
			return nil, WrapError("Open", KindTransport, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.MaxReconnectBackoff {
			backoff = cfg.MaxReconnectBackoff
		}
	}
}

// newDevice wires an already-connected agent socket into a running device.
// Split out from Open so tests (and the loopback helper in device_test.go) can
// supply a socketpair-backed AgentConn without a real agent process.
func newDevice(ctx context.Context, agentConn *ctrl.AgentConn, cfg Config, options *Options) (*Device, error) {
	state := devstate.New()
	state.SetChunkshift(constants.DefaultChunkSizeBits - 9)

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	var observer interfaces.Observer = metrics
	if options.Observer != nil {
		observer = options.Observer
	}

	d := &Device{
		cfg:        cfg,
		isSnapshot: cfg.Snap >= 0,
		state:      state,
		pending:    pending.NewTable(),
		hooks:      hook.NewLists(),
		egress:     wire.NewEgressWriter(disconnectedWriter{}),
		source:     wire.NewIngressSource(),
		agent:      agentConn,
		logger:     logger,
		observer:   observer,
		metrics:    metrics,
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.worker = worker.New(d.pending, d.hooks, d.egress, d.state, d.isSnapshot, logger, observer)

	d.control = ctrl.New(agentConn, ctrl.Callbacks{
		SetIdentity:   d.handleSetIdentity,
		ConnectServer: d.handleConnectServer,
		Logger:        logger,
	})

	d.ingress = ingress.New(ingress.Config{
		Pending:     d.pending,
		Hooks:       d.hooks,
		Source:      d.source,
		Egress:      d.egress,
		State:       d.state,
		Agent:       d.control,
		Snap:        cfg.Snap,
		ReportError: d.worker.ReportError,
		WorkerKick:  d.worker.Kick,
		Logger:      logger,
		Observer:    observer,
	})

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		if err := d.control.Run(d.ctx.Done()); err != nil {
			d.logf("ddsnap: control thread: %v", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		d.pinCurrentGoroutine("worker", 0)
		d.worker.Run(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.pinCurrentGoroutine("ingress", 1)
		d.ingress.Run(d.ctx)
	}()

	if err := d.control.SendNeedServer(); err != nil {
		d.logf("ddsnap: initial NEED_SERVER failed: %v", err)
	}

	return d, nil
}

// handleSetIdentity records the cluster-assigned identity (spec.md §4.7's
// SET_IDENTITY row).
func (d *Device) handleSetIdentity(id uint64) {
	d.clusterID.Store(id)
}

// handleConnectServer installs fd as the new server socket, swaps the
// egress/ingress endpoints, emits IDENTIFY, and kicks off recovery's
// upload-locks phase (spec.md §4.7). It owns fd and closes it on every path.
func (d *Device) handleConnectServer(fd int) error {
	f := os.NewFile(uintptr(fd), "ddsnap-server")
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return WrapError("ConnectServer", KindTransport, err)
	}

	d.mu.Lock()
	previous := d.serverConn
	d.serverConn = conn
	d.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	d.egress.Swap(conn)
	d.source.Swap(conn)

	body := proto.MarshalIdentify(&proto.Identify{
		ID:   d.clusterID.Load(),
		Snap: d.cfg.Snap,
		Off:  d.cfg.TargetOffset,
		Len:  d.cfg.TargetLength,
	})
	if err := d.egress.Send(proto.OpIdentify, body); err != nil {
		return WrapError("ConnectServer", KindTransport, err)
	}

	d.worker.SignalReconnected()
	return nil
}

// Close sets FINISH, cancels the device's context, and waits for the
// control, worker and ingress threads to exit (spec.md §5's "destroy waits
// on the three exit semaphores").
func (d *Device) Close() error {
	d.state.SetFinish()
	d.worker.Shutdown()
	d.cancel()
	d.agent.Close()

	d.mu.Lock()
	conn := d.serverConn
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	d.wg.Wait()
	d.metrics.Stop()
	return nil
}

// Ready reports whether IDENTIFY_OK has been processed (spec.md §3's READY
// flag).
func (d *Device) Ready() bool { return d.state.Ready() }

// Finished reports whether Close has been called.
func (d *Device) Finished() bool { return d.state.Finished() }

// Chunkshift returns the current chunkshift (chunksize_bits - 9).
func (d *Device) Chunkshift() uint32 { return d.state.Chunkshift() }

// ClusterID returns the server-assigned identity set by the most recent
// SET_IDENTITY.
func (d *Device) ClusterID() uint64 { return d.clusterID.Load() }

// Snap returns the device's snapshot number (negative for the origin role).
func (d *Device) Snap() int32 { return d.cfg.Snap }

// IsSnapshotRole reports whether this device was opened with a non-negative
// snap number (spec.md §6: "negative ⇒ origin role").
func (d *Device) IsSnapshotRole() bool { return d.isSnapshot }

// Metrics returns the device's built-in metrics collector. It is populated
// only when no custom Observer was supplied in Options; a custom Observer
// replaces it, and its counters then stay at zero.
func (d *Device) Metrics() *Metrics { return d.metrics }

// pinCurrentGoroutine optionally locks the calling goroutine to an OS thread
// and sets that thread's CPU affinity, mirroring the teacher's per-queue
// ioLoop pinning. slot picks which entry of cfg.CPUAffinity this caller uses
// when more than one pinned goroutine is configured.
func (d *Device) pinCurrentGoroutine(name string, slot int) {
	if len(d.cfg.CPUAffinity) == 0 {
		return
	}
	runtime.LockOSThread()

	cpu := d.cfg.CPUAffinity[slot%len(d.cfg.CPUAffinity)]
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		d.logf("ddsnap: %s: failed to set CPU affinity to %d: %v", name, cpu, err)
		return
	}
	d.logf("ddsnap: %s: pinned to CPU %d", name, cpu)
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// disconnectedWriter is the egress writer's placeholder target before the
// first server handoff.
type disconnectedWriter struct{}

func (disconnectedWriter) Write([]byte) (int, error) {
	return 0, NewError("egress", KindTransport, "server socket not yet connected")
}
