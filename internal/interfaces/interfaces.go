// Package interfaces holds the internal-facing interface definitions shared
// by internal/worker, internal/ingress and internal/ctrl. Kept separate from
// the public package's interfaces to avoid an import cycle (root package ->
// internal/worker -> root package), the same role this package plays in the
// teacher repo.
package interfaces

// Direction is the operation an incoming block I/O requests.
type Direction int

const (
	Read Direction = iota
	Write
)

// Target names which backing device a BIO is currently routed to.
type Target int

const (
	TargetOrigin Target = iota
	TargetSnapshot
)

// BIO is the minimal view of an in-flight block I/O the core needs: enough
// to read its direction/sector/length, retarget it to a different backing
// device and sector, swap its completion callback (for hook installation),
// and fail or submit it. The real bio structure (mapping callbacks, device
// registration) lives in the block-layer adapter, out of scope per spec.md
// §1; production code implements this interface as a thin wrapper over it.
type BIO interface {
	Direction() Direction
	Sector() uint64
	Length() uint32

	// Retarget rewrites the I/O's destination device and starting sector.
	Retarget(target Target, sector uint64)

	// SwapCompletion installs next as the I/O's completion callback and
	// returns whatever callback was previously installed (nil if none).
	SwapCompletion(next func()) (previous func())

	// Fail completes the I/O with an error, without submitting it.
	Fail(err error)

	// Submit hands the I/O to the block layer for execution against its
	// current target/sector.
	Submit()
}

// Logger is the minimal structured-logging surface the core depends on,
// mirroring the teacher's internal/interfaces.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// AgentNotifier lets the ingress thread ack or reject a server handoff on
// the agent socket once the server itself has confirmed or refused IDENTIFY
// (spec.md §4.3's CONNECT_SERVER_OK / CONNECT_SERVER_ERROR).
type AgentNotifier interface {
	SendConnectServerOK() error
	SendConnectServerError(code int32, msg string) error
}

// Observer collects protocol-level metrics. Implementations must be
// thread-safe: methods are called from the worker, ingress and control
// goroutines concurrently, mirroring the teacher's Observer contract.
type Observer interface {
	ObserveQuerySent(op string)
	ObserveReplyReceived(op string, latencyNs uint64, success bool)
	ObserveRecovery(queriesRequeued, locksUploaded int)
	ObserveReportError()
}
