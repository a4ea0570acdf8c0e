// Package ddsnap is the client side of a cluster-coordinated copy-on-write
// snapshot block device: it interposes on every block I/O directed at a
// virtual device and, with help from a remote snapshot server, decides
// whether each I/O chunk should hit the origin volume or the snapshot
// store, tracks the resulting server queries, and recovers held locks and
// in-flight queries across server reconnection.
package ddsnap

import (
	"errors"
	"fmt"
)

// Kind categorizes a ddsnap error into one of the five kinds named in
// spec.md §7.
type Kind string

const (
	KindTransport  Kind = "transport"  // short/failed read or write on either socket
	KindProtocol   Kind = "protocol"   // oversize/undersized body, unknown opcode, missing ancillary fd, mismatched range count
	KindIdentity   Kind = "identity"   // server refused IDENTIFY
	KindAllocation Kind = "allocation" // identifier space or in-flight query budget exhausted
	KindShutdown   Kind = "shutdown"   // device is finishing or finished
)

// Error is a structured ddsnap error carrying the failing operation, the
// device's snapshot identity, an error Kind, and the wrapped cause.
type Error struct {
	Op    string // operation that failed (e.g. "Map", "ConnectServer")
	Snap  int32  // snapshot number of the device that raised the error
	Kind  Kind
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Inner != nil {
		msg = e.Inner.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("ddsnap: %s: %s (%s)", e.Op, msg, e.Kind)
	}
	return fmt.Sprintf("ddsnap: %s (%s)", msg, e.Kind)
}

// Unwrap returns the wrapped cause, for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports whether target is a *Error of the same Kind, so callers can
// write errors.Is(err, &ddsnap.Error{Kind: ddsnap.KindTransport}).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// NewError creates a structured error with no associated device.
func NewError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewDeviceError creates a structured error attributed to the device
// identified by snap.
func NewDeviceError(op string, snap int32, kind Kind, msg string) *Error {
	return &Error{Op: op, Snap: snap, Kind: kind, Msg: msg}
}

// WrapError wraps inner under op and kind. If inner is already a *Error, its
// Kind, Snap, Msg and Inner are kept and only Op is replaced. Returns nil if
// inner is nil.
func WrapError(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if de, ok := inner.(*Error); ok {
		return &Error{Op: op, Snap: de.Snap, Kind: de.Kind, Msg: de.Msg, Inner: de.Inner}
	}
	return &Error{Op: op, Kind: kind, Msg: inner.Error(), Inner: inner}
}

// IsKind reports whether err is (or wraps) a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}
