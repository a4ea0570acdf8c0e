package ddsnap

import (
	"errors"
	"fmt"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("Map", KindProtocol, "device not ready")

	if err.Op != "Map" {
		t.Errorf("Expected Op=Map, got %s", err.Op)
	}
	if err.Kind != KindProtocol {
		t.Errorf("Expected Kind=protocol, got %s", err.Kind)
	}

	expected := "ddsnap: Map: device not ready (protocol)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("ConnectServer", 7, KindIdentity, "server refused IDENTIFY")

	if err.Snap != 7 {
		t.Errorf("Expected Snap=7, got %d", err.Snap)
	}

	expected := "ddsnap: ConnectServer: server refused IDENTIFY (identity)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	inner := errors.New("connection reset by peer")
	err := WrapError("worker.sendQuery", KindTransport, inner)

	if err.Kind != KindTransport {
		t.Errorf("Expected Kind=transport, got %s", err.Kind)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to satisfy errors.Is for the inner cause")
	}
}

func TestWrapErrorNil(t *testing.T) {
	if err := WrapError("op", KindTransport, nil); err != nil {
		t.Errorf("WrapError(nil) = %v, want nil", err)
	}
}

func TestWrapErrorPreservesStructuredKind(t *testing.T) {
	inner := NewDeviceError("ingress.completeOne", 3, KindAllocation, "identifier space exhausted")
	wrapped := WrapError("worker.recover", KindTransport, inner)

	if wrapped.Kind != KindAllocation {
		t.Errorf("re-wrapping a structured error should preserve its Kind, got %s", wrapped.Kind)
	}
	if wrapped.Snap != 3 {
		t.Errorf("re-wrapping a structured error should preserve its Snap, got %d", wrapped.Snap)
	}
}

func TestErrorIsComparesKind(t *testing.T) {
	a := NewError("Map", KindAllocation, "too many in-flight queries")
	b := &Error{Kind: KindAllocation}
	c := &Error{Kind: KindTransport}

	if !errors.Is(a, b) {
		t.Error("errors of the same Kind should satisfy errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors of different Kind should not satisfy errors.Is")
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("map failed: %w", NewError("Map", KindShutdown, "device finished"))

	if !IsKind(err, KindShutdown) {
		t.Error("IsKind should see through fmt.Errorf wrapping")
	}
	if IsKind(err, KindProtocol) {
		t.Error("IsKind should return false for a non-matching Kind")
	}
	if IsKind(nil, KindShutdown) {
		t.Error("IsKind should return false for a nil error")
	}
}
