package ddsnap

import (
	"sync"

	"github.com/ddsnap/client/internal/interfaces"
)

// MockBIO is a test double for interfaces.BIO, letting package tests drive
// Device.Map without a real block-layer adapter. Safe for concurrent use
// since ingress completes I/O from a different goroutine than Map queues it.
type MockBIO struct {
	mu sync.Mutex

	dir    interfaces.Direction
	sector uint64
	length uint32

	target       interfaces.Target
	targetSector uint64
	retargeted   bool
	completion   func()
	failed       error
	submitted    bool
	done         chan struct{}
}

// NewMockBIO constructs a read or write I/O of length bytes at sector.
func NewMockBIO(dir interfaces.Direction, sector uint64, length uint32) *MockBIO {
	return &MockBIO{dir: dir, sector: sector, length: length, done: make(chan struct{}, 1)}
}

func (b *MockBIO) Direction() interfaces.Direction { return b.dir }
func (b *MockBIO) Sector() uint64                  { return b.sector }
func (b *MockBIO) Length() uint32                  { return b.length }

func (b *MockBIO) Retarget(target interfaces.Target, sector uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = target
	b.targetSector = sector
	b.retargeted = true
}

func (b *MockBIO) SwapCompletion(next func()) (previous func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous = b.completion
	b.completion = next
	return previous
}

// Fail completes the I/O with an error. Like Submit, it runs any installed
// completion callback and signals Wait.
func (b *MockBIO) Fail(err error) {
	b.mu.Lock()
	b.failed = err
	completion := b.completion
	b.mu.Unlock()
	if completion != nil {
		completion()
	}
	b.signal()
}

// Submit marks the I/O submitted and, mirroring a real block layer, runs
// whatever completion callback is currently installed (the end-I/O hook's
// wrapper, if one was installed; otherwise none).
func (b *MockBIO) Submit() {
	b.mu.Lock()
	b.submitted = true
	completion := b.completion
	b.mu.Unlock()
	if completion != nil {
		completion()
	}
	b.signal()
}

func (b *MockBIO) signal() {
	select {
	case b.done <- struct{}{}:
	default:
	}
}

// Wait blocks until Submit or Fail has been called at least once.
func (b *MockBIO) Wait() { <-b.done }

// Target reports the last Retarget call's destination, or TargetOrigin and
// the original sector if Retarget was never called.
func (b *MockBIO) Target() (interfaces.Target, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.retargeted {
		return interfaces.TargetOrigin, b.sector
	}
	return b.target, b.targetSector
}

// Submitted reports whether Submit has been called.
func (b *MockBIO) Submitted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted
}

// Failed returns the error passed to Fail, or nil.
func (b *MockBIO) Failed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

var _ interfaces.BIO = (*MockBIO)(nil)
