// Package constants holds tuning knobs and protocol-width constants shared
// across the ddsnap client packages.
package constants

import "time"

const (
	// IdentifierBits is the width of the query identifier space. Identifiers
	// are handed out by a monotone counter truncated to this width, so the
	// space wraps after 1<<IdentifierBits allocations.
	IdentifierBits = 16

	// IdentifierSpace is 1<<IdentifierBits, the modulus for the next-id counter.
	IdentifierSpace = 1 << IdentifierBits

	// NumBuckets is the width of the pending-request hash table. Bucket for
	// identifier i is i mod NumBuckets.
	NumBuckets = 64

	// DefaultChunkSizeBits is used before the server's IDENTIFY_OK reply
	// supplies the authoritative chunk size.
	DefaultChunkSizeBits = 12

	// MaxBodyLen bounds a single wire message body, guarding against a
	// corrupt length field triggering an oversized allocation.
	MaxBodyLen = 1 << 20

	// DefaultMaxInFlightQueries caps the number of pending queries the
	// client holds before Map starts failing incoming I/O outright. The
	// spec does not mandate a bound, but an unbounded queue defeats the
	// fixed-width identifier space.
	DefaultMaxInFlightQueries = IdentifierSpace - 1
)

// Reconnect backoff bounds used by the control/worker recovery path while
// waiting for the agent to hand off a replacement server socket.
const (
	MinReconnectBackoff = 50 * time.Millisecond
	MaxReconnectBackoff = 5 * time.Second
)
