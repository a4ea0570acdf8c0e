package ddsnap

import "github.com/ddsnap/client/internal/constants"

// Re-exported protocol and tuning constants for public API consumers.
const (
	IdentifierBits            = constants.IdentifierBits
	IdentifierSpace           = constants.IdentifierSpace
	NumBuckets                = constants.NumBuckets
	DefaultChunkSizeBits      = constants.DefaultChunkSizeBits
	MaxBodyLen                = constants.MaxBodyLen
	DefaultMaxInFlightQueries = constants.DefaultMaxInFlightQueries
)

var (
	MinReconnectBackoff = constants.MinReconnectBackoff
	MaxReconnectBackoff = constants.MaxReconnectBackoff
)
