package pending

import (
	"sync/atomic"

	"github.com/ddsnap/client/internal/constants"
)

// IDAllocator hands out identifiers from a monotone counter truncated to
// constants.IdentifierSpace, matching spec.md §3's "next identifier" counter.
type IDAllocator struct {
	next atomic.Uint32
}

// Next advances the counter modulo the identifier space and returns the new
// value.
func (a *IDAllocator) Next() uint32 {
	for {
		cur := a.next.Load()
		next := (cur + 1) % constants.IdentifierSpace
		if a.next.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Bucket returns the pending-table bucket index for an identifier:
// i mod constants.NumBuckets.
func Bucket(id uint32) int {
	return int(id % constants.NumBuckets)
}
