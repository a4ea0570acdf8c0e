// Package pending implements the client's in-flight-query bookkeeping: a
// hash of server queries keyed by a bounded-width identifier, plus the
// not-yet-sent query queue. Grounded on the teacher's internal/queue state
// discipline (one mutable slot per key, guarded critical sections), adapted
// from a per-tag array to a per-id bucket hash.
package pending

import (
	"fmt"
	"sync"

	"github.com/ddsnap/client/internal/constants"
)

// Record tracks one outstanding server query (spec.md §3).
type Record struct {
	ID    uint32
	Chunk uint64
	Count uint32 // always 1 in this core
	Owner any    // the original I/O handle; opaque to this package
}

// Table is the pending-request hash plus the not-yet-sent query queue. The
// zero value is not usable; construct with NewTable.
type Table struct {
	mu      sync.Mutex
	ids     IDAllocator
	buckets [constants.NumBuckets]map[uint32]*Record
	queries []*Record
}

// NewTable constructs an empty pending table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = make(map[uint32]*Record)
	}
	return t
}

// NewQuery allocates the next identifier and a pending record for it,
// appending it to the query queue. It does not yet place the record in a
// bucket — that happens when the worker drains the queue (spec.md §4.2).
func (t *Table) NewQuery(chunk uint64, owner any) *Record {
	rec := &Record{ID: t.ids.Next(), Chunk: chunk, Count: 1, Owner: owner}
	t.mu.Lock()
	t.queries = append(t.queries, rec)
	t.mu.Unlock()
	return rec
}

// DrainToBuckets moves every queued-but-unsent record into its hash bucket
// and returns the moved records in enqueue order, for the worker to send as
// QUERY_WRITE/QUERY_SNAPSHOT_READ. Returns an error only if a duplicate
// identifier is already live in a bucket (would violate the uniqueness
// invariant; indicates the identifier space wrapped around an unacknowledged
// record, which back-pressure at Map time is meant to prevent).
func (t *Table) DrainToBuckets() ([]*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queries) == 0 {
		return nil, nil
	}
	moved := t.queries
	t.queries = nil
	for _, rec := range moved {
		b := Bucket(rec.ID)
		if _, exists := t.buckets[b][rec.ID]; exists {
			return nil, fmt.Errorf("pending: identifier %d already in flight in bucket %d", rec.ID, b)
		}
		t.buckets[b][rec.ID] = rec
	}
	return moved, nil
}

// Remove deletes and returns the record for id, if present.
func (t *Table) Remove(id uint32) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := Bucket(id)
	rec, ok := t.buckets[b][id]
	if ok {
		delete(t.buckets[b], id)
	}
	return rec, ok
}

// RequeueAll moves every in-flight record in every bucket back onto the
// query queue and returns them, for the worker's recovery phase (spec.md
// §4.5 step 4: "for every bucket, move every record back onto the query
// queue"). The records keep their original identifiers; they are resent as
// fresh QUERY_* messages by the caller.
func (t *Table) RequeueAll() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []*Record
	for _, bucket := range t.buckets {
		for id, rec := range bucket {
			all = append(all, rec)
			delete(bucket, id)
		}
	}
	t.queries = append(t.queries, all...)
	return all
}

// Len reports the number of records currently tracked across the query
// queue and every bucket, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.queries)
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

// Snapshot returns every record currently tracked, across the query queue
// and every bucket, without disturbing table state. Test-only helper for
// asserting the list-exclusivity invariant.
func (t *Table) Snapshot() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*Record, 0, len(t.queries))
	all = append(all, t.queries...)
	for _, bucket := range t.buckets {
		for _, rec := range bucket {
			all = append(all, rec)
		}
	}
	return all
}
