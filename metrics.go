package ddsnap

import (
	"sync/atomic"
	"time"

	"github.com/ddsnap/client/internal/interfaces"
)

// LatencyBuckets defines the reply-latency histogram buckets in nanoseconds,
// log-spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks protocol-level counters for one device: queries sent,
// replies received, recovery cycles, and lock-upload/requeue traffic.
// Implements interfaces.Observer so it can be plugged straight into
// internal/worker and internal/ingress as the default observer.
type Metrics struct {
	QueriesSent   atomic.Uint64
	RepliesOK     atomic.Uint64
	RepliesFailed atomic.Uint64
	ReportErrors  atomic.Uint64

	RecoveriesTriggered atomic.Uint64
	QueriesRequeued     atomic.Uint64
	LocksUploaded       atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// ObserveQuerySent implements interfaces.Observer.
func (m *Metrics) ObserveQuerySent(op string) {
	m.QueriesSent.Add(1)
}

// ObserveReplyReceived implements interfaces.Observer.
func (m *Metrics) ObserveReplyReceived(op string, latencyNs uint64, success bool) {
	if success {
		m.RepliesOK.Add(1)
	} else {
		m.RepliesFailed.Add(1)
	}
	if latencyNs > 0 {
		m.recordLatency(latencyNs)
	}
}

// ObserveRecovery implements interfaces.Observer.
func (m *Metrics) ObserveRecovery(queriesRequeued, locksUploaded int) {
	m.RecoveriesTriggered.Add(1)
	m.QueriesRequeued.Add(uint64(queriesRequeued))
	m.LocksUploaded.Add(uint64(locksUploaded))
}

// ObserveReportError implements interfaces.Observer.
func (m *Metrics) ObserveReportError() {
	m.ReportErrors.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped, fixing the uptime computed by Snapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	QueriesSent         uint64
	RepliesOK           uint64
	RepliesFailed       uint64
	ReportErrors        uint64
	RecoveriesTriggered uint64
	QueriesRequeued     uint64
	LocksUploaded       uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot returns a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		QueriesSent:         m.QueriesSent.Load(),
		RepliesOK:           m.RepliesOK.Load(),
		RepliesFailed:       m.RepliesFailed.Load(),
		ReportErrors:        m.ReportErrors.Load(),
		RecoveriesTriggered: m.RecoveriesTriggered.Load(),
		QueriesRequeued:     m.QueriesRequeued.Load(),
		LocksUploaded:       m.LocksUploaded.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// NoOpObserver discards every observation. Useful for callers that want a
// Device with metrics disabled entirely.
type NoOpObserver struct{}

func (NoOpObserver) ObserveQuerySent(string)                 {}
func (NoOpObserver) ObserveReplyReceived(string, uint64, bool) {}
func (NoOpObserver) ObserveRecovery(int, int)                 {}
func (NoOpObserver) ObserveReportError()                      {}

var (
	_ interfaces.Observer = (*Metrics)(nil)
	_ interfaces.Observer = NoOpObserver{}
)
