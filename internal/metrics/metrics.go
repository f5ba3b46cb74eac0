// Package metrics holds the prometheus collectors for the sync daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "workout_sync"

var (
	recordsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "records_submitted_total",
		Help:      "Local record mutations grouped by kind (create, delete, attach).",
	}, []string{"kind"})

	mergeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "merges_total",
		Help:      "Incoming record copies grouped by source and outcome.",
	}, []string{"source", "outcome"})

	linkFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "frames_total",
		Help:      "Link frames grouped by direction and result.",
	}, []string{"direction", "result"})

	protocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "protocol_violations_total",
		Help:      "Inbound link frames dropped as malformed.",
	})

	linkReachable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "peer_reachable",
		Help:      "1 when the peer device is reachable over the link.",
	})

	pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "pushes_total",
		Help:      "Record pushes to the remote store grouped by result.",
	}, []string{"result"})

	pullBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "pull_batches_total",
		Help:      "Pull batches grouped by result.",
	}, []string{"result"})

	bridgeState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "state",
		Help:      "1 for the bridge's current state, 0 otherwise.",
	}, []string{"state"})

	lastPull = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "last_pull_timestamp_seconds",
		Help:      "Unix timestamp of the most recent fully merged pull batch.",
	})

	archiveResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "results_total",
		Help:      "Archive attempts grouped by result.",
	}, []string{"result"})

	archivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "archived_bytes_total",
		Help:      "Bytes copied to the durable namespace and verified.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of orphan reconciliation sweeps.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		recordsSubmitted,
		mergeOutcomes,
		linkFrames,
		protocolViolations,
		linkReachable,
		pushes,
		pullBatches,
		bridgeState,
		lastPull,
		archiveResults,
		archivedBytes,
		sweepDuration,
	)
}

// RecordSubmitted counts a local mutation.
func RecordSubmitted(kind string) {
	recordsSubmitted.WithLabelValues(kind).Inc()
}

// RecordMerge counts an incoming copy.
func RecordMerge(source, outcome string) {
	mergeOutcomes.WithLabelValues(source, outcome).Inc()
}

// RecordFrame counts a link frame; direction is "in" or "out".
func RecordFrame(direction, result string) {
	linkFrames.WithLabelValues(direction, result).Inc()
}

// RecordProtocolViolation counts a dropped inbound frame.
func RecordProtocolViolation() {
	protocolViolations.Inc()
	linkFrames.WithLabelValues("in", "dropped").Inc()
}

// SetReachable updates the peer reachability gauge.
func SetReachable(reachable bool) {
	if reachable {
		linkReachable.Set(1)
		return
	}
	linkReachable.Set(0)
}

// RecordPush counts a push attempt.
func RecordPush(result string) {
	pushes.WithLabelValues(result).Inc()
}

// RecordPullBatch counts a pull batch and, on success, moves the watermark.
func RecordPullBatch(result string, at time.Time) {
	pullBatches.WithLabelValues(result).Inc()
	if result == "ok" && !at.IsZero() {
		lastPull.Set(float64(at.Unix()))
	}
}

// SetBridgeState marks state as current among all known states.
func SetBridgeState(state string, all []string) {
	for _, s := range all {
		if s == state {
			bridgeState.WithLabelValues(s).Set(1)
		} else {
			bridgeState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordArchive counts an archive attempt. Bytes are added on success.
func RecordArchive(result string, bytes int64) {
	archiveResults.WithLabelValues(result).Inc()
	if result == "ok" && bytes > 0 {
		archivedBytes.Add(float64(bytes))
	}
}

// ObserveSweep records the duration of an orphan sweep.
func ObserveSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}
