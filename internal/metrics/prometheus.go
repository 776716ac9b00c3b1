package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arloliu/rescale/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use, so constructing
// one is free for processes that never record anything.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	phaseTransitions *prometheus.CounterVec
	phaseCurrent     prometheus.Gauge
	spawns           *prometheus.CounterVec
	joinWait         *prometheus.HistogramVec
	cycleDuration    prometheus.Histogram
	peers            prometheus.Gauge

	binMoves     prometheus.Histogram
	binMovesSum  prometheus.Counter
	binImbalance prometheus.Gauge

	batchesPublished *prometheus.CounterVec
	batchesApplied   prometheus.Counter
	batchSize        prometheus.Histogram
	controlRejected  *prometheus.CounterVec

	verifications   *prometheus.CounterVec
	verifiedRecords prometheus.Counter
	verifierPending prometheus.Gauge

	heartbeats *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Metrics namespace (defaults to "rescale" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "rescale"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		f := promauto.With(p.reg)

		p.phaseTransitions = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "orchestrator",
			Name:      "phase_transitions_total",
			Help:      "Total orchestrator phase transitions by target phase.",
		}, []string{"to"})
		p.phaseCurrent = f.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "orchestrator",
			Name:      "phase",
			Help:      "Current orchestrator phase as its numeric value.",
		})
		p.spawns = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "orchestrator",
			Name:      "spawns_total",
			Help:      "Worker process launches by result.",
		}, []string{"result"})
		p.joinWait = f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "orchestrator",
			Name:      "join_wait_seconds",
			Help:      "Time spent waiting for spawned workers to join, by result.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"result"})
		p.cycleDuration = f.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "orchestrator",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a full scale-out cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		})
		p.peers = f.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "orchestrator",
			Name:      "peers",
			Help:      "Current number of workers in the cluster.",
		})

		p.binMoves = f.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "balancer",
			Name:      "moves_per_rebalance",
			Help:      "Number of bin moves produced by one rebalance.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
		p.binMovesSum = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "balancer",
			Name:      "moves_total",
			Help:      "Total bin moves produced.",
		})
		p.binImbalance = f.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "balancer",
			Name:      "load_spread",
			Help:      "Max minus min bins per worker after the last balancer operation.",
		})

		p.batchesPublished = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "control",
			Name:      "batches_published_total",
			Help:      "Control batches broadcast by kind.",
		}, []string{"kind"})
		p.batchesApplied = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "control",
			Name:      "batches_applied_total",
			Help:      "Complete control batches applied by local workers.",
		})
		p.batchSize = f.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "control",
			Name:      "batch_size",
			Help:      "Instructions per published control batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
		p.controlRejected = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "control",
			Name:      "rejected_total",
			Help:      "Dropped control lines or messages by reason.",
		}, []string{"reason"})

		p.verifications = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "verifier",
			Name:      "comparisons_total",
			Help:      "Timestamp comparisons by result (match, mismatch).",
		}, []string{"result"})
		p.verifiedRecords = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "verifier",
			Name:      "records_total",
			Help:      "Records compared per stream.",
		})
		p.verifierPending = f.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "verifier",
			Name:      "pending_timestamps",
			Help:      "Timestamps with buffered records awaiting comparison.",
		})

		p.heartbeats = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "heartbeat",
			Name:      "published_total",
			Help:      "Heartbeat publish attempts by worker and result.",
		}, []string{"worker", "result"})
	})
}

func result(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}

// RecordPhaseTransition counts the transition and updates the current phase gauge.
func (p *PrometheusCollector) RecordPhaseTransition(_ /* from */, to types.Phase) {
	p.ensureRegistered()
	p.phaseTransitions.WithLabelValues(to.String()).Inc()
	p.phaseCurrent.Set(float64(to))
}

// RecordSpawn counts a process launch attempt.
func (p *PrometheusCollector) RecordSpawn(success bool) {
	p.ensureRegistered()
	p.spawns.WithLabelValues(result(success)).Inc()
}

// RecordJoinWait observes the join wait duration.
func (p *PrometheusCollector) RecordJoinWait(duration float64, success bool) {
	p.ensureRegistered()
	p.joinWait.WithLabelValues(result(success)).Observe(duration)
}

// RecordCycleDuration observes a full cycle duration.
func (p *PrometheusCollector) RecordCycleDuration(duration float64) {
	p.ensureRegistered()
	p.cycleDuration.Observe(duration)
}

// RecordPeers sets the peer count gauge.
func (p *PrometheusCollector) RecordPeers(count int) {
	p.ensureRegistered()
	p.peers.Set(float64(count))
}

// RecordBinMoves observes the moves of one rebalance.
func (p *PrometheusCollector) RecordBinMoves(count int) {
	p.ensureRegistered()
	p.binMoves.Observe(float64(count))
	p.binMovesSum.Add(float64(count))
}

// RecordBinImbalance sets the load spread gauge.
func (p *PrometheusCollector) RecordBinImbalance(spread int) {
	p.ensureRegistered()
	p.binImbalance.Set(float64(spread))
}

// RecordControlBatchPublished counts a published batch and observes its size.
func (p *PrometheusCollector) RecordControlBatchPublished(kind string, size int) {
	p.ensureRegistered()
	p.batchesPublished.WithLabelValues(kind).Inc()
	p.batchSize.Observe(float64(size))
}

// RecordControlBatchApplied counts an applied batch.
func (p *PrometheusCollector) RecordControlBatchApplied(_ /* size */ int) {
	p.ensureRegistered()
	p.batchesApplied.Inc()
}

// RecordControlRejected counts a rejected control.
func (p *PrometheusCollector) RecordControlRejected(reason string) {
	p.ensureRegistered()
	p.controlRejected.WithLabelValues(reason).Inc()
}

// RecordVerification counts a comparison outcome.
func (p *PrometheusCollector) RecordVerification(records int, success bool) {
	p.ensureRegistered()
	label := "match"
	if !success {
		label = "mismatch"
	}
	p.verifications.WithLabelValues(label).Inc()
	p.verifiedRecords.Add(float64(records))
}

// RecordVerifierPending sets the pending timestamps gauge.
func (p *PrometheusCollector) RecordVerifierPending(count int) {
	p.ensureRegistered()
	p.verifierPending.Set(float64(count))
}

// RecordHeartbeat counts a heartbeat publish attempt.
func (p *PrometheusCollector) RecordHeartbeat(worker types.WorkerIndex, success bool) {
	p.ensureRegistered()
	p.heartbeats.WithLabelValues(strconv.Itoa(int(worker)), result(success)).Inc()
}
