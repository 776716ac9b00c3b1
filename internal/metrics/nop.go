// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/arloliu/rescale/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Example:
//
//	node, _ := rescale.NewNode(&cfg, conn, rescale.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// OrchestratorMetrics implementation

// RecordPhaseTransition discards the phase transition metric.
func (n *NopMetrics) RecordPhaseTransition(_ /* from */, _ /* to */ types.Phase) {}

// RecordSpawn discards the spawn metric.
func (n *NopMetrics) RecordSpawn(_ /* success */ bool) {}

// RecordJoinWait discards the join wait metric.
func (n *NopMetrics) RecordJoinWait(_ /* duration */ float64, _ /* success */ bool) {}

// RecordCycleDuration discards the cycle duration metric.
func (n *NopMetrics) RecordCycleDuration(_ /* duration */ float64) {}

// RecordPeers discards the peer count metric.
func (n *NopMetrics) RecordPeers(_ /* count */ int) {}

// BalancerMetrics implementation

// RecordBinMoves discards the bin move metric.
func (n *NopMetrics) RecordBinMoves(_ /* count */ int) {}

// RecordBinImbalance discards the imbalance metric.
func (n *NopMetrics) RecordBinImbalance(_ /* spread */ int) {}

// ControlMetrics implementation

// RecordControlBatchPublished discards the published batch metric.
func (n *NopMetrics) RecordControlBatchPublished(_ /* kind */ string, _ /* size */ int) {}

// RecordControlBatchApplied discards the applied batch metric.
func (n *NopMetrics) RecordControlBatchApplied(_ /* size */ int) {}

// RecordControlRejected discards the rejected control metric.
func (n *NopMetrics) RecordControlRejected(_ /* reason */ string) {}

// VerifierMetrics implementation

// RecordVerification discards the verification metric.
func (n *NopMetrics) RecordVerification(_ /* records */ int, _ /* success */ bool) {}

// RecordVerifierPending discards the pending timestamps metric.
func (n *NopMetrics) RecordVerifierPending(_ /* count */ int) {}

// HeartbeatMetrics implementation

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ /* worker */ types.WorkerIndex, _ /* success */ bool) {}
