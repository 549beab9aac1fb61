// Package metrics defines the metrics surface used by the engine and its
// hosts, with a Prometheus-backed implementation and a no-op for tests.
package metrics

// Recorder defines the interface for collecting engine metrics.
// Names are dotted ("avs.tasks.created"); implementations map them to their
// own naming scheme.
type Recorder interface {
	// IncrementCounter increases a counter metric by a given value.
	IncrementCounter(name string, tags map[string]string, value float64)
	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, tags map[string]string, value float64)
	// SetGauge sets a gauge metric to a specific value.
	SetGauge(name string, tags map[string]string, value float64)
}

// Metric names emitted by the coordinator and the Temporal host.
const (
	OperatorsRegistered = "avs.operators.registered"
	OperatorsEligible   = "avs.operators.eligible"
	TasksCreated        = "avs.tasks.created"
	TasksPending        = "avs.tasks.pending"
	TasksFinalized      = "avs.tasks.finalized"
	TasksExpired        = "avs.tasks.expired"
	SubmissionsAccepted = "avs.submissions.accepted"
	RequestsRejected    = "avs.requests.rejected"
	ConsensusAgreement  = "avs.consensus.agreement_ratio"
	EventsDropped       = "avs.events.dropped"
	ActivityDuration    = "avs.activity.duration_seconds"
	RateLimited         = "avs.requests.rate_limited"
)

// NoOp discards all metrics.
type NoOp struct{}

// NewNoOp creates a recorder that discards all data.
func NewNoOp() *NoOp { return &NoOp{} }

func (NoOp) IncrementCounter(_ string, _ map[string]string, _ float64) {}

func (NoOp) RecordHistogram(_ string, _ map[string]string, _ float64) {}

func (NoOp) SetGauge(_ string, _ map[string]string, _ float64) {}
