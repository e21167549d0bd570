package designflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus counters for pipeline activity. All methods are
// nil-safe so instrumentation stays optional.
type Metrics struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsFailed    prometheus.Counter
	sessionsPaused    prometheus.Counter
	stageRetries      *prometheus.CounterVec
	stageFailures     *prometheus.CounterVec
	decisionsResolved *prometheus.CounterVec
	checkpoints       prometheus.Counter
}

// NewMetrics creates and registers pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "sessions_started_total",
			Help:      "Total number of pipeline sessions started",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "sessions_completed_total",
			Help:      "Total number of pipeline sessions completed",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "sessions_failed_total",
			Help:      "Total number of pipeline sessions failed",
		}),
		sessionsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "sessions_paused_total",
			Help:      "Total number of pause transitions",
		}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "stage_retries_total",
			Help:      "Total number of stage operation retries",
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "stage_failures_total",
			Help:      "Total number of unrecovered stage failures by recovery action",
		}, []string{"stage", "action"}),
		decisionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "decisions_resolved_total",
			Help:      "Total number of decisions resolved by method",
		}, []string{"method"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "designflow",
			Name:      "checkpoints_created_total",
			Help:      "Total number of checkpoints created",
		}),
	}
	collectors := []prometheus.Collector{
		m.sessionsStarted, m.sessionsCompleted, m.sessionsFailed, m.sessionsPaused,
		m.stageRetries, m.stageFailures, m.decisionsResolved, m.checkpoints,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

func (m *Metrics) SessionCompleted() {
	if m != nil {
		m.sessionsCompleted.Inc()
	}
}

func (m *Metrics) SessionFailed() {
	if m != nil {
		m.sessionsFailed.Inc()
	}
}

func (m *Metrics) SessionPaused() {
	if m != nil {
		m.sessionsPaused.Inc()
	}
}

func (m *Metrics) StageRetries(stage Stage, retries int) {
	if m != nil && retries > 0 {
		m.stageRetries.WithLabelValues(string(stage)).Add(float64(retries))
	}
}

func (m *Metrics) StageFailure(stage Stage, action string) {
	if m != nil {
		m.stageFailures.WithLabelValues(string(stage), action).Inc()
	}
}

func (m *Metrics) DecisionResolved(method string) {
	if m != nil {
		m.decisionsResolved.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) CheckpointCreated() {
	if m != nil {
		m.checkpoints.Inc()
	}
}
