package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"puddlejobs/internal/domain"
	logx "puddlejobs/pkg/logx"
)

// PrometheusSink implements Sink with client_golang collectors.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	log logx.Logger

	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	executionsRunning  prometheus.Gauge
	contextsOpen       prometheus.Gauge

	triggersFired      prometheus.Counter
	firingsDropped     *prometheus.CounterVec
	triggersRegistered prometheus.Gauge

	reconcileOps *prometheus.CounterVec
}

var _ Sink = (*PrometheusSink)(nil)

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &PrometheusSink{log: log.With(logx.String("comp", "metrics"))}
	s.initExecutionMetrics(reg)
	s.initSchedulerMetrics(reg)
	return s
}

func (s *PrometheusSink) initExecutionMetrics(reg prometheus.Registerer) {
	s.executionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puddlejobs_executions_started_total",
		Help: "Total number of firings that opened an execution record.",
	})
	s.executionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "puddlejobs_executions_finished_total",
		Help: "Total number of closed execution records by terminal status.",
	}, []string{"status"})
	s.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puddlejobs_execution_duration_seconds",
		Help:    "Wall time from record open to record close.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	}, []string{"status"})
	s.executionsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puddlejobs_executions_running",
		Help: "Number of executions currently running.",
	})
	s.contextsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puddlejobs_plugin_contexts_open",
		Help: "Number of plugin contexts opened and not yet closed.",
	})

	s.register(reg, s.executionsStarted, "puddlejobs_executions_started_total")
	s.register(reg, s.executionsFinished, "puddlejobs_executions_finished_total")
	s.register(reg, s.executionDuration, "puddlejobs_execution_duration_seconds")
	s.register(reg, s.executionsRunning, "puddlejobs_executions_running")
	s.register(reg, s.contextsOpen, "puddlejobs_plugin_contexts_open")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.triggersFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puddlejobs_scheduler_triggers_fired_total",
		Help: "Total number of trigger firings handed to the worker pool.",
	})
	s.firingsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "puddlejobs_scheduler_firings_dropped_total",
		Help: "Total number of firings the worker pool refused.",
	}, []string{"reason"})
	s.triggersRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puddlejobs_scheduler_triggers_registered",
		Help: "Number of triggers currently registered with the scheduler.",
	})
	s.reconcileOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "puddlejobs_reconciler_operations_total",
		Help: "Reconciler operations by kind and outcome.",
	}, []string{"op", "outcome"})

	s.register(reg, s.triggersFired, "puddlejobs_scheduler_triggers_fired_total")
	s.register(reg, s.firingsDropped, "puddlejobs_scheduler_firings_dropped_total")
	s.register(reg, s.triggersRegistered, "puddlejobs_scheduler_triggers_registered")
	s.register(reg, s.reconcileOps, "puddlejobs_reconciler_operations_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		s.log.Warn("metric registration failed", logx.String("metric", name), logx.Err(err))
	}
}

func (s *PrometheusSink) ExecutionStarted(int64) {
	s.executionsStarted.Inc()
	s.executionsRunning.Inc()
}

// Job ids are not used as labels; they are unbounded.
func (s *PrometheusSink) ExecutionFinished(_ int64, status domain.Status, d time.Duration) {
	s.executionsRunning.Dec()
	s.executionsFinished.WithLabelValues(string(status)).Inc()
	s.executionDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (s *PrometheusSink) PluginContextsOpen(delta int) { s.contextsOpen.Add(float64(delta)) }

func (s *PrometheusSink) TriggerFired() { s.triggersFired.Inc() }

func (s *PrometheusSink) FiringDropped(reason string) {
	s.firingsDropped.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) TriggersRegistered(count int) {
	s.triggersRegistered.Set(float64(count))
}

func (s *PrometheusSink) ReconcileCompleted(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.reconcileOps.WithLabelValues(op, outcome).Inc()
}
