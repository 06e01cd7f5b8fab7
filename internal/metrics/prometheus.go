package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	wakesTotal         prometheus.Counter
	firesTotal         prometheus.Counter
	wakeDuration       prometheus.Histogram
	fireDelay          prometheus.Histogram
	runsSkippedTotal   *prometheus.CounterVec
	runsCoalescedTotal prometheus.Counter
	triggersActive     prometheus.Gauge
	persistErrorsTotal prometheus.Counter

	// Worker pool metrics
	queueCapacity       prometheus.Gauge
	queueDepth          prometheus.Gauge
	workersBusy         prometheus.Gauge
	submitRejectedTotal prometheus.Counter

	// Dispatcher metrics
	dispatchOutcomesTotal *prometheus.CounterVec
	dispatchDuration      prometheus.Histogram
	dispatchInFlight      prometheus.Gauge
	circuitState          *prometheus.GaugeVec

	// Reconciler metrics
	reconcileCyclesTotal  prometheus.Counter
	reconcileActionsTotal *prometheus.CounterVec
	missingTriggers       prometheus.Gauge

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initPoolMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initHTTPMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.wakesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronqueue_scheduler_wakes_total",
		Help: "Total number of scheduler loop wake-ups.",
	})
	s.firesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronqueue_scheduler_fires_total",
		Help: "Total number of trigger fires handed to the worker pool.",
	})
	s.wakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cronqueue_scheduler_wake_duration_seconds",
		Help:    "Time spent processing due triggers per wake-up in seconds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
	s.fireDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cronqueue_scheduler_fire_delay_seconds",
		Help:    "Delay between a scheduled fire time and its hand-off to the pool in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300},
	})
	s.runsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronqueue_scheduler_runs_skipped_total",
		Help: "Total number of occurrences that were not run.",
	}, []string{"reason"})
	s.runsCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronqueue_scheduler_runs_coalesced_total",
		Help: "Total number of missed occurrences collapsed into a single fire.",
	})
	s.triggersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronqueue_scheduler_triggers_active",
		Help: "Number of live triggers.",
	})
	s.persistErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronqueue_scheduler_persist_errors_total",
		Help: "Total number of failed trigger state writes.",
	})

	s.register(reg, s.wakesTotal, "cronqueue_scheduler_wakes_total")
	s.register(reg, s.firesTotal, "cronqueue_scheduler_fires_total")
	s.register(reg, s.wakeDuration, "cronqueue_scheduler_wake_duration_seconds")
	s.register(reg, s.fireDelay, "cronqueue_scheduler_fire_delay_seconds")
	s.register(reg, s.runsSkippedTotal, "cronqueue_scheduler_runs_skipped_total")
	s.register(reg, s.runsCoalescedTotal, "cronqueue_scheduler_runs_coalesced_total")
	s.register(reg, s.triggersActive, "cronqueue_scheduler_triggers_active")
	s.register(reg, s.persistErrorsTotal, "cronqueue_scheduler_persist_errors_total")
}

func (s *PrometheusSink) initPoolMetrics(reg prometheus.Registerer) {
	s.queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronqueue_workerpool_queue_capacity",
		Help: "Capacity of the worker pool queue.",
	})
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronqueue_workerpool_queue_depth",
		Help: "Current number of tasks waiting for a worker.",
	})
	s.workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronqueue_workerpool_workers_busy",
		Help: "Number of workers currently running a task.",
	})
	s.submitRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronqueue_workerpool_submit_rejected_total",
		Help: "Total number of tasks rejected because the pool was saturated or closed.",
	})

	s.register(reg, s.queueCapacity, "cronqueue_workerpool_queue_capacity")
	s.register(reg, s.queueDepth, "cronqueue_workerpool_queue_depth")
	s.register(reg, s.workersBusy, "cronqueue_workerpool_workers_busy")
	s.register(reg, s.submitRejectedTotal, "cronqueue_workerpool_submit_rejected_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.dispatchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronqueue_dispatcher_outcomes_total",
		Help: "Total number of dispatches by outcome.",
	}, []string{"outcome"})
	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cronqueue_dispatcher_duration_seconds",
		Help:    "Duration of a dispatch including publish and last-run update in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
	s.dispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronqueue_dispatcher_in_flight",
		Help: "Number of dispatches currently running.",
	})
	s.circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cronqueue_dispatcher_circuit_open",
		Help: "1 when the circuit for a destination is open or half-open, 0 when closed.",
	}, []string{"destination"})

	s.register(reg, s.dispatchOutcomesTotal, "cronqueue_dispatcher_outcomes_total")
	s.register(reg, s.dispatchDuration, "cronqueue_dispatcher_duration_seconds")
	s.register(reg, s.dispatchInFlight, "cronqueue_dispatcher_in_flight")
	s.register(reg, s.circuitState, "cronqueue_dispatcher_circuit_open")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cronqueue_reconciler_cycles_total",
		Help: "Total number of reconciliation cycles completed.",
	})
	s.reconcileActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronqueue_reconciler_actions_total",
		Help: "Total number of repairs by action.",
	}, []string{"action"})
	s.missingTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronqueue_reconciler_jobs_missing_trigger",
		Help: "Job rows without a live trigger found by the last cycle.",
	})

	s.register(reg, s.reconcileCyclesTotal, "cronqueue_reconciler_cycles_total")
	s.register(reg, s.reconcileActionsTotal, "cronqueue_reconciler_actions_total")
	s.register(reg, s.missingTriggers, "cronqueue_reconciler_jobs_missing_trigger")
}

func (s *PrometheusSink) initHTTPMetrics(reg prometheus.Registerer) {
	s.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cronqueue_http_requests_total",
		Help: "Total number of HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
	s.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cronqueue_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	s.register(reg, s.httpRequestsTotal, "cronqueue_http_requests_total")
	s.register(reg, s.httpRequestDuration, "cronqueue_http_request_duration_seconds")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) WakeCompleted(duration time.Duration, fired int) {
	s.wakesTotal.Inc()
	s.wakeDuration.Observe(duration.Seconds())
	s.firesTotal.Add(float64(fired))
}

func (s *PrometheusSink) FireDelay(delay time.Duration) {
	d := delay.Seconds()
	if d < 0 {
		d = 0
	}
	s.fireDelay.Observe(d)
}

func (s *PrometheusSink) RunSkipped(reason string) {
	s.runsSkippedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) RunsCoalesced(count int) {
	s.runsCoalescedTotal.Add(float64(count))
}

func (s *PrometheusSink) TriggersActive(count int) {
	s.triggersActive.Set(float64(count))
}

func (s *PrometheusSink) PersistError() {
	s.persistErrorsTotal.Inc()
}

// Worker pool metrics implementation

func (s *PrometheusSink) QueueCapacitySet(capacity int) {
	s.queueCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) QueueDepthUpdate(depth int) {
	s.queueDepth.Set(float64(depth))
}

func (s *PrometheusSink) WorkersBusyIncr() {
	s.workersBusy.Inc()
}

func (s *PrometheusSink) WorkersBusyDecr() {
	s.workersBusy.Dec()
}

func (s *PrometheusSink) SubmitRejected() {
	s.submitRejectedTotal.Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DispatchCompleted(outcome string, duration time.Duration) {
	s.dispatchOutcomesTotal.WithLabelValues(outcome).Inc()
	s.dispatchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DispatchInFlightIncr() {
	s.dispatchInFlight.Inc()
}

func (s *PrometheusSink) DispatchInFlightDecr() {
	s.dispatchInFlight.Dec()
}

func (s *PrometheusSink) CircuitStateChanged(destination, state string) {
	v := 1.0
	if state == "closed" {
		v = 0
	}
	s.circuitState.WithLabelValues(destination).Set(v)
}

// Reconciler metrics implementation

func (s *PrometheusSink) ReconcileCompleted(patched, removed, missingTriggers int) {
	s.reconcileCyclesTotal.Inc()
	s.reconcileActionsTotal.WithLabelValues("patched").Add(float64(patched))
	s.reconcileActionsTotal.WithLabelValues("removed").Add(float64(removed))
	s.missingTriggers.Set(float64(missingTriggers))
}

// HTTP metrics implementation

func (s *PrometheusSink) HTTPRequestObserved(route, method string, status int, duration time.Duration) {
	s.httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	s.httpRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

var _ Sink = (*PrometheusSink)(nil)
