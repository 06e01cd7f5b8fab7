package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// It satisfies the MetricsSink interfaces of the scheduler, worker pool,
// dispatcher and reconciler.
type Sink interface {
	// Scheduler metrics
	WakeCompleted(duration time.Duration, fired int)
	FireDelay(delay time.Duration)
	RunSkipped(reason string)
	RunsCoalesced(count int)
	TriggersActive(count int)
	PersistError()

	// Worker pool metrics
	QueueCapacitySet(capacity int)
	QueueDepthUpdate(depth int)
	WorkersBusyIncr()
	WorkersBusyDecr()
	SubmitRejected()

	// Dispatcher metrics
	DispatchCompleted(outcome string, duration time.Duration)
	DispatchInFlightIncr()
	DispatchInFlightDecr()
	CircuitStateChanged(destination, state string)

	// Reconciler metrics
	ReconcileCompleted(patched, removed, missingTriggers int)

	// HTTP metrics
	HTTPRequestObserved(route, method string, status int, duration time.Duration)
}
