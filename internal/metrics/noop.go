package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) WakeCompleted(duration time.Duration, fired int)                      {}
func (n *NoopSink) FireDelay(delay time.Duration)                                        {}
func (n *NoopSink) RunSkipped(reason string)                                             {}
func (n *NoopSink) RunsCoalesced(count int)                                              {}
func (n *NoopSink) TriggersActive(count int)                                             {}
func (n *NoopSink) PersistError()                                                        {}
func (n *NoopSink) QueueCapacitySet(capacity int)                                        {}
func (n *NoopSink) QueueDepthUpdate(depth int)                                           {}
func (n *NoopSink) WorkersBusyIncr()                                                     {}
func (n *NoopSink) WorkersBusyDecr()                                                     {}
func (n *NoopSink) SubmitRejected()                                                      {}
func (n *NoopSink) DispatchCompleted(outcome string, duration time.Duration)             {}
func (n *NoopSink) DispatchInFlightIncr()                                                {}
func (n *NoopSink) DispatchInFlightDecr()                                                {}
func (n *NoopSink) CircuitStateChanged(destination, state string)                        {}
func (n *NoopSink) ReconcileCompleted(patched, removed, missingTriggers int)             {}
func (n *NoopSink) HTTPRequestObserved(route, method string, status int, d time.Duration) {}

var _ Sink = (*NoopSink)(nil)
