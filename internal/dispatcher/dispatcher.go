// Package dispatcher is the callback run by the worker pool every time a
// trigger fires. It records the fire in the job's execution log, publishes
// the job to the downstream queue and stamps the job's last run time.
//
// Dispatch never retries and never returns an error to the scheduler:
// failures are logged as *DispatchError.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/cronqueue/internal/domain"
)

// Dispatch stages reported in DispatchError and metrics.
const (
	StageJobLog  = "job_log"
	StageCircuit = "circuit"
	StagePublish = "publish"
	StageLastRun = "last_run"
	StagePanic   = "panic"
)

// Outcomes reported to MetricsSink.DispatchCompleted.
const (
	OutcomeSuccess      = "success"
	OutcomeCircuitOpen  = "circuit_open"
	OutcomePublishError = "publish_error"
	OutcomeLastRunError = "last_run_error"
	OutcomePanic        = "panic"
)

// DefaultStoreTimeout bounds the last-run update.
const DefaultStoreTimeout = 5 * time.Second

type Store interface {
	UpdateLastRun(ctx context.Context, id int64, ts time.Time) error
}

// Publisher hands a fired job to the downstream queue.
type Publisher interface {
	Publish(ctx context.Context, msg domain.Message) error
	// Target identifies the destination for circuit breaking and logs.
	Target() string
}

type JobLogs interface {
	Logger(name string) (zerolog.Logger, error)
}

type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

type AnalyticsSink interface {
	Record(ctx context.Context, name string, firedAt time.Time)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DispatchCompleted(outcome string, duration time.Duration)
	DispatchInFlightIncr()
	DispatchInFlightDecr()
}

// DispatchError describes a failed dispatch of one fire.
type DispatchError struct {
	Stage           string
	Name            string
	JobDefinitionID *int64
	Err             error
}

func (e *DispatchError) Error() string {
	id := "<nil>"
	if e.JobDefinitionID != nil {
		id = fmt.Sprint(*e.JobDefinitionID)
	}
	return fmt.Sprintf("dispatch job=%q id=%s stage=%s: %v", e.Name, id, e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

type Dispatcher struct {
	store        Store
	publisher    Publisher
	logs         JobLogs
	breaker      Breaker       // optional, nil = disabled
	analytics    AnalyticsSink // optional, nil = disabled
	metrics      MetricsSink   // optional, nil = disabled
	storeTimeout time.Duration
	clock        func() time.Time
}

func New(store Store, publisher Publisher, logs JobLogs) *Dispatcher {
	return &Dispatcher{
		store:        store,
		publisher:    publisher,
		logs:         logs,
		storeTimeout: DefaultStoreTimeout,
		clock:        time.Now,
	}
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithStoreTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.storeTimeout = timeout
	}
	return d
}

// Dispatch handles one fire. Its signature matches scheduler.Callback.
func (d *Dispatcher) Dispatch(ctx context.Context, args domain.CallbackArgs) {
	start := d.clock()
	outcome := OutcomePanic

	if d.metrics != nil {
		d.metrics.DispatchInFlightIncr()
		defer d.metrics.DispatchInFlightDecr()
	}
	defer func() {
		if r := recover(); r != nil {
			d.report(&DispatchError{
				Stage:           StagePanic,
				Name:            args.Name,
				JobDefinitionID: args.JobDefinitionID,
				Err:             fmt.Errorf("%v", r),
			})
		}
		if d.metrics != nil {
			d.metrics.DispatchCompleted(outcome, d.clock().Sub(start))
		}
	}()

	outcome = d.dispatch(ctx, args, start)
}

func (d *Dispatcher) dispatch(ctx context.Context, args domain.CallbackArgs, firedAt time.Time) string {
	fail := func(stage string, err error) {
		d.report(&DispatchError{Stage: stage, Name: args.Name, JobDefinitionID: args.JobDefinitionID, Err: err})
	}

	fields := args.Fields()
	d.writeJobLog(args.Name, fields, fail)

	target := d.publisher.Target()
	if d.breaker != nil {
		if err := d.breaker.Allow(target); err != nil {
			fail(StageCircuit, fmt.Errorf("%s: %w", target, err))
			return OutcomeCircuitOpen
		}
	}

	msg := domain.Message{
		JobDefinitionID: args.JobDefinitionID,
		Name:            args.Name,
		Parameters:      fields,
		FiredAt:         firedAt.UTC(),
	}
	if err := d.publisher.Publish(ctx, msg); err != nil {
		if d.breaker != nil {
			d.breaker.RecordFailure(target)
		}
		fail(StagePublish, err)
		return OutcomePublishError
	}
	if d.breaker != nil {
		d.breaker.RecordSuccess(target)
	}

	if d.analytics != nil {
		d.analytics.Record(ctx, args.Name, firedAt)
	}

	if args.JobDefinitionID == nil {
		// Not yet linked to a job row; the reconciler patches it.
		log.Printf("dispatcher: job=%q published without job definition id", args.Name)
		return OutcomeSuccess
	}

	storeCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	if err := d.store.UpdateLastRun(storeCtx, *args.JobDefinitionID, firedAt.UTC()); err != nil {
		fail(StageLastRun, err)
		return OutcomeLastRunError
	}

	return OutcomeSuccess
}

func (d *Dispatcher) writeJobLog(name string, fields map[string]any, fail func(string, error)) {
	logger, err := d.logs.Logger(name)
	if err != nil {
		fail(StageJobLog, err)
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		fail(StageJobLog, fmt.Errorf("encode parameters: %w", err))
		return
	}
	logger.Info().Msgf("Job queued with parameters: %s", payload)
}

func (d *Dispatcher) report(err *DispatchError) {
	log.Printf("dispatcher: %v", err)
}
