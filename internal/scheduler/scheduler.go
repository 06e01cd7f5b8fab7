// Package scheduler owns every live trigger in the process.
//
// A single timer goroutine decides which triggers are due; their callbacks
// run on an Executor (the bounded worker pool). The timer goroutine never
// performs I/O: trigger state changes produced by firing are handed to a
// persister goroutine that writes the latest state of each trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/cronqueue/internal/domain"
	"github.com/djlord-it/cronqueue/internal/workerpool"
)

var (
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrDuplicateTrigger = errors.New("trigger already exists")
	ErrUnknownCallback  = errors.New("unknown callback")
	ErrAlreadyRunning   = errors.New("scheduler already running")
)

// TriggerStore is the scheduler-owned persistence space.
type TriggerStore interface {
	LoadTriggers(ctx context.Context) ([]TriggerRecord, error)
	// AddTrigger returns ErrDuplicateTrigger if the id is taken.
	AddTrigger(ctx context.Context, rec TriggerRecord) error
	// UpdateTrigger and RemoveTrigger return ErrTriggerNotFound for unknown ids.
	UpdateTrigger(ctx context.Context, rec TriggerRecord) error
	RemoveTrigger(ctx context.Context, id string) error
}

type CronParser interface {
	Parse(expression string, timezone string) (CronSchedule, error)
}

type CronSchedule interface {
	Next(after time.Time) time.Time
	String() string
}

// Executor runs fired callbacks off the timer goroutine.
// Submit must not block and must not run the task inline.
type Executor interface {
	Start()
	Submit(task workerpool.Task) error
	Shutdown()
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	WakeCompleted(duration time.Duration, fired int)
	FireDelay(delay time.Duration)
	RunSkipped(reason string)
	RunsCoalesced(count int)
	TriggersActive(count int)
	PersistError()
}

// Skip reasons reported to MetricsSink.RunSkipped.
const (
	SkipMaxInstances  = "max_instances"
	SkipPoolSaturated = "pool_saturated"
)

// Callback is invoked on a pool worker every time a trigger fires.
type Callback func(ctx context.Context, args domain.CallbackArgs)

// TriggerRecord is the persisted form of a trigger. The callback is stored
// by its registered name.
type TriggerRecord struct {
	ID                string
	Name              string
	Expression        string
	Callback          string
	Args              domain.CallbackArgs
	NextFireAt        time.Time
	Coalesce          bool
	MaxConcurrentRuns int
	CreatedAt         time.Time
}

// Trigger is a snapshot of a live trigger.
type Trigger struct {
	ID                string
	Name              string
	Expression        string
	Callback          string
	Schedule          CronSchedule
	Args              domain.CallbackArgs
	NextFireAt        time.Time
	Coalesce          bool
	MaxConcurrentRuns int
	CreatedAt         time.Time
}

func (t *Trigger) record() TriggerRecord {
	return TriggerRecord{
		ID:                t.ID,
		Name:              t.Name,
		Expression:        t.Expression,
		Callback:          t.Callback,
		Args:              t.Args,
		NextFireAt:        t.NextFireAt,
		Coalesce:          t.Coalesce,
		MaxConcurrentRuns: t.MaxConcurrentRuns,
		CreatedAt:         t.CreatedAt,
	}
}

// ScheduleRequest describes a trigger to register.
type ScheduleRequest struct {
	// ID is optional; a UUID is generated when empty.
	ID         string
	Expression string
	Callback   string
	Args       domain.CallbackArgs
	// Coalesce defaults to true when nil.
	Coalesce *bool
	// MaxConcurrentRuns defaults to 1 when <= 0.
	MaxConcurrentRuns int
}

type Config struct {
	// Timezone the cron expressions are evaluated in. Defaults to UTC.
	Timezone string
	// MaxWait caps how long the timer goroutine sleeps between checks.
	MaxWait time.Duration
	// PersistTimeout bounds each trigger store write made by the persister.
	PersistTimeout time.Duration
}

const (
	defaultMaxWait        = time.Minute
	defaultPersistTimeout = 5 * time.Second

	// maxCatchUp bounds how many missed occurrences are computed per trigger
	// per wake-up.
	maxCatchUp = 1000
)

type Engine struct {
	config  Config
	store   TriggerStore
	parser  CronParser
	pool    Executor
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	newID   func() string

	mu        sync.Mutex
	triggers  map[string]*Trigger
	running   map[string]int
	callbacks map[string]Callback
	started   bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	flushDone chan struct{}

	wake chan struct{}

	// storeMu serializes trigger store writes so a persisted record is
	// never older than one already written for the same trigger.
	storeMu sync.Mutex

	pendingMu     sync.Mutex
	pending       map[string]struct{}
	persistSignal chan struct{}
}

func New(config Config, store TriggerStore, parser CronParser, pool Executor) *Engine {
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaultMaxWait
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaultPersistTimeout
	}
	return &Engine{
		config:        config,
		store:         store,
		parser:        parser,
		pool:          pool,
		clock:         time.Now,
		newID:         func() string { return uuid.New().String() },
		triggers:      make(map[string]*Trigger),
		running:       make(map[string]int),
		callbacks:     make(map[string]Callback),
		wake:          make(chan struct{}, 1),
		pending:       make(map[string]struct{}),
		persistSignal: make(chan struct{}, 1),
	}
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

// RegisterCallback makes fn available to triggers under name. Callbacks must
// be registered before Start so persisted triggers can be resolved.
func (e *Engine) RegisterCallback(name string, fn Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks[name] = fn
}

// Start loads persisted triggers, resumes them from their persisted next
// fire time and starts the timer goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	records, err := e.store.LoadTriggers(ctx)
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}

	now := e.clock().UTC()
	restored := 0

	e.mu.Lock()
	for _, rec := range records {
		if _, ok := e.triggers[rec.ID]; ok {
			continue
		}
		if _, ok := e.callbacks[rec.Callback]; !ok {
			log.Printf("scheduler: skipping trigger %s: callback %q not registered", rec.ID, rec.Callback)
			continue
		}
		sched, err := e.parser.Parse(rec.Expression, e.config.Timezone)
		if err != nil {
			log.Printf("scheduler: skipping trigger %s: %v", rec.ID, err)
			continue
		}
		trig := &Trigger{
			ID:                rec.ID,
			Name:              rec.Name,
			Expression:        rec.Expression,
			Callback:          rec.Callback,
			Schedule:          sched,
			Args:              rec.Args,
			NextFireAt:        rec.NextFireAt.UTC(),
			Coalesce:          rec.Coalesce,
			MaxConcurrentRuns: normalizeMaxRuns(rec.MaxConcurrentRuns),
			CreatedAt:         rec.CreatedAt,
		}
		if trig.NextFireAt.IsZero() {
			trig.NextFireAt = sched.Next(now)
		}
		e.triggers[trig.ID] = trig
		restored++
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.flushDone = make(chan struct{})
	e.started = true
	active := len(e.triggers)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TriggersActive(active)
	}

	e.pool.Start()
	go e.runPersister(loopCtx)
	go e.run(loopCtx)

	log.Printf("scheduler: started, restored %d of %d persisted triggers", restored, len(records))
	return nil
}

// Stop halts the timer goroutine and flushes pending trigger state. Jobs
// already handed to the pool finish on their own; Stop does not wait for them.
// A stopped engine may be started again; Start reopens the pool.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, loopDone, flushDone := e.cancel, e.loopDone, e.flushDone
	e.mu.Unlock()

	cancel()
	<-loopDone
	<-flushDone
	e.pool.Shutdown()
	log.Println("scheduler: stopped")
}

// Schedule registers and persists a new trigger and computes its first fire time.
func (e *Engine) Schedule(ctx context.Context, req ScheduleRequest) (Trigger, error) {
	e.mu.Lock()
	_, known := e.callbacks[req.Callback]
	_, taken := e.triggers[req.ID]
	e.mu.Unlock()
	if !known {
		return Trigger{}, fmt.Errorf("%w: %q", ErrUnknownCallback, req.Callback)
	}
	if req.ID != "" && taken {
		return Trigger{}, fmt.Errorf("%w: %s", ErrDuplicateTrigger, req.ID)
	}

	sched, err := e.parser.Parse(req.Expression, e.config.Timezone)
	if err != nil {
		return Trigger{}, err
	}

	id := req.ID
	if id == "" {
		id = e.newID()
	}
	coalesce := true
	if req.Coalesce != nil {
		coalesce = *req.Coalesce
	}

	now := e.clock().UTC()
	trig := &Trigger{
		ID:                id,
		Name:              req.Args.Name,
		Expression:        req.Expression,
		Callback:          req.Callback,
		Schedule:          sched,
		Args:              req.Args,
		NextFireAt:        sched.Next(now),
		Coalesce:          coalesce,
		MaxConcurrentRuns: normalizeMaxRuns(req.MaxConcurrentRuns),
		CreatedAt:         now,
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	if err := e.store.AddTrigger(ctx, trig.record()); err != nil {
		return Trigger{}, fmt.Errorf("persist trigger: %w", err)
	}

	e.mu.Lock()
	if _, exists := e.triggers[id]; exists {
		e.mu.Unlock()
		return Trigger{}, fmt.Errorf("%w: %s", ErrDuplicateTrigger, id)
	}
	e.triggers[id] = trig
	snapshot := *trig
	active := len(e.triggers)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TriggersActive(active)
	}
	e.notify()

	log.Printf("scheduler: scheduled trigger=%s name=%q next=%s", id, trig.Name, trig.NextFireAt.Format(time.RFC3339))
	return snapshot, nil
}

// ReviseArgs replaces the callback arguments of a live trigger without
// touching its schedule.
func (e *Engine) ReviseArgs(ctx context.Context, id string, args domain.CallbackArgs) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	e.mu.Lock()
	trig, ok := e.triggers[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	rec := trig.record()
	e.mu.Unlock()

	rec.Args = args
	if err := e.store.UpdateTrigger(ctx, rec); err != nil {
		return fmt.Errorf("persist trigger args: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	trig, ok = e.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	trig.Args = args
	return nil
}

// RemoveTrigger deletes a trigger from memory and from the trigger store.
// Runs already handed to the pool are not interrupted.
func (e *Engine) RemoveTrigger(ctx context.Context, id string) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	e.mu.Lock()
	_, ok := e.triggers[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}

	if err := e.store.RemoveTrigger(ctx, id); err != nil && !errors.Is(err, ErrTriggerNotFound) {
		return fmt.Errorf("remove trigger: %w", err)
	}

	e.mu.Lock()
	delete(e.triggers, id)
	active := len(e.triggers)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TriggersActive(active)
	}
	e.notify()

	log.Printf("scheduler: removed trigger=%s", id)
	return nil
}

// ListTriggers returns a snapshot of every live trigger ordered by next fire time.
func (e *Engine) ListTriggers() []Trigger {
	e.mu.Lock()
	result := make([]Trigger, 0, len(e.triggers))
	for _, trig := range e.triggers {
		result = append(result, *trig)
	}
	e.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextFireAt.Equal(result[j].NextFireAt) {
			return result[i].NextFireAt.Before(result[j].NextFireAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (e *Engine) GetTrigger(id string) (Trigger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	trig, ok := e.triggers[id]
	if !ok {
		return Trigger{}, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	return *trig, nil
}

// Running reports how many invocations of the trigger are in flight.
func (e *Engine) Running(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[id]
}

// notify wakes the timer goroutine without blocking.
func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func normalizeMaxRuns(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
