package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/djlord-it/cronqueue/internal/domain"
	"github.com/djlord-it/cronqueue/internal/testutil"
	"github.com/djlord-it/cronqueue/internal/workerpool"
)

// memTriggerStore is an in-memory TriggerStore.
type memTriggerStore struct {
	mu        sync.Mutex
	records   map[string]TriggerRecord
	addErr    error
	updateErr error
	updates   int
}

func newMemTriggerStore() *memTriggerStore {
	return &memTriggerStore{records: make(map[string]TriggerRecord)}
}

func (s *memTriggerStore) LoadTriggers(ctx context.Context) ([]TriggerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memTriggerStore) AddTrigger(ctx context.Context, rec TriggerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	if _, ok := s.records[rec.ID]; ok {
		return ErrDuplicateTrigger
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *memTriggerStore) UpdateTrigger(ctx context.Context, rec TriggerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.records[rec.ID]; !ok {
		return ErrTriggerNotFound
	}
	s.records[rec.ID] = rec
	s.updates++
	return nil
}

func (s *memTriggerStore) RemoveTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrTriggerNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *memTriggerStore) get(id string) (TriggerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// everyParser parses expressions of the form "every <duration>".
type everyParser struct{}

func (everyParser) Parse(expression string, timezone string) (CronSchedule, error) {
	every, ok := strings.CutPrefix(expression, "every ")
	if !ok {
		return nil, fmt.Errorf("bad expression %q", expression)
	}
	d, err := time.ParseDuration(every)
	if err != nil {
		return nil, fmt.Errorf("bad expression %q: %w", expression, err)
	}
	return everySchedule{step: d}, nil
}

type everySchedule struct {
	step time.Duration
}

func (s everySchedule) Next(after time.Time) time.Time {
	return after.Truncate(s.step).Add(s.step)
}

func (s everySchedule) String() string { return "every " + s.step.String() }

// queueExecutor holds submitted tasks until the test runs them.
type queueExecutor struct {
	mu        sync.Mutex
	tasks     []workerpool.Task
	submitErr error
	started   bool
	shutdown  bool
}

func (x *queueExecutor) Start() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.started = true
}

func (x *queueExecutor) Submit(task workerpool.Task) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.submitErr != nil {
		return x.submitErr
	}
	x.tasks = append(x.tasks, task)
	return nil
}

func (x *queueExecutor) Shutdown() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.shutdown = true
}

func (x *queueExecutor) submitted() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tasks)
}

// runAll executes and drops every queued task.
func (x *queueExecutor) runAll() {
	x.mu.Lock()
	tasks := x.tasks
	x.tasks = nil
	x.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

type mockMetricsSink struct {
	mu        sync.Mutex
	fired     int
	skipped   map[string]int
	coalesced int
	active    int
	persist   int
}

func newMockMetricsSink() *mockMetricsSink {
	return &mockMetricsSink{skipped: make(map[string]int)}
}

func (m *mockMetricsSink) WakeCompleted(duration time.Duration, fired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired += fired
}

func (m *mockMetricsSink) FireDelay(delay time.Duration) {}

func (m *mockMetricsSink) RunSkipped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped[reason]++
}

func (m *mockMetricsSink) RunsCoalesced(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coalesced += count
}

func (m *mockMetricsSink) TriggersActive(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = count
}

func (m *mockMetricsSink) PersistError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist++
}

type callRecorder struct {
	mu    sync.Mutex
	calls []domain.CallbackArgs
}

func (r *callRecorder) callback(ctx context.Context, args domain.CallbackArgs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
}

func (r *callRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var baseTime = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	store    *memTriggerStore
	pool     *queueExecutor
	clock    *testutil.FakeClock
	recorder *callRecorder
	metrics  *mockMetricsSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemTriggerStore(),
		pool:     &queueExecutor{},
		clock:    testutil.NewFakeClock(baseTime),
		recorder: &callRecorder{},
		metrics:  newMockMetricsSink(),
	}
	f.engine = New(Config{}, f.store, everyParser{}, f.pool).WithMetrics(f.metrics)
	f.engine.clock = f.clock.Now
	f.engine.RegisterCallback("dispatch", f.recorder.callback)
	return f
}

func (f *fixture) schedule(t *testing.T, req ScheduleRequest) Trigger {
	t.Helper()
	if req.Callback == "" {
		req.Callback = "dispatch"
	}
	if req.Expression == "" {
		req.Expression = "every 1m"
	}
	trig, err := f.engine.Schedule(context.Background(), req)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return trig
}

func boolPtr(b bool) *bool { return &b }

func TestEngine_Schedule_Defaults(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(baseTime.Add(20 * time.Second))

	trig := f.schedule(t, ScheduleRequest{
		Args: domain.CallbackArgs{Name: "nightly", Parameters: map[string]any{"k": "v"}},
	})

	if trig.ID == "" {
		t.Error("expected generated trigger id")
	}
	if !trig.Coalesce {
		t.Error("coalesce should default to true")
	}
	if trig.MaxConcurrentRuns != 1 {
		t.Errorf("MaxConcurrentRuns = %d, want 1", trig.MaxConcurrentRuns)
	}
	if want := baseTime.Add(time.Minute); !trig.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", trig.NextFireAt, want)
	}
	if trig.Name != "nightly" {
		t.Errorf("Name = %q, want nightly", trig.Name)
	}

	rec, ok := f.store.get(trig.ID)
	if !ok {
		t.Fatal("trigger was not persisted")
	}
	if diff := cmp.Diff(trig.Args, rec.Args); diff != "" {
		t.Errorf("persisted args mismatch (-want +got):\n%s", diff)
	}
	if rec.Callback != "dispatch" {
		t.Errorf("persisted callback = %q, want dispatch", rec.Callback)
	}
}

func TestEngine_Schedule_NextFireStrictlyAfterNow(t *testing.T) {
	f := newFixture(t)
	// Exactly on an occurrence boundary.
	trig := f.schedule(t, ScheduleRequest{})
	if !trig.NextFireAt.After(baseTime) {
		t.Errorf("NextFireAt = %v, want strictly after %v", trig.NextFireAt, baseTime)
	}
}

func TestEngine_Schedule_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Schedule(context.Background(), ScheduleRequest{Expression: "every 1m", Callback: "missing"})
	if !errors.Is(err, ErrUnknownCallback) {
		t.Errorf("unknown callback: err = %v, want ErrUnknownCallback", err)
	}

	_, err = f.engine.Schedule(context.Background(), ScheduleRequest{Expression: "bogus", Callback: "dispatch"})
	if err == nil {
		t.Error("expected parse error")
	}

	f.schedule(t, ScheduleRequest{ID: "fixed"})
	_, err = f.engine.Schedule(context.Background(), ScheduleRequest{ID: "fixed", Expression: "every 1m", Callback: "dispatch"})
	if !errors.Is(err, ErrDuplicateTrigger) {
		t.Errorf("duplicate id: err = %v, want ErrDuplicateTrigger", err)
	}

	if got := len(f.engine.ListTriggers()); got != 1 {
		t.Errorf("live triggers = %d, want 1", got)
	}
}

func TestEngine_Schedule_StoreFailureLeavesNothingLive(t *testing.T) {
	f := newFixture(t)
	f.store.addErr = errors.New("connection refused")

	_, err := f.engine.Schedule(context.Background(), ScheduleRequest{Expression: "every 1m", Callback: "dispatch"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := len(f.engine.ListTriggers()); got != 0 {
		t.Errorf("live triggers = %d, want 0", got)
	}
}

func TestEngine_ProcessDue_NothingDue(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{})

	f.clock.Advance(30 * time.Second)
	next := f.engine.processDue()

	if f.pool.submitted() != 0 {
		t.Errorf("submitted = %d, want 0", f.pool.submitted())
	}
	if !next.Equal(trig.NextFireAt) {
		t.Errorf("earliest = %v, want %v", next, trig.NextFireAt)
	}
}

func TestEngine_ProcessDue_FiresOnceAndAdvances(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{Args: domain.CallbackArgs{Name: "a"}})

	f.clock.Set(trig.NextFireAt.Add(5 * time.Second))
	f.engine.processDue()

	if f.pool.submitted() != 1 {
		t.Fatalf("submitted = %d, want 1", f.pool.submitted())
	}
	f.pool.runAll()
	if f.recorder.count() != 1 {
		t.Fatalf("callback calls = %d, want 1", f.recorder.count())
	}
	if f.recorder.calls[0].Name != "a" {
		t.Errorf("callback name = %q, want a", f.recorder.calls[0].Name)
	}

	got, _ := f.engine.GetTrigger(trig.ID)
	if want := trig.NextFireAt.Add(time.Minute); !got.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}

	// Same instant again: nothing new is due.
	f.engine.processDue()
	if f.pool.submitted() != 0 {
		t.Errorf("second pass submitted = %d, want 0", f.pool.submitted())
	}
}

func TestEngine_ProcessDue_CoalescesMissedOccurrences(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{})

	// Three occurrences (10:01, 10:02, 10:03) pass while the loop is stalled.
	f.clock.Set(baseTime.Add(3*time.Minute + 30*time.Second))
	f.engine.processDue()

	if f.pool.submitted() != 1 {
		t.Fatalf("submitted = %d, want exactly 1", f.pool.submitted())
	}
	if f.metrics.coalesced != 2 {
		t.Errorf("coalesced = %d, want 2", f.metrics.coalesced)
	}

	got, _ := f.engine.GetTrigger(trig.ID)
	if want := baseTime.Add(4 * time.Minute); !got.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
}

func TestEngine_ProcessDue_WithoutCoalesceFiresEachOccurrence(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, ScheduleRequest{Coalesce: boolPtr(false), MaxConcurrentRuns: 5})

	f.clock.Set(baseTime.Add(3*time.Minute + 30*time.Second))
	f.engine.processDue()

	if f.pool.submitted() != 3 {
		t.Errorf("submitted = %d, want 3", f.pool.submitted())
	}
}

func TestEngine_ProcessDue_SkipsWhileRunning(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{})

	f.clock.Set(baseTime.Add(time.Minute))
	f.engine.processDue()
	if f.pool.submitted() != 1 {
		t.Fatalf("submitted = %d, want 1", f.pool.submitted())
	}
	if got := f.engine.Running(trig.ID); got != 1 {
		t.Fatalf("Running = %d, want 1", got)
	}

	// The first run has not completed when the next occurrence is due.
	f.clock.Set(baseTime.Add(2 * time.Minute))
	f.engine.processDue()
	if f.pool.submitted() != 1 {
		t.Errorf("submitted = %d, want 1 (occurrence must be skipped)", f.pool.submitted())
	}
	if f.metrics.skipped[SkipMaxInstances] != 1 {
		t.Errorf("max_instances skips = %d, want 1", f.metrics.skipped[SkipMaxInstances])
	}
	got, _ := f.engine.GetTrigger(trig.ID)
	if want := baseTime.Add(3 * time.Minute); !got.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v (schedule must advance on skip)", got.NextFireAt, want)
	}

	f.pool.runAll()
	if got := f.engine.Running(trig.ID); got != 0 {
		t.Fatalf("Running after completion = %d, want 0", got)
	}

	f.clock.Set(baseTime.Add(3 * time.Minute))
	f.engine.processDue()
	if f.pool.submitted() != 1 {
		t.Errorf("after completion submitted = %d, want 1", f.pool.submitted())
	}
}

func TestEngine_ProcessDue_PoolSaturatedCountsAsMissed(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{})
	f.pool.submitErr = workerpool.ErrPoolSaturated

	f.clock.Set(baseTime.Add(time.Minute))
	f.engine.processDue()

	if f.metrics.skipped[SkipPoolSaturated] != 1 {
		t.Errorf("pool_saturated skips = %d, want 1", f.metrics.skipped[SkipPoolSaturated])
	}
	if got := f.engine.Running(trig.ID); got != 0 {
		t.Errorf("Running = %d, want 0 after rejected submit", got)
	}
	got, _ := f.engine.GetTrigger(trig.ID)
	if want := baseTime.Add(2 * time.Minute); !got.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
}

func TestEngine_ProcessDue_IndependentTriggers(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, ScheduleRequest{Args: domain.CallbackArgs{Name: "a"}})
	f.schedule(t, ScheduleRequest{Args: domain.CallbackArgs{Name: "b"}})
	f.schedule(t, ScheduleRequest{Expression: "every 5m", Args: domain.CallbackArgs{Name: "c"}})

	f.clock.Set(baseTime.Add(time.Minute))
	next := f.engine.processDue()

	if f.pool.submitted() != 2 {
		t.Errorf("submitted = %d, want 2", f.pool.submitted())
	}
	if want := baseTime.Add(2 * time.Minute); !next.Equal(want) {
		t.Errorf("earliest = %v, want %v", next, want)
	}
}

func TestEngine_PersistsAdvancedFireTime(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{})

	f.clock.Set(baseTime.Add(time.Minute))
	f.engine.processDue()
	f.engine.flushPending(context.Background())

	rec, ok := f.store.get(trig.ID)
	if !ok {
		t.Fatal("trigger missing from store")
	}
	if want := baseTime.Add(2 * time.Minute); !rec.NextFireAt.Equal(want) {
		t.Errorf("persisted NextFireAt = %v, want %v", rec.NextFireAt, want)
	}
}

func TestEngine_PersistErrorIsCounted(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, ScheduleRequest{})
	f.store.updateErr = errors.New("db down")

	f.clock.Set(baseTime.Add(time.Minute))
	f.engine.processDue()
	f.engine.flushPending(context.Background())

	if f.metrics.persist != 1 {
		t.Errorf("persist errors = %d, want 1", f.metrics.persist)
	}
}

func TestEngine_ReviseArgs(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{Args: domain.CallbackArgs{Name: "a"}})

	revised := trig.Args.WithJobDefinitionID(42)
	if err := f.engine.ReviseArgs(context.Background(), trig.ID, revised); err != nil {
		t.Fatalf("ReviseArgs: %v", err)
	}

	got, _ := f.engine.GetTrigger(trig.ID)
	if got.Args.JobDefinitionID == nil || *got.Args.JobDefinitionID != 42 {
		t.Errorf("live args id = %v, want 42", got.Args.JobDefinitionID)
	}
	if !got.NextFireAt.Equal(trig.NextFireAt) {
		t.Errorf("NextFireAt changed: %v -> %v", trig.NextFireAt, got.NextFireAt)
	}
	rec, _ := f.store.get(trig.ID)
	if rec.Args.JobDefinitionID == nil || *rec.Args.JobDefinitionID != 42 {
		t.Errorf("persisted args id = %v, want 42", rec.Args.JobDefinitionID)
	}

	// Fires after the revision carry the new args.
	f.clock.Set(trig.NextFireAt)
	f.engine.processDue()
	f.pool.runAll()
	if id := f.recorder.calls[0].JobDefinitionID; id == nil || *id != 42 {
		t.Errorf("callback id = %v, want 42", id)
	}
}

func TestEngine_ReviseArgs_Errors(t *testing.T) {
	f := newFixture(t)

	err := f.engine.ReviseArgs(context.Background(), "nope", domain.CallbackArgs{})
	if !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("err = %v, want ErrTriggerNotFound", err)
	}

	trig := f.schedule(t, ScheduleRequest{})
	f.store.updateErr = errors.New("db down")
	if err := f.engine.ReviseArgs(context.Background(), trig.ID, trig.Args.WithJobDefinitionID(7)); err == nil {
		t.Fatal("expected store error")
	}
	got, _ := f.engine.GetTrigger(trig.ID)
	if got.Args.JobDefinitionID != nil {
		t.Error("live args must not change when persisting fails")
	}
}

func TestEngine_RemoveTrigger(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{})

	if err := f.engine.RemoveTrigger(context.Background(), trig.ID); err != nil {
		t.Fatalf("RemoveTrigger: %v", err)
	}
	if _, err := f.engine.GetTrigger(trig.ID); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("GetTrigger after remove: err = %v", err)
	}
	if _, ok := f.store.get(trig.ID); ok {
		t.Error("trigger still persisted")
	}
	if err := f.engine.RemoveTrigger(context.Background(), trig.ID); !errors.Is(err, ErrTriggerNotFound) {
		t.Errorf("second remove: err = %v, want ErrTriggerNotFound", err)
	}

	f.clock.Set(baseTime.Add(time.Hour))
	f.engine.processDue()
	if f.pool.submitted() != 0 {
		t.Error("removed trigger fired")
	}
}

func TestEngine_ListTriggers_SortedByNextFire(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, ScheduleRequest{ID: "slow", Expression: "every 10m"})
	f.schedule(t, ScheduleRequest{ID: "fast-b", Expression: "every 1m"})
	f.schedule(t, ScheduleRequest{ID: "fast-a", Expression: "every 1m"})

	var ids []string
	for _, trig := range f.engine.ListTriggers() {
		ids = append(ids, trig.ID)
	}
	if diff := cmp.Diff([]string{"fast-a", "fast-b", "slow"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_StartRestoresAndCatchesUpOnce(t *testing.T) {
	f := newFixture(t)
	id := int64(9)
	f.store.records["persisted"] = TriggerRecord{
		ID:                "persisted",
		Name:              "nightly",
		Expression:        "every 1m",
		Callback:          "dispatch",
		Args:              domain.CallbackArgs{JobDefinitionID: &id, Name: "nightly"},
		NextFireAt:        baseTime.Add(-10 * time.Minute),
		Coalesce:          true,
		MaxConcurrentRuns: 1,
		CreatedAt:         baseTime.Add(-time.Hour),
	}
	f.store.records["orphan-callback"] = TriggerRecord{
		ID:         "orphan-callback",
		Expression: "every 1m",
		Callback:   "gone",
		NextFireAt: baseTime,
	}

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.engine.Stop()

	if err := f.engine.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: err = %v, want ErrAlreadyRunning", err)
	}

	if !testutil.Eventually(t, 2*time.Second, func() bool { return f.pool.submitted() == 1 }) {
		t.Fatalf("submitted = %d, want 1 catch-up fire", f.pool.submitted())
	}

	triggers := f.engine.ListTriggers()
	if len(triggers) != 1 || triggers[0].ID != "persisted" {
		t.Fatalf("live triggers = %+v, want only 'persisted'", triggers)
	}
	if want := baseTime.Add(time.Minute); !triggers[0].NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", triggers[0].NextFireAt, want)
	}

	// A second wake at the same instant must not fire again.
	f.engine.notify()
	time.Sleep(50 * time.Millisecond)
	if f.pool.submitted() != 1 {
		t.Errorf("submitted = %d after re-wake, want 1", f.pool.submitted())
	}
}

func TestEngine_StopFlushesAndShutsDownPool(t *testing.T) {
	f := newFixture(t)
	trig := f.schedule(t, ScheduleRequest{})
	f.clock.Set(baseTime.Add(time.Minute))

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !testutil.Eventually(t, 2*time.Second, func() bool { return f.pool.submitted() == 1 }) {
		t.Fatal("trigger did not fire")
	}
	f.engine.Stop()

	if !f.pool.shutdown {
		t.Error("pool was not shut down")
	}
	rec, _ := f.store.get(trig.ID)
	if want := baseTime.Add(2 * time.Minute); !rec.NextFireAt.Equal(want) {
		t.Errorf("persisted NextFireAt = %v, want %v", rec.NextFireAt, want)
	}

	// Stop is idempotent.
	f.engine.Stop()
}

func TestEngine_RestartDoesNotDuplicate(t *testing.T) {
	store := newMemTriggerStore()
	clock := testutil.NewFakeClock(baseTime)

	first := New(Config{}, store, everyParser{}, &queueExecutor{})
	first.clock = clock.Now
	first.RegisterCallback("dispatch", func(context.Context, domain.CallbackArgs) {})
	trig, err := first.Schedule(context.Background(), ScheduleRequest{Expression: "every 1m", Callback: "dispatch"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	clock.Set(trig.NextFireAt)
	first.processDue()
	first.flushPending(context.Background())

	// Process restarts at the same instant.
	pool := &queueExecutor{}
	second := New(Config{}, store, everyParser{}, pool)
	second.clock = clock.Now
	second.RegisterCallback("dispatch", func(context.Context, domain.CallbackArgs) {})
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer second.Stop()

	time.Sleep(50 * time.Millisecond)
	if pool.submitted() != 0 {
		t.Errorf("restarted engine re-fired an occurrence: submitted = %d", pool.submitted())
	}
}

func TestEngine_SameInstanceRestartKeepsFiring(t *testing.T) {
	store := newMemTriggerStore()
	clock := testutil.NewFakeClock(baseTime)
	recorder := &callRecorder{}
	pool := workerpool.New(2, 4)

	engine := New(Config{}, store, everyParser{}, pool)
	engine.clock = clock.Now
	engine.RegisterCallback("dispatch", recorder.callback)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := engine.Schedule(context.Background(), ScheduleRequest{Expression: "every 1m", Callback: "dispatch"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	engine.Stop()

	// Several occurrences pass while stopped.
	clock.Set(baseTime.Add(6 * time.Minute))

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer func() {
		engine.Stop()
		pool.Wait()
	}()

	if !testutil.Eventually(t, 2*time.Second, func() bool { return recorder.count() == 1 }) {
		t.Fatalf("fires after restart = %d, want 1", recorder.count())
	}
	time.Sleep(50 * time.Millisecond)
	if n := recorder.count(); n != 1 {
		t.Errorf("fires after restart = %d, want exactly 1 coalesced fire", n)
	}
}
