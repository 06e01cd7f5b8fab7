// Package registry composes the job store and the scheduling engine into the
// job lifecycle: create, list, get and delete.
//
// Creating a job is three separate writes: schedule the trigger, insert the
// jobs row, then bind the trigger's args to the row id. If the insert fails
// the trigger is removed again. If the bind fails the job still fires with a
// null id and the reconciler completes the bind later.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/cronqueue/internal/domain"
	"github.com/djlord-it/cronqueue/internal/scheduler"
)

var (
	ErrDuplicateName = errors.New("job name already exists")
	ErrNotFound      = errors.New("job not found")
)

// DefaultCallback is the engine callback every registered job fires.
const DefaultCallback = "dispatch"

// compensateTimeout bounds the trigger removal after a failed insert. It
// runs detached from the request so a cancelled client cannot skip it.
const compensateTimeout = 5 * time.Second

// Store is the durable side of a job. Implementations return ErrNotFound
// and ErrDuplicateName (possibly wrapped).
type Store interface {
	CreateJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error)
	JobNameExists(ctx context.Context, name string) (bool, error)
	GetJobByTriggerID(ctx context.Context, triggerID string) (domain.JobDefinition, error)
	DeleteJobByTriggerID(ctx context.Context, triggerID string) error
}

// Engine is the live side of a job.
type Engine interface {
	Schedule(ctx context.Context, req scheduler.ScheduleRequest) (scheduler.Trigger, error)
	ReviseArgs(ctx context.Context, id string, args domain.CallbackArgs) error
	RemoveTrigger(ctx context.Context, id string) error
	ListTriggers() []scheduler.Trigger
	GetTrigger(id string) (scheduler.Trigger, error)
}

// CronValidator rejects malformed expressions before anything is written.
type CronValidator interface {
	Validate(expression string) error
}

type CreateJobInput struct {
	Name   string
	Cron   string
	Fields map[string]any
}

// JobSummary describes a live job. Cron is the raw expression on create and
// the schedule description when listing.
type JobSummary struct {
	ID     string
	Name   string
	Cron   string
	Fields map[string]any
}

// JobDetail joins a jobs row with its live trigger.
type JobDetail struct {
	JobID     string
	Name      string
	Cron      string
	LastRunAt *time.Time
	// NextRunAt is in the registry's display location.
	NextRunAt time.Time
	Fields    map[string]any
}

type Registry struct {
	store     Store
	engine    Engine
	validator CronValidator
	callback  string
	display   *time.Location
}

func New(store Store, engine Engine, validator CronValidator) *Registry {
	return &Registry{
		store:     store,
		engine:    engine,
		validator: validator,
		callback:  DefaultCallback,
		display:   time.UTC,
	}
}

// WithDisplayLocation sets the zone next run times are reported in.
func (r *Registry) WithDisplayLocation(loc *time.Location) *Registry {
	if loc != nil {
		r.display = loc
	}
	return r
}

// WithCallback overrides the engine callback jobs are scheduled with.
func (r *Registry) WithCallback(name string) *Registry {
	if name != "" {
		r.callback = name
	}
	return r
}

// CreateJob validates, schedules and records a job. Invalid expressions and
// duplicate names are rejected before any write.
func (r *Registry) CreateJob(ctx context.Context, in CreateJobInput) (JobSummary, error) {
	if err := r.validator.Validate(in.Cron); err != nil {
		return JobSummary{}, err
	}

	exists, err := r.store.JobNameExists(ctx, in.Name)
	if err != nil {
		return JobSummary{}, fmt.Errorf("check job name: %w", err)
	}
	if exists {
		return JobSummary{}, fmt.Errorf("%w: %q", ErrDuplicateName, in.Name)
	}

	args := domain.CallbackArgs{Name: in.Name, Parameters: in.Fields}
	tr, err := r.engine.Schedule(ctx, scheduler.ScheduleRequest{
		Expression: in.Cron,
		Callback:   r.callback,
		Args:       args,
	})
	if err != nil {
		return JobSummary{}, fmt.Errorf("schedule job: %w", err)
	}

	job, err := r.store.CreateJob(ctx, domain.JobDefinition{
		Name:           in.Name,
		CronExpression: in.Cron,
		Parameters:     in.Fields,
		TriggerID:      tr.ID,
	})
	if err != nil {
		r.removeTrigger(ctx, tr.ID)
		if errors.Is(err, ErrDuplicateName) {
			return JobSummary{}, err
		}
		return JobSummary{}, fmt.Errorf("record job: %w", err)
	}

	if err := r.engine.ReviseArgs(ctx, tr.ID, args.WithJobDefinitionID(job.ID)); err != nil {
		log.Printf("registry: failed to bind trigger=%s to job id=%d, left for reconciler: %v", tr.ID, job.ID, err)
	}

	log.Printf("registry: created job name=%q trigger=%s id=%d", in.Name, tr.ID, job.ID)
	return JobSummary{
		ID:     tr.ID,
		Name:   in.Name,
		Cron:   in.Cron,
		Fields: args.Fields(),
	}, nil
}

func (r *Registry) removeTrigger(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := r.engine.RemoveTrigger(ctx, id); err != nil && !errors.Is(err, scheduler.ErrTriggerNotFound) {
		log.Printf("registry: failed to remove trigger=%s after failed insert: %v", id, err)
	}
}

// ListJobs returns every live trigger in next-fire order.
func (r *Registry) ListJobs() []JobSummary {
	triggers := r.engine.ListTriggers()
	out := make([]JobSummary, 0, len(triggers))
	for _, tr := range triggers {
		out = append(out, JobSummary{
			ID:     tr.ID,
			Name:   tr.Name,
			Cron:   describe(tr),
			Fields: tr.Args.Fields(),
		})
	}
	return out
}

// GetJob returns ErrNotFound unless both the row and the trigger exist.
func (r *Registry) GetJob(ctx context.Context, triggerID string) (JobDetail, error) {
	job, err := r.store.GetJobByTriggerID(ctx, triggerID)
	if errors.Is(err, ErrNotFound) {
		return JobDetail{}, fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	if err != nil {
		return JobDetail{}, fmt.Errorf("get job: %w", err)
	}

	tr, err := r.engine.GetTrigger(triggerID)
	if errors.Is(err, scheduler.ErrTriggerNotFound) {
		return JobDetail{}, fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	if err != nil {
		return JobDetail{}, fmt.Errorf("get trigger: %w", err)
	}

	fields := job.Parameters
	if fields == nil {
		fields = map[string]any{}
	}
	return JobDetail{
		JobID:     job.TriggerID,
		Name:      job.Name,
		Cron:      job.CronExpression,
		LastRunAt: job.LastRunAt,
		NextRunAt: tr.NextFireAt.In(r.display),
		Fields:    fields,
	}, nil
}

// DeleteJob removes the trigger first so the job stops firing, then the row.
// ErrNotFound only when neither existed.
func (r *Registry) DeleteJob(ctx context.Context, triggerID string) error {
	triggerErr := r.engine.RemoveTrigger(ctx, triggerID)
	if triggerErr != nil && !errors.Is(triggerErr, scheduler.ErrTriggerNotFound) {
		return fmt.Errorf("remove trigger: %w", triggerErr)
	}

	rowErr := r.store.DeleteJobByTriggerID(ctx, triggerID)
	if rowErr != nil && !errors.Is(rowErr, ErrNotFound) {
		return fmt.Errorf("delete job: %w", rowErr)
	}

	if triggerErr != nil && rowErr != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	log.Printf("registry: deleted job trigger=%s", triggerID)
	return nil
}

func describe(tr scheduler.Trigger) string {
	if tr.Schedule == nil {
		return tr.Expression
	}
	return tr.Schedule.String()
}
