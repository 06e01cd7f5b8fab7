// Package reconciler repairs the gap left by two-phase job creation.
//
// Creating a job schedules a trigger, inserts a jobs row and then patches
// the trigger's args with the row id. These are separate writes, so a crash
// or a failed step can leave:
//
//   - a trigger whose args still hold a null job definition id while its row
//     exists (the patch step failed): the reconciler applies the patch;
//   - a trigger with no jobs row at all (the insert never happened): the
//     reconciler removes the orphan trigger;
//   - a jobs row whose trigger is gone: nothing can be rebuilt safely, so the
//     row is reported for operator action.
//
// Triggers younger than the threshold are left alone so an in-progress
// creation is never mistaken for an orphan.
package reconciler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/djlord-it/cronqueue/internal/domain"
	"github.com/djlord-it/cronqueue/internal/scheduler"
)

// Store lists the durable job definitions.
type Store interface {
	ListJobs(ctx context.Context) ([]domain.JobDefinition, error)
}

// Engine is the subset of the scheduling engine the reconciler repairs.
type Engine interface {
	ListTriggers() []scheduler.Trigger
	ReviseArgs(ctx context.Context, id string, args domain.CallbackArgs) error
	RemoveTrigger(ctx context.Context, id string) error
}

// MetricsSink receives reconciliation outcomes.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ReconcileCompleted(patched, removed, missingTriggers int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the trigger age after which an incomplete creation is
	// considered abandoned.
	// Default: 2 minutes.
	Threshold time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 2 * time.Minute,
	}
}

// Result summarizes one reconciliation cycle.
type Result struct {
	Patched         int
	Removed         int
	MissingTriggers int
	Failed          int
}

// Reconciler patches or removes incomplete triggers.
type Reconciler struct {
	config  Config
	store   Store
	engine  Engine
	metrics MetricsSink
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, engine Engine) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	return &Reconciler{
		config: config,
		store:  store,
		engine: engine,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s)", r.config.Interval, r.config.Threshold)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) Result {
	var res Result
	cutoff := r.clock().UTC().Add(-r.config.Threshold)

	// Snapshot triggers before reading rows: any row belonging to an old
	// trigger is then guaranteed to be visible.
	triggers := r.engine.ListTriggers()

	jobs, err := r.store.ListJobs(ctx)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to list jobs: %v", err)
		return res
	}

	byTrigger := make(map[string]domain.JobDefinition, len(jobs))
	for _, job := range jobs {
		byTrigger[job.TriggerID] = job
	}
	live := make(map[string]bool, len(triggers))

	for _, tr := range triggers {
		live[tr.ID] = true
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted")
			return res
		}
		if !tr.CreatedAt.Before(cutoff) {
			continue
		}

		job, ok := byTrigger[tr.ID]
		switch {
		case !ok:
			err := r.engine.RemoveTrigger(ctx, tr.ID)
			if err != nil && !errors.Is(err, scheduler.ErrTriggerNotFound) {
				log.Printf("reconciler: failed to remove orphan trigger=%s name=%q: %v", tr.ID, tr.Name, err)
				res.Failed++
				continue
			}
			log.Printf("reconciler: removed orphan trigger=%s name=%q (age=%s)",
				tr.ID, tr.Name, r.clock().Sub(tr.CreatedAt).Round(time.Second))
			res.Removed++

		case tr.Args.JobDefinitionID == nil:
			err := r.engine.ReviseArgs(ctx, tr.ID, tr.Args.WithJobDefinitionID(job.ID))
			if err != nil {
				log.Printf("reconciler: failed to patch trigger=%s job_definition_id=%d: %v", tr.ID, job.ID, err)
				res.Failed++
				continue
			}
			log.Printf("reconciler: patched trigger=%s job_definition_id=%d", tr.ID, job.ID)
			res.Patched++
		}
	}

	for _, job := range jobs {
		if live[job.TriggerID] {
			continue
		}
		// The row may belong to a trigger scheduled after the snapshot.
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		log.Printf("reconciler: job id=%d name=%q references missing trigger=%s", job.ID, job.Name, job.TriggerID)
		res.MissingTriggers++
	}

	if r.metrics != nil {
		r.metrics.ReconcileCompleted(res.Patched, res.Removed, res.MissingTriggers)
	}
	if res != (Result{}) {
		log.Printf("reconciler: cycle complete, patched=%d, removed=%d, missing_triggers=%d, failed=%d",
			res.Patched, res.Removed, res.MissingTriggers, res.Failed)
	}
	return res
}
