package scheduler

import (
	"context"
	"log"
	"sort"
	"time"
)

func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)

	for {
		next := e.processDue()

		wait := e.config.MaxWait
		if !next.IsZero() {
			if d := next.Sub(e.clock()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// processDue fires every trigger whose next fire time has passed and returns
// the earliest upcoming fire time (zero when no triggers are live).
func (e *Engine) processDue() time.Time {
	start := e.clock()
	now := start.UTC()

	e.mu.Lock()

	due := make([]*Trigger, 0)
	for _, trig := range e.triggers {
		if !trig.NextFireAt.After(now) {
			due = append(due, trig)
		}
	}
	// Fire in schedule order so a saturated pool rejects the latest comers.
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextFireAt.Equal(due[j].NextFireAt) {
			return due[i].NextFireAt.Before(due[j].NextFireAt)
		}
		return due[i].ID < due[j].ID
	})

	fired := 0
	changed := make([]string, 0, len(due))
	for _, trig := range due {
		runTimes := dueRunTimes(trig, now)
		if trig.Coalesce && len(runTimes) > 1 {
			if e.metrics != nil {
				e.metrics.RunsCoalesced(len(runTimes) - 1)
			}
			runTimes = runTimes[len(runTimes)-1:]
		}

		for _, scheduledAt := range runTimes {
			if e.fireLocked(trig, scheduledAt, now) {
				fired++
			}
		}

		next := trig.Schedule.Next(now)
		if next.IsZero() {
			log.Printf("scheduler: trigger %s has no further occurrences, removing", trig.ID)
			delete(e.triggers, trig.ID)
		} else {
			trig.NextFireAt = next.UTC()
		}
		changed = append(changed, trig.ID)
	}

	earliest := time.Time{}
	for _, trig := range e.triggers {
		if earliest.IsZero() || trig.NextFireAt.Before(earliest) {
			earliest = trig.NextFireAt
		}
	}
	active := len(e.triggers)

	e.mu.Unlock()

	if len(changed) > 0 {
		e.enqueuePersist(changed...)
	}

	if e.metrics != nil {
		e.metrics.WakeCompleted(e.clock().Sub(start), fired)
		if len(changed) > 0 {
			e.metrics.TriggersActive(active)
		}
	}

	return earliest
}

// dueRunTimes lists occurrences from the trigger's next fire time up to now.
func dueRunTimes(trig *Trigger, now time.Time) []time.Time {
	var runTimes []time.Time
	t := trig.NextFireAt
	for i := 0; i < maxCatchUp && !t.IsZero() && !t.After(now); i++ {
		runTimes = append(runTimes, t)
		t = trig.Schedule.Next(t)
	}
	return runTimes
}

// fireLocked hands one occurrence to the pool. The caller holds e.mu.
func (e *Engine) fireLocked(trig *Trigger, scheduledAt, now time.Time) bool {
	if e.running[trig.ID] >= trig.MaxConcurrentRuns {
		log.Printf("scheduler: skipping trigger=%s scheduled_at=%s: %d run(s) still in progress",
			trig.ID, scheduledAt.Format(time.RFC3339), e.running[trig.ID])
		if e.metrics != nil {
			e.metrics.RunSkipped(SkipMaxInstances)
		}
		return false
	}

	cb, ok := e.callbacks[trig.Callback]
	if !ok {
		log.Printf("scheduler: trigger=%s callback %q not registered", trig.ID, trig.Callback)
		return false
	}

	id := trig.ID
	args := trig.Args
	e.running[id]++

	err := e.pool.Submit(func() {
		defer e.finish(id)
		cb(context.Background(), args)
	})
	if err != nil {
		e.finishLocked(id)
		log.Printf("scheduler: missed run trigger=%s scheduled_at=%s: %v", id, scheduledAt.Format(time.RFC3339), err)
		if e.metrics != nil {
			e.metrics.RunSkipped(SkipPoolSaturated)
		}
		return false
	}

	if e.metrics != nil {
		e.metrics.FireDelay(now.Sub(scheduledAt))
	}
	return true
}

func (e *Engine) finish(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLocked(id)
}

func (e *Engine) finishLocked(id string) {
	if e.running[id] <= 1 {
		delete(e.running, id)
		return
	}
	e.running[id]--
}
