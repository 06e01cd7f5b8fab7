package scheduler

import (
	"context"
	"errors"
	"log"
	"sort"
)

// enqueuePersist marks triggers whose state must be written. Only the id is
// recorded; the flush reads whatever state is current at write time.
func (e *Engine) enqueuePersist(ids ...string) {
	e.pendingMu.Lock()
	for _, id := range ids {
		e.pending[id] = struct{}{}
	}
	e.pendingMu.Unlock()

	select {
	case e.persistSignal <- struct{}{}:
	default:
	}
}

func (e *Engine) runPersister(ctx context.Context) {
	defer close(e.flushDone)

	for {
		select {
		case <-ctx.Done():
			// The timer goroutine may enqueue once more before it exits.
			<-e.loopDone
			e.flushPending(context.Background())
			return
		case <-e.persistSignal:
			e.flushPending(ctx)
		}
	}
}

// flushPending writes the current state of every pending trigger. Triggers
// that are no longer live are removed from the store.
func (e *Engine) flushPending(ctx context.Context) {
	e.pendingMu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.pending = make(map[string]struct{})
	e.pendingMu.Unlock()

	sort.Strings(ids)

	for _, id := range ids {
		if err := e.persistOne(ctx, id); err != nil {
			log.Printf("scheduler: persist trigger=%s: %v", id, err)
			if e.metrics != nil {
				e.metrics.PersistError()
			}
		}
	}
}

func (e *Engine) persistOne(ctx context.Context, id string) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	// Detached so a flush during Stop still completes.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.PersistTimeout)
	defer cancel()

	e.mu.Lock()
	trig, live := e.triggers[id]
	var rec TriggerRecord
	if live {
		rec = trig.record()
	}
	e.mu.Unlock()

	if !live {
		err := e.store.RemoveTrigger(opCtx, id)
		if errors.Is(err, ErrTriggerNotFound) {
			return nil
		}
		return err
	}

	err := e.store.UpdateTrigger(opCtx, rec)
	if errors.Is(err, ErrTriggerNotFound) {
		// Removed concurrently.
		return nil
	}
	return err
}
