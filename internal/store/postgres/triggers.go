package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/djlord-it/cronqueue/internal/domain"
	"github.com/djlord-it/cronqueue/internal/scheduler"
)

// TriggerStore persists scheduler triggers in the scheduler_triggers table.
// Only the scheduler writes to it.
type TriggerStore struct {
	db        *sql.DB
	opTimeout time.Duration
}

func NewTriggerStore(db *sql.DB) *TriggerStore {
	return &TriggerStore{db: db, opTimeout: DefaultOpTimeout}
}

// WithOpTimeout sets the per-operation timeout.
func (s *TriggerStore) WithOpTimeout(d time.Duration) *TriggerStore {
	if d > 0 {
		s.opTimeout = d
	}
	return s
}

func (s *TriggerStore) LoadTriggers(ctx context.Context) ([]scheduler.TriggerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryLoadTriggers)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}
	defer rows.Close()

	var result []scheduler.TriggerRecord
	for rows.Next() {
		var rec scheduler.TriggerRecord
		var args []byte

		err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.Expression,
			&rec.Callback,
			&args,
			&rec.NextFireAt,
			&rec.Coalesce,
			&rec.MaxConcurrentRuns,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(args, &rec.Args); err != nil {
			return nil, fmt.Errorf("decode args of trigger %s: %w", rec.ID, err)
		}
		rec.NextFireAt = rec.NextFireAt.UTC()
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// AddTrigger inserts a trigger. Returns scheduler.ErrDuplicateTrigger if the id exists.
func (s *TriggerStore) AddTrigger(ctx context.Context, rec scheduler.TriggerRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	args, err := marshalArgs(rec.Args)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, queryInsertTrigger,
		rec.ID,
		rec.Name,
		rec.Expression,
		rec.Callback,
		args,
		rec.NextFireAt.UTC(),
		rec.Coalesce,
		rec.MaxConcurrentRuns,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", scheduler.ErrDuplicateTrigger, rec.ID)
		}
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// UpdateTrigger writes the mutable trigger state (args and next fire time).
func (s *TriggerStore) UpdateTrigger(ctx context.Context, rec scheduler.TriggerRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	args, err := marshalArgs(rec.Args)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, queryUpdateTrigger, rec.ID, args, rec.NextFireAt.UTC())
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	return requireRow(result, rec.ID)
}

func (s *TriggerStore) RemoveTrigger(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryDeleteTrigger, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", scheduler.ErrTriggerNotFound, id)
	}
	return nil
}

func marshalArgs(args domain.CallbackArgs) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode trigger args: %w", err)
	}
	return string(b), nil
}

var _ scheduler.TriggerStore = (*TriggerStore)(nil)
