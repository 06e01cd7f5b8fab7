package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/cronqueue/internal/dispatcher"
	"github.com/djlord-it/cronqueue/internal/domain"
	"github.com/djlord-it/cronqueue/internal/reconciler"
	"github.com/djlord-it/cronqueue/internal/registry"
)

var (
	ErrDuplicateName = registry.ErrDuplicateName
	ErrNotFound      = registry.ErrNotFound
)

// DefaultOpTimeout bounds a single store operation when none is configured.
const DefaultOpTimeout = 5 * time.Second

// Store implements registry.Store, dispatcher.Store and reconciler.Store
// on the jobs table.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db, opTimeout: DefaultOpTimeout}
}

// WithOpTimeout sets the per-operation timeout.
func (s *Store) WithOpTimeout(d time.Duration) *Store {
	if d > 0 {
		s.opTimeout = d
	}
	return s
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// CreateJob inserts a job definition and returns it with its assigned id
// and timestamps. Returns ErrDuplicateName if the name is taken.
func (s *Store) CreateJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	fields, err := marshalFields(job.Parameters)
	if err != nil {
		return domain.JobDefinition{}, err
	}

	err = s.db.QueryRowContext(ctx, queryInsertJob, job.Name, job.CronExpression, fields, job.TriggerID).
		Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.JobDefinition{}, fmt.Errorf("%w: %s", ErrDuplicateName, job.Name)
		}
		return domain.JobDefinition{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *Store) JobNameExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, queryJobNameExists, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job name: %w", err)
	}
	return exists, nil
}

// GetJobByTriggerID returns the job whose trigger id matches.
// Returns ErrNotFound if no row references the trigger.
func (s *Store) GetJobByTriggerID(ctx context.Context, triggerID string) (domain.JobDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	job, err := scanJob(s.db.QueryRowContext(ctx, queryGetJobByTriggerID, triggerID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobDefinition{}, fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	if err != nil {
		return domain.JobDefinition{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns every job definition ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]domain.JobDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListJobs)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []domain.JobDefinition
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// UpdateLastRun sets last_run_at. Setting the same timestamp twice is a no-op
// in effect. Returns ErrNotFound if the row is gone.
func (s *Store) UpdateLastRun(ctx context.Context, id int64, ts time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateLastRun, id, ts.UTC())
	if err != nil {
		return fmt.Errorf("update last run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	return nil
}

func (s *Store) DeleteJobByTriggerID(ctx context.Context, triggerID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryDeleteJobByTriggerID, triggerID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.JobDefinition, error) {
	var job domain.JobDefinition
	var fields []byte
	var lastRun sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.CronExpression,
		&fields,
		&job.TriggerID,
		&lastRun,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.JobDefinition{}, err
	}

	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &job.Parameters); err != nil {
			return domain.JobDefinition{}, fmt.Errorf("decode job_fields: %w", err)
		}
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		job.LastRunAt = &t
	}
	return job, nil
}

// marshalFields encodes job fields for a JSONB column. A nil map is stored as NULL.
// JSON is passed as a string; lib/pq would send []byte as bytea.
func marshalFields(fields map[string]any) (any, error) {
	if fields == nil {
		return nil, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode job_fields: %w", err)
	}
	return string(b), nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time interface assertions
var (
	_ registry.Store   = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)
