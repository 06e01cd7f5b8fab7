package api

import "time"

type CreateJobRequest struct {
	Name      string         `json:"name"`
	Cron      string         `json:"cron"`
	JobFields map[string]any `json:"job_fields"`
}

type JobResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Cron      string         `json:"cron"`
	JobFields map[string]any `json:"job_fields"`
}

type SingleJobResponse struct {
	JobID     string         `json:"job_id"`
	Name      string         `json:"name"`
	Cron      string         `json:"cron"`
	LastRunAt *string        `json:"last_run_at"`
	NextRunAt *string        `json:"next_run_at"`
	JobFields map[string]any `json:"job_fields"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

// formatOptionalTime keeps the time's own offset so display-zone times
// render as local wall clock.
func formatOptionalTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
