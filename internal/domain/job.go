package domain

import "time"

// JobDefinition is the durable record of a registered job.
// Name and CronExpression are immutable after creation.
type JobDefinition struct {
	ID int64

	Name           string
	CronExpression string
	Parameters     map[string]any

	// TriggerID joins the definition to its live trigger in the engine.
	TriggerID string

	LastRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
