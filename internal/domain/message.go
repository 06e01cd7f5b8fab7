package domain

import "time"

// Message is what the dispatcher hands to the downstream work queue.
type Message struct {
	JobDefinitionID *int64         `json:"job_definition_id"`
	Name            string         `json:"name"`
	Parameters      map[string]any `json:"parameters"`
	FiredAt         time.Time      `json:"fired_at"`
}
