package models

import "time"

// JobRecord is the queryable state of a queue job, retained for 23h after
// completion.
type JobRecord struct {
	JobID       string    `json:"jobId"`
	Queue       string    `json:"queue"`
	Type        string    `json:"type"`
	State       JobState  `json:"state"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	ClaimedAt   time.Time `json:"claimedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Error       string    `json:"error,omitempty"`
}
