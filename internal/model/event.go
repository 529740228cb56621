package model

import (
	"time"

	"github.com/google/uuid"
)

// JobEvent is published to the message queue when a job reaches a terminal state.
type JobEvent struct {
	JobID      uuid.UUID  `json:"job_id"`
	BatchID    uuid.UUID  `json:"batch_id"`
	Operation  string     `json:"operation"`
	State      State      `json:"state"`
	OutputRef  string     `json:"output_ref,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}
