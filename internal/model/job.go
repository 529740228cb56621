package model

import (
	"time"

	"github.com/google/uuid"
)

// State represents the current lifecycle state of a job.
// Transitions are forward-only: queued -> running -> {succeeded|failed|cancelled}.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrorKind classifies a job failure.
type ErrorKind string

const (
	KindInvalidParameters ErrorKind = "invalid_parameters"
	KindUnknownOperation  ErrorKind = "unknown_operation"
	KindTransformError    ErrorKind = "transform_error"
	KindTimeout           ErrorKind = "timeout"
	KindStorageError      ErrorKind = "storage_error"
	KindResourceExhausted ErrorKind = "resource_exhausted"
)

// ErrorInfo describes why a job ended up in the failed state.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Fields  []string  `json:"fields,omitempty"` // offending parameter names, for invalid_parameters
}

// Job is one (image, operation, parameters) unit of work.
// OutputRef and Error are mutually exclusive and only set in a terminal state.
type Job struct {
	ID         uuid.UUID         `json:"job_id"`
	BatchID    uuid.UUID         `json:"batch_id"`
	Operation  string            `json:"operation"`
	InputRef   string            `json:"input_ref"`
	Params     map[string]string `json:"params,omitempty"`
	State      State             `json:"state"`
	OutputRef  string            `json:"output_ref,omitempty"`
	Error      *ErrorInfo        `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

// Batch groups the jobs created from one upload. It is a read-time
// aggregation: batch progress is derived from its member jobs.
type Batch struct {
	ID        uuid.UUID   `json:"batch_id"`
	JobIDs    []uuid.UUID `json:"job_ids"`
	CreatedAt time.Time   `json:"created_at"`
}
