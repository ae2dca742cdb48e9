// Package domain defines the core entities, ports and error taxonomy for the
// evaluation pipeline. Adapters depend on this package; it depends on nothing
// but the standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrQuotaRejected        = errors.New("quota rejected")
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrValidationFailed     = errors.New("validation error")
	ErrIsolationUnavailable = errors.New("isolation runtime unavailable")
	ErrUnavailable          = errors.New("service unavailable")
	ErrInternal             = errors.New("internal error")
)

// EvaluationStatus is the lifecycle state of a submission.
type EvaluationStatus string

const (
	StatusSubmitted    EvaluationStatus = "submitted"
	StatusQueued       EvaluationStatus = "queued"
	StatusProvisioning EvaluationStatus = "provisioning"
	StatusRunning      EvaluationStatus = "running"
	StatusCompleted    EvaluationStatus = "completed"
	StatusFailed       EvaluationStatus = "failed"
	StatusTimeout      EvaluationStatus = "timeout"
	StatusCancelled    EvaluationStatus = "cancelled"
	// StatusDeleted is the soft-delete sentinel; records are never removed.
	StatusDeleted EvaluationStatus = "deleted"
)

// Terminal reports whether the status is sticky: once entered, only the
// outcome payload may change.
func (s EvaluationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the allowed forward edges of the state machine.
// Cancelled is reachable from any non-terminal state and is handled in
// CanTransition directly.
var transitions = map[EvaluationStatus][]EvaluationStatus{
	StatusSubmitted:    {StatusQueued},
	StatusQueued:       {StatusProvisioning},
	StatusProvisioning: {StatusRunning, StatusCompleted, StatusFailed, StatusTimeout},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusTimeout},
}

// CanTransition reports whether from -> to is a legal state change.
// A same-state transition is a no-op and always allowed so that duplicate
// event delivery stays safe.
func CanTransition(from, to EvaluationStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Evaluation is the authoritative record for one submission.
type Evaluation struct {
	ID       string           `json:"id"`
	CodeHash string           `json:"code_hash"`
	Status   EvaluationStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	MemoryLimit    string `json:"memory_limit"`
	CPULimit       string `json:"cpu_limit"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Priority       int    `json:"priority"`
	ExecutorImage  string `json:"executor_image,omitempty"`

	ExitCode  *int   `json:"exit_code,omitempty"`
	RuntimeMS *int64 `json:"runtime_ms,omitempty"`

	Output          string `json:"output"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
	OutputSize      int64  `json:"output_size,omitempty"`
	OutputLocation  string `json:"output_location,omitempty"`

	Error          string `json:"error"`
	ErrorTruncated bool   `json:"error_truncated,omitempty"`
	ErrorSize      int64  `json:"error_size,omitempty"`
	ErrorLocation  string `json:"error_location,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Event is one append-only history entry for an evaluation.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpdateFields carries a partial update. Nil pointers leave the stored value
// untouched; Metadata is merged per key rather than replaced.
type UpdateFields struct {
	Status      *EvaluationStatus
	QueuedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
	RuntimeMS   *int64
	Output      *string
	Error       *string
	Metadata    map[string]any
}

// WorkItem is the broker message handed from the gateway to the worker.
// Retry counters travel in the message so that retry state survives consumer
// restarts without an external store.
type WorkItem struct {
	EvalID         string `json:"eval_id"`
	Code           string `json:"code"`
	Language       string `json:"language"`
	Engine         string `json:"engine,omitempty"`
	TimeoutSeconds int    `json:"timeout"`
	MemoryLimit    string `json:"memory_limit"`
	CPULimit       string `json:"cpu_limit"`
	Priority       int    `json:"priority"`
	ExecutorImage  string `json:"executor_image,omitempty"`

	Retries      int `json:"retries,omitempty"`
	QuotaRetries int `json:"quota_retries,omitempty"`
}

// DLQEntry is the dead-letter record pushed when a work item exhausts its
// retry budget.
type DLQEntry struct {
	TaskID         string         `json:"task_id"`
	Name           string         `json:"name"`
	EvaluationID   string         `json:"evaluation_id"`
	Args           WorkItem       `json:"args"`
	ExceptionClass string         `json:"exception_class"`
	Traceback      string         `json:"traceback"`
	Retries        int            `json:"retries"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Ports

// Store normalizes access to the durable record backends.
type Store interface {
	Create(ctx Context, e Evaluation) error
	Update(ctx Context, id string, upd UpdateFields) (Evaluation, error)
	Get(ctx Context, id string) (Evaluation, error)
	List(ctx Context, limit, offset int, status EvaluationStatus) ([]Evaluation, error)
	Count(ctx Context, status EvaluationStatus) (int, error)
	Delete(ctx Context, id string) error
	AddEvent(ctx Context, id string, ev Event) error
	GetEvents(ctx Context, id string) ([]Event, error)
}

// BlobStore holds externalized overflow bytes for oversized outputs.
type BlobStore interface {
	Put(ctx Context, key string, data []byte) error
	Get(ctx Context, key string) ([]byte, error)
}

// Broker is the durable at-least-once work queue between gateway and worker.
type Broker interface {
	Enqueue(ctx Context, item WorkItem) error
}

// EventBus is the pub/sub fabric for lifecycle events plus the TTL-bounded
// ephemeral coordination state described alongside it.
type EventBus interface {
	Publish(ctx Context, channel string, payload []byte) error

	SetJobState(ctx Context, job, state string) error
	GetJobState(ctx Context, job string) (string, error)
	ClearJobState(ctx Context, job string) error

	SetRunning(ctx Context, evalID string, fields map[string]string) error
	ClearRunning(ctx Context, evalID string) error
	AddRunningMember(ctx Context, evalID string) error
	RemoveRunningMember(ctx Context, evalID string) error

	PushDLQ(ctx Context, entry DLQEntry) error
}

// Context aliases context.Context; adapters pass it straight through.
type Context = context.Context
