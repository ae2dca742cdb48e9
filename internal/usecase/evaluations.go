// Package usecase contains the application services behind the gateway API.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/observability"
)

// OverflowFetcher retrieves externalized output bytes; the persistence
// façade implements it alongside domain.Store.
type OverflowFetcher interface {
	FetchOverflow(ctx domain.Context, id, field string) ([]byte, error)
}

// DLQReader lists dead-lettered work items for the operator surface.
type DLQReader interface {
	ListDLQ(ctx domain.Context, limit int) ([]domain.DLQEntry, error)
}

// Service implements the submission lifecycle operations.
type Service struct {
	store      domain.Store
	overflow   OverflowFetcher
	broker     domain.Broker
	bus        domain.EventBus
	dispatcher domain.Dispatcher
	dlq        DLQReader

	validate  *validator.Validate
	maxJobTTL int
	now       func() time.Time
}

// NewService wires the evaluation service.
func NewService(store domain.Store, overflow OverflowFetcher, broker domain.Broker, bus domain.EventBus, dispatcher domain.Dispatcher, dlq DLQReader, maxJobTTL int) *Service {
	return &Service{
		store:      store,
		overflow:   overflow,
		broker:     broker,
		bus:        bus,
		dispatcher: dispatcher,
		dlq:        dlq,
		validate:   validator.New(),
		maxJobTTL:  maxJobTTL,
		now:        time.Now,
	}
}

// SubmitRequest is the validated intake payload.
type SubmitRequest struct {
	Code           string `json:"code" validate:"required,max=1048576"`
	Language       string `json:"language" validate:"required,oneof=python shell"`
	Engine         string `json:"engine,omitempty" validate:"omitempty,alphanum,max=32"`
	TimeoutSeconds int    `json:"timeout" validate:"omitempty,min=1"`
	MemoryLimit    string `json:"memory_limit,omitempty"`
	CPULimit       string `json:"cpu_limit,omitempty"`
	Priority       int    `json:"priority" validate:"min=-1,max=1"`
	ExecutorImage  string `json:"executor_image,omitempty" validate:"omitempty,max=256"`
}

// Intake defaults applied to absent optional fields.
const (
	defaultTimeoutSeconds = 300
	defaultMemoryLimit    = "512Mi"
	defaultCPULimit       = "500m"
)

// Submit validates, persists and enqueues one submission. The durable
// record exists before the broker sees the item, so a broker outage loses
// no submissions; they stay visible in submitted state until the stuck
// sweep settles them.
func (s *Service) Submit(ctx domain.Context, req SubmitRequest) (domain.Evaluation, error) {
	applyDefaults(&req)
	if err := s.validate.Struct(req); err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.submit: %w: %s", domain.ErrInvalidRequest, err)
	}
	if req.TimeoutSeconds > s.maxJobTTL {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.submit: timeout %ds exceeds maximum %ds: %w",
			req.TimeoutSeconds, s.maxJobTTL, domain.ErrInvalidRequest)
	}

	now := s.now().UTC()
	id := domain.NewEvaluationID(now)
	item := domain.WorkItem{
		EvalID:         id,
		Code:           req.Code,
		Language:       req.Language,
		Engine:         req.Engine,
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryLimit:    req.MemoryLimit,
		CPULimit:       req.CPULimit,
		Priority:       req.Priority,
		ExecutorImage:  req.ExecutorImage,
	}

	// A request that can never fit the namespace quota is rejected up
	// front rather than queued to fail later.
	if _, err := s.dispatcher.CheckCapacity(ctx, item); err != nil {
		if errors.Is(err, domain.ErrQuotaRejected) {
			return domain.Evaluation{}, fmt.Errorf("op=usecase.submit: %w", err)
		}
		if errors.Is(err, domain.ErrValidationFailed) {
			return domain.Evaluation{}, fmt.Errorf("op=usecase.submit: %w: %s", domain.ErrInvalidRequest, err)
		}
		// The dispatcher being unreachable is not the submitter's problem;
		// the worker re-checks capacity before executing.
		slog.Warn("capacity pre-check unavailable, accepting submission",
			slog.String("id", id), slog.Any("error", err))
	}

	e := domain.Evaluation{
		ID:             id,
		CodeHash:       domain.HashCode(req.Code),
		Status:         domain.StatusSubmitted,
		CreatedAt:      now,
		MemoryLimit:    req.MemoryLimit,
		CPULimit:       req.CPULimit,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		ExecutorImage:  req.ExecutorImage,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.submit: %w", err)
	}
	_ = s.store.AddEvent(ctx, id, domain.Event{Type: "submitted", Message: "submission accepted"})
	observability.SubmissionsTotal.WithLabelValues(fmt.Sprintf("%d", req.Priority)).Inc()

	if err := s.broker.Enqueue(ctx, item); err != nil {
		// The record is durable; leave it in submitted state. The client
		// sees the accepted record and the stuck sweep settles it if the
		// item never reaches the broker.
		slog.Error("enqueue failed after persist",
			slog.String("id", id), slog.Any("error", err))
		return e, nil
	}

	queuedAt := s.now().UTC()
	st := domain.StatusQueued
	updated, err := s.store.Update(ctx, id, domain.UpdateFields{Status: &st, QueuedAt: &queuedAt})
	if err != nil {
		slog.Warn("queued-state write failed", slog.String("id", id), slog.Any("error", err))
		return e, nil
	}
	_ = s.store.AddEvent(ctx, id, domain.Event{Type: "queued", Message: "work item enqueued"})
	return updated, nil
}

func applyDefaults(req *SubmitRequest) {
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}
	if req.MemoryLimit == "" {
		req.MemoryLimit = defaultMemoryLimit
	}
	if req.CPULimit == "" {
		req.CPULimit = defaultCPULimit
	}
}

// Get returns one evaluation. Soft-deleted records read as absent.
func (s *Service) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.get: %w", err)
	}
	if e.Status == domain.StatusDeleted {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.get: %w", domain.ErrNotFound)
	}
	return e, nil
}

// History returns the append-only event trail for one evaluation.
func (s *Service) History(ctx domain.Context, id string) ([]domain.Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.history: %w", err)
	}
	return events, nil
}

// ListResult is a page of evaluations with the exact total for pagination.
type ListResult struct {
	Items []domain.Evaluation `json:"items"`
	Total int                 `json:"total"`
}

// List pages through evaluations, newest first.
func (s *Service) List(ctx domain.Context, limit, offset int, status domain.EvaluationStatus) (ListResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.store.List(ctx, limit, offset, status)
	if err != nil {
		return ListResult{}, fmt.Errorf("op=usecase.list: %w", err)
	}
	total, err := s.store.Count(ctx, status)
	if err != nil {
		return ListResult{}, fmt.Errorf("op=usecase.list: %w", err)
	}
	return ListResult{Items: items, Total: total}, nil
}

// Cancel stops a non-terminal evaluation: the cluster job is deleted and
// the record settles as cancelled.
func (s *Service) Cancel(ctx domain.Context, id string) (domain.Evaluation, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return domain.Evaluation{}, err
	}
	if e.Status.Terminal() {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.cancel: evaluation already %s: %w",
			e.Status, domain.ErrConflict)
	}

	if err := s.dispatcher.DeleteJob(ctx, domain.JobNameFor(id)); err != nil && !errors.Is(err, domain.ErrNotFound) {
		// The job may outlive this attempt briefly; the watcher reports the
		// deletion when it lands. Cancellation of the record still proceeds.
		slog.Warn("cluster job deletion failed during cancel",
			slog.String("id", id), slog.Any("error", err))
	}

	now := s.now().UTC()
	st := domain.StatusCancelled
	updated, err := s.store.Update(ctx, id, domain.UpdateFields{Status: &st, CompletedAt: &now})
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=usecase.cancel: %w", err)
	}
	_ = s.store.AddEvent(ctx, id, domain.Event{Type: "cancelled", Message: "cancelled by request"})
	_ = s.bus.ClearRunning(ctx, id)
	_ = s.bus.RemoveRunningMember(ctx, id)
	s.publishLifecycle(ctx, domain.ChannelCancelled, domain.LifecycleEvent{EvalID: id})
	return updated, nil
}

// Delete soft-deletes a terminal evaluation from the listing surface.
func (s *Service) Delete(ctx domain.Context, id string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !e.Status.Terminal() {
		return fmt.Errorf("op=usecase.delete: evaluation still %s: %w", e.Status, domain.ErrConflict)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=usecase.delete: %w", err)
	}
	return nil
}

// Output returns the full output or error text, following the overflow
// location when the inline copy is a preview.
func (s *Service) Output(ctx domain.Context, id, field string) ([]byte, error) {
	if field != "output" && field != "error" {
		return nil, fmt.Errorf("op=usecase.output: unknown field %q: %w", field, domain.ErrInvalidRequest)
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	truncated := e.OutputTruncated
	inline := e.Output
	if field == "error" {
		truncated = e.ErrorTruncated
		inline = e.Error
	}
	if !truncated {
		return []byte(inline), nil
	}
	b, err := s.overflow.FetchOverflow(ctx, id, field)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.output: %w", err)
	}
	return b, nil
}

// DeadLetters lists recent dead-lettered work items.
func (s *Service) DeadLetters(ctx domain.Context, limit int) ([]domain.DLQEntry, error) {
	entries, err := s.dlq.ListDLQ(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.dead_letters: %w", err)
	}
	return entries, nil
}

func (s *Service) publishLifecycle(ctx domain.Context, channel string, ev domain.LifecycleEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, channel, b); err != nil {
		slog.Warn("lifecycle publish failed",
			slog.String("channel", channel), slog.Any("error", err))
	}
}
