package redpanda

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/observability"
)

// Polling fallback bounds, used when event monitoring is off.
const (
	pollInterval = 10 * time.Second
	pollAttempts = 60
)

// Worker executes one work item end to end: provisioning, capacity check,
// dispatch, and failure classification with retries and dead-lettering.
// Retry counters travel inside the work item itself, so re-enqueueing an
// incremented copy is the whole retry mechanism.
type Worker struct {
	store      domain.Store
	bus        domain.EventBus
	dispatcher domain.Dispatcher
	broker     domain.Broker

	// eventMonitoring selects watcher-driven completion; when false the
	// worker polls the dispatcher until the job settles.
	eventMonitoring bool

	defaultPolicy domain.RetryPolicy
	quotaPolicy   domain.RetryPolicy

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// NewWorker wires a Worker from its collaborators.
func NewWorker(store domain.Store, bus domain.EventBus, dispatcher domain.Dispatcher, broker domain.Broker, eventMonitoring bool) *Worker {
	return &Worker{
		store:           store,
		bus:             bus,
		dispatcher:      dispatcher,
		broker:          broker,
		eventMonitoring: eventMonitoring,
		defaultPolicy:   domain.DefaultRetryPolicy,
		quotaPolicy:     domain.QuotaRetryPolicy,
		sleep:           time.Sleep,
	}
}

// Process handles one work item. Errors returned here are for logging only;
// every failure path has already updated the record, re-enqueued, or
// dead-lettered by the time Process returns.
func (w *Worker) Process(ctx domain.Context, item domain.WorkItem) error {
	log := slog.With(slog.String("eval_id", item.EvalID), slog.Int("retries", item.Retries))

	e, err := w.store.Get(ctx, item.EvalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("work item references unknown evaluation, dropping")
			return nil
		}
		return fmt.Errorf("op=worker.process: %w", err)
	}
	// Cancelled or otherwise settled records make the item a no-op. This is
	// how cancellation between enqueue and pickup takes effect.
	if e.Status.Terminal() {
		log.Info("evaluation already settled, dropping work item",
			slog.String("status", string(e.Status)))
		return nil
	}

	st := domain.StatusProvisioning
	if _, err := w.store.Update(ctx, item.EvalID, domain.UpdateFields{Status: &st}); err != nil {
		return fmt.Errorf("op=worker.process: mark provisioning: %w", err)
	}
	_ = w.store.AddEvent(ctx, item.EvalID, domain.Event{
		Type:    "provisioning",
		Message: "worker picked up submission",
	})

	capacity, err := w.dispatcher.CheckCapacity(ctx, item)
	if err != nil {
		return w.handleDispatchError(ctx, item, err, log)
	}
	if !capacity.Allowed {
		return w.handleDispatchError(ctx, item,
			fmt.Errorf("op=worker.capacity: %s: %w", capacity.Reason, domain.ErrResourceExhausted), log)
	}

	job, err := w.dispatcher.Execute(ctx, item)
	if err != nil {
		return w.handleDispatchError(ctx, item, err, log)
	}
	observability.DispatchTotal.WithLabelValues("dispatched").Inc()
	log.Info("evaluation dispatched", slog.String("job", job))
	// The TTL-bounded running hash carries the unit name so operators and
	// the watcher can correlate before the running event lands.
	if err := w.bus.SetRunning(ctx, item.EvalID, map[string]string{"job_name": job}); err != nil {
		log.Warn("running-state write failed", slog.Any("error", err))
	}
	_, _ = w.store.Update(ctx, item.EvalID, domain.UpdateFields{
		Metadata: map[string]any{"job_name": job},
	})
	_ = w.store.AddEvent(ctx, item.EvalID, domain.Event{
		Type:     "dispatched",
		Message:  "execution job created",
		Metadata: map[string]any{"job_name": job},
	})

	if w.eventMonitoring {
		// The watcher observes the job from here; nothing left to do.
		return nil
	}
	return w.pollUntilSettled(ctx, item, job, log)
}

// pollUntilSettled is the completion fallback when no watcher runs: the
// worker samples the dispatcher until the job reaches a terminal phase or
// the polling budget runs out.
func (w *Worker) pollUntilSettled(ctx domain.Context, item domain.WorkItem, job string, log *slog.Logger) error {
	for attempt := 0; attempt < pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		w.sleep(pollInterval)

		status, err := w.dispatcher.JobStatus(ctx, job)
		if err != nil {
			log.Warn("job status poll failed", slog.Any("error", err))
			continue
		}
		switch status.Phase {
		case domain.PhaseSucceeded, domain.PhaseFailed:
			result, err := w.dispatcher.JobResult(ctx, job)
			if err != nil {
				log.Warn("job result fetch failed", slog.Any("error", err))
			}
			channel := domain.ChannelCompleted
			if status.Phase == domain.PhaseFailed {
				channel = domain.ChannelFailed
			}
			w.publishLifecycle(ctx, channel, domain.LifecycleEvent{
				EvalID:   item.EvalID,
				Output:   result.Logs,
				ExitCode: result.ExitCode,
			})
			return nil
		case domain.PhaseNotFound:
			w.publishLifecycle(ctx, domain.ChannelFailed, domain.LifecycleEvent{
				EvalID: item.EvalID,
				Error:  "execution job disappeared before completing",
			})
			return nil
		}
	}
	log.Warn("polling budget exhausted", slog.String("job", job))
	w.publishLifecycle(ctx, domain.ChannelFailed, domain.LifecycleEvent{
		EvalID: item.EvalID,
		Error:  "evaluation did not settle within the polling window",
	})
	return nil
}

// handleDispatchError classifies a failed dispatch attempt and routes the
// item: fail permanently, re-enqueue with backoff, or dead-letter.
func (w *Worker) handleDispatchError(ctx domain.Context, item domain.WorkItem, dispatchErr error, log *slog.Logger) error {
	class := domain.ClassifyDispatchError(dispatchErr)
	if errors.Is(dispatchErr, domain.ErrResourceExhausted) {
		class = domain.RetryQuota
	}

	switch class {
	case domain.RetryNone:
		observability.DispatchTotal.WithLabelValues("rejected").Inc()
		log.Warn("permanent dispatch failure", slog.Any("error", dispatchErr))
		w.publishLifecycle(ctx, domain.ChannelFailed, domain.LifecycleEvent{
			EvalID:   item.EvalID,
			Error:    dispatchErr.Error(),
			Metadata: map[string]any{"reason": "validation_error"},
		})
		return nil

	case domain.RetryQuota:
		if item.QuotaRetries >= domain.MaxQuotaRetries {
			return w.deadLetter(ctx, item, dispatchErr, "resource_exhaustion", log)
		}
		delay := w.quotaPolicy.Delay(item.QuotaRetries)
		item.QuotaRetries++
		observability.RetriesTotal.WithLabelValues("quota").Inc()
		log.Info("re-enqueueing after capacity pressure",
			slog.Int("quota_retries", item.QuotaRetries),
			slog.Duration("delay", delay))
		w.requeueAfter(ctx, item, delay)
		return nil

	default:
		if item.Retries >= domain.MaxRetries {
			return w.deadLetter(ctx, item, dispatchErr, "retry_exhausted", log)
		}
		delay := w.defaultPolicy.Delay(item.Retries)
		item.Retries++
		observability.RetriesTotal.WithLabelValues("default").Inc()
		log.Info("re-enqueueing after transient failure",
			slog.Int("retries", item.Retries),
			slog.Duration("delay", delay),
			slog.Any("error", dispatchErr))
		w.requeueAfter(ctx, item, delay)
		return nil
	}
}

// requeueAfter re-publishes the incremented item after the backoff delay.
// The broker has no delayed delivery, so the wait happens worker-side.
func (w *Worker) requeueAfter(ctx domain.Context, item domain.WorkItem, delay time.Duration) {
	go func() {
		w.sleep(delay)
		if err := w.broker.Enqueue(ctx, item); err != nil {
			slog.Error("re-enqueue failed, dead-lettering",
				slog.String("eval_id", item.EvalID),
				slog.Any("error", err))
			_ = w.deadLetter(ctx, item, err, "requeue_failed", slog.Default())
		}
	}()
}

// deadLetter records the exhausted item on the DLQ and fails the evaluation.
// reason is the machine-readable cause carried into the record's metadata.
func (w *Worker) deadLetter(ctx domain.Context, item domain.WorkItem, cause error, reason string, log *slog.Logger) error {
	entry := domain.DLQEntry{
		TaskID:         uuid.NewString(),
		Name:           "evaluate",
		EvaluationID:   item.EvalID,
		Args:           item,
		ExceptionClass: fmt.Sprintf("%T", cause),
		Traceback:      cause.Error(),
		Retries:        item.Retries,
		Metadata:       map[string]any{"reason": reason},
	}
	if err := w.bus.PushDLQ(ctx, entry); err != nil {
		log.Error("DLQ push failed", slog.Any("error", err))
	}
	observability.DLQTotal.Inc()
	log.Warn("work item dead-lettered", slog.String("reason", reason))

	w.publishLifecycle(ctx, domain.ChannelFailed, domain.LifecycleEvent{
		EvalID:   item.EvalID,
		Error:    fmt.Sprintf("%s: %s", reason, cause.Error()),
		Metadata: map[string]any{"final_failure": true, "reason": reason},
	})
	return nil
}

func (w *Worker) publishLifecycle(ctx domain.Context, channel string, ev domain.LifecycleEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("lifecycle event marshal failed", slog.Any("error", err))
		return
	}
	if err := w.bus.Publish(ctx, channel, b); err != nil {
		slog.Error("lifecycle event publish failed",
			slog.String("channel", channel),
			slog.Any("error", err))
	}
}
