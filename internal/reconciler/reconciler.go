// Package reconciler folds lifecycle events from the bus into the durable
// record store. It is the single writer of execution outcomes: the watcher
// and worker only publish events, and every write here is idempotent so
// duplicate or replayed events cannot corrupt a record.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evalgrid/evalgrid/internal/adapter/bus/redisbus"
	"github.com/evalgrid/evalgrid/internal/domain"
)

// timeoutExitCode is what coreutils timeout(1) exits with when the wrapped
// command outlives its budget.
const timeoutExitCode = 124

// Reconciler consumes the lifecycle channels and applies transitions.
type Reconciler struct {
	store domain.Store
	bus   *redisbus.Bus
	now   func() time.Time
}

// New wires a Reconciler.
func New(store domain.Store, bus *redisbus.Bus) *Reconciler {
	return &Reconciler{store: store, bus: bus, now: time.Now}
}

// Run subscribes to every lifecycle channel and processes events until ctx
// is cancelled. Events on one channel apply sequentially; channels proceed
// independently.
func (r *Reconciler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, channel := range domain.LifecycleChannels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			r.consumeChannel(ctx, channel)
		}(channel)
	}
	wg.Wait()
}

func (r *Reconciler) consumeChannel(ctx context.Context, channel string) {
	sub := r.bus.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()
	slog.Info("reconciler subscribed", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := r.Apply(ctx, channel, []byte(msg.Payload)); err != nil {
				slog.Error("lifecycle event apply failed",
					slog.String("channel", channel),
					slog.Any("error", err))
			}
		}
	}
}

// Apply folds one lifecycle event into the record store.
func (r *Reconciler) Apply(ctx domain.Context, channel string, payload []byte) error {
	var ev domain.LifecycleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("op=reconciler.apply: %w", err)
	}
	if ev.EvalID == "" {
		return fmt.Errorf("op=reconciler.apply: event without eval_id")
	}
	target, err := domain.StatusForChannel(channel)
	if err != nil {
		return fmt.Errorf("op=reconciler.apply: %w", err)
	}
	// The in-container timeout wrapper exits 124; that failure is a user
	// timeout, not an execution error.
	if target == domain.StatusFailed && ev.ExitCode != nil && *ev.ExitCode == timeoutExitCode {
		target = domain.StatusTimeout
	}

	current, err := r.store.Get(ctx, ev.EvalID)
	if errors.Is(err, domain.ErrNotFound) {
		current, err = r.ensureRecord(ctx, ev.EvalID, target)
	}
	if err != nil {
		return fmt.Errorf("op=reconciler.apply eval=%s: %w", ev.EvalID, err)
	}
	if current.Status == target {
		// Duplicate delivery; nothing to change.
		return nil
	}
	if !domain.CanTransition(current.Status, target) {
		slog.Debug("dropping illegal transition",
			slog.String("eval_id", ev.EvalID),
			slog.String("from", string(current.Status)),
			slog.String("to", string(target)))
		return nil
	}

	upd := domain.UpdateFields{Status: &target}
	switch target {
	case domain.StatusRunning:
		startedAt := r.now().UTC()
		if ev.StartedAt != "" {
			if ts, err := time.Parse(time.RFC3339, ev.StartedAt); err == nil {
				startedAt = ts.UTC()
			}
		}
		upd.StartedAt = &startedAt
		if ev.ExecutorID != "" || ev.ContainerID != "" {
			upd.Metadata = map[string]any{}
			if ev.ExecutorID != "" {
				upd.Metadata["executor_id"] = ev.ExecutorID
			}
			if ev.ContainerID != "" {
				upd.Metadata["container_id"] = ev.ContainerID
			}
		}

	case domain.StatusCompleted, domain.StatusFailed, domain.StatusTimeout, domain.StatusCancelled:
		completedAt := r.now().UTC()
		upd.CompletedAt = &completedAt
		if ev.Output != "" {
			upd.Output = &ev.Output
		}
		if ev.Error != "" {
			upd.Error = &ev.Error
		}
		upd.ExitCode = ev.ExitCode
		if len(ev.Metadata) > 0 {
			upd.Metadata = ev.Metadata
		}
		if started := startedAtOf(current); started != nil {
			runtime := completedAt.Sub(*started).Milliseconds()
			if runtime >= 0 {
				upd.RuntimeMS = &runtime
			}
		}
	}

	updated, err := r.store.Update(ctx, ev.EvalID, upd)
	if err != nil {
		return fmt.Errorf("op=reconciler.apply eval=%s: %w", ev.EvalID, err)
	}
	_ = r.store.AddEvent(ctx, ev.EvalID, domain.Event{
		Type:     string(target),
		Message:  fmt.Sprintf("transitioned %s -> %s", current.Status, target),
		Metadata: ev.Metadata,
	})

	r.syncEphemeral(ctx, updated, ev)
	return nil
}

// ensureRecord creates a placeholder for an event that arrived before (or
// without) the gateway's record, so the outcome is not lost. The placeholder
// starts in a state the target is reachable from; a racing create resolves
// by re-reading.
func (r *Reconciler) ensureRecord(ctx domain.Context, id string, target domain.EvaluationStatus) (domain.Evaluation, error) {
	status := domain.StatusProvisioning
	if target == domain.StatusQueued {
		status = domain.StatusSubmitted
	}
	e := domain.Evaluation{ID: id, Status: status, CreatedAt: r.now().UTC()}
	if err := r.store.Create(ctx, e); err != nil {
		return r.store.Get(ctx, id)
	}
	slog.Info("created record for unmatched lifecycle event", slog.String("eval_id", id))
	return e, nil
}

// startedAtOf prefers the stored start time; the event's copy covers records
// whose running event was lost.
func startedAtOf(e domain.Evaluation) *time.Time {
	return e.StartedAt
}

// syncEphemeral keeps the bus-side coordination state consistent with the
// record. Failures here are logged only; the TTLs bound any residue.
func (r *Reconciler) syncEphemeral(ctx domain.Context, e domain.Evaluation, ev domain.LifecycleEvent) {
	switch {
	case e.Status == domain.StatusRunning:
		fields := map[string]string{"status": string(e.Status)}
		if e.StartedAt != nil {
			fields["started_at"] = e.StartedAt.Format(time.RFC3339)
		}
		if ev.ExecutorID != "" {
			fields["executor_id"] = ev.ExecutorID
		}
		if err := r.bus.SetRunning(ctx, e.ID, fields); err != nil {
			slog.Warn("running-state write failed", slog.String("eval_id", e.ID), slog.Any("error", err))
		}
		if err := r.bus.AddRunningMember(ctx, e.ID); err != nil {
			slog.Warn("running-set add failed", slog.String("eval_id", e.ID), slog.Any("error", err))
		}

	case e.Status.Terminal():
		if err := r.bus.ClearRunning(ctx, e.ID); err != nil {
			slog.Warn("running-state clear failed", slog.String("eval_id", e.ID), slog.Any("error", err))
		}
		if err := r.bus.RemoveRunningMember(ctx, e.ID); err != nil {
			slog.Warn("running-set remove failed", slog.String("eval_id", e.ID), slog.Any("error", err))
		}
		if err := r.bus.ClearJobState(ctx, domain.JobNameFor(e.ID)); err != nil {
			slog.Warn("job-state clear failed", slog.String("eval_id", e.ID), slog.Any("error", err))
		}
	}
}
