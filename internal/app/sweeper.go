package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// Sweeper fails submissions the pipeline lost track of: records stuck in a
// non-terminal state beyond the maximum plausible processing age. That
// covers enqueue loss after persist, workers that died mid-dispatch, and
// watch events that never arrived.
type Sweeper struct {
	store    domain.Store
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

// sweptStatuses are the states a record can get stuck in. Queued and
// running have their own recovery paths (broker redelivery, active
// deadline), but the sweep covers them as a last resort too.
var sweptStatuses = []domain.EvaluationStatus{
	domain.StatusSubmitted,
	domain.StatusQueued,
	domain.StatusProvisioning,
	domain.StatusRunning,
}

// NewSweeper builds a Sweeper. maxAge should exceed the largest possible
// active deadline plus retry backoff so in-flight work is never swept.
func NewSweeper(store domain.Store, maxAge, interval time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: store, maxAge: maxAge, interval: interval, now: time.Now}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce marks every record stuck beyond maxAge as failed.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	swept := 0
	for _, status := range sweptStatuses {
		swept += s.sweepStatus(ctx, status)
	}
	if swept > 0 {
		slog.Warn("sweeper failed stuck evaluations", slog.Int("count", swept))
	}
}

func (s *Sweeper) sweepStatus(ctx context.Context, status domain.EvaluationStatus) int {
	const pageSize = 100
	cutoff := s.now().Add(-s.maxAge)
	swept := 0

	for offset := 0; ; offset += pageSize {
		page, err := s.store.List(ctx, pageSize, offset, status)
		if err != nil {
			slog.Error("sweep listing failed",
				slog.String("status", string(status)), slog.Any("error", err))
			return swept
		}
		if len(page) == 0 {
			return swept
		}
		for _, e := range page {
			if !lastProgressAt(e).Before(cutoff) {
				continue
			}
			if s.markFailed(ctx, e) {
				swept++
			}
		}
		if len(page) < pageSize {
			return swept
		}
	}
}

// lastProgressAt is the most recent timestamp the record carries; age is
// measured from there so a long-running job is not swept on creation age.
func lastProgressAt(e domain.Evaluation) time.Time {
	ts := e.CreatedAt
	if e.QueuedAt != nil && e.QueuedAt.After(ts) {
		ts = *e.QueuedAt
	}
	if e.StartedAt != nil && e.StartedAt.After(ts) {
		ts = *e.StartedAt
	}
	return ts
}

func (s *Sweeper) markFailed(ctx context.Context, e domain.Evaluation) bool {
	st := domain.StatusFailed
	now := s.now().UTC()
	msg := fmt.Sprintf("no progress for longer than %v; failed by sweeper", s.maxAge)
	if _, err := s.store.Update(ctx, e.ID, domain.UpdateFields{
		Status:      &st,
		Error:       &msg,
		CompletedAt: &now,
	}); err != nil {
		slog.Error("sweep failure write failed",
			slog.String("id", e.ID), slog.Any("error", err))
		return false
	}
	_ = s.store.AddEvent(ctx, e.ID, domain.Event{Type: "failed", Message: msg})
	slog.Info("stuck evaluation failed by sweeper",
		slog.String("id", e.ID), slog.String("was", string(e.Status)))
	return true
}
