package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/internal/adapter/store/memstore"
	"github.com/evalgrid/evalgrid/internal/domain"
)

func seedAt(t *testing.T, st *memstore.Store, id string, status domain.EvaluationStatus, created time.Time) {
	t.Helper()
	require.NoError(t, st.Create(context.Background(), domain.Evaluation{
		ID:        id,
		Status:    status,
		CreatedAt: created,
	}))
}

func TestSweepFailsStuckRecords(t *testing.T) {
	st := memstore.New()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(st, time.Hour, time.Minute)
	s.now = func() time.Time { return now }

	seedAt(t, st, "stuck", domain.StatusSubmitted, now.Add(-2*time.Hour))
	seedAt(t, st, "fresh", domain.StatusSubmitted, now.Add(-time.Minute))

	s.SweepOnce(context.Background())

	stuck, err := st.Get(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stuck.Status)
	assert.Contains(t, stuck.Error, "failed by sweeper")
	require.NotNil(t, stuck.CompletedAt)

	fresh, err := st.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, fresh.Status)
}

func TestSweepLeavesTerminalRecordsAlone(t *testing.T) {
	st := memstore.New()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(st, time.Hour, time.Minute)
	s.now = func() time.Time { return now }

	seedAt(t, st, "done", domain.StatusCompleted, now.Add(-3*time.Hour))

	s.SweepOnce(context.Background())

	done, err := st.Get(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
}

func TestSweepAgesFromLastProgress(t *testing.T) {
	st := memstore.New()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(st, time.Hour, time.Minute)
	s.now = func() time.Time { return now }

	// Created long ago but started recently: still making progress.
	seedAt(t, st, "long-runner", domain.StatusRunning, now.Add(-6*time.Hour))
	started := now.Add(-10 * time.Minute)
	stR := domain.StatusRunning
	_, err := st.Update(context.Background(), "long-runner", domain.UpdateFields{
		Status:    &stR,
		StartedAt: &started,
	})
	require.NoError(t, err)

	s.SweepOnce(context.Background())

	e, err := st.Get(context.Background(), "long-runner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, e.Status)
}

func TestSweepRecordsFailureEvent(t *testing.T) {
	st := memstore.New()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(st, time.Hour, time.Minute)
	s.now = func() time.Time { return now }

	seedAt(t, st, "abandoned", domain.StatusProvisioning, now.Add(-2*time.Hour))
	s.SweepOnce(context.Background())

	events, err := st.GetEvents(context.Background(), "abandoned")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "failed", events[0].Type)
}

func TestReadinessHandlerAggregates(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return domain.ErrUnavailable }

	h := ReadinessHandler(map[string]Check{"db": ok, "redis": ok})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = ReadinessHandler(map[string]Check{"db": ok, "redis": bad})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis unavailable")
}
