package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/internal/adapter/bus/redisbus"
	"github.com/evalgrid/evalgrid/internal/adapter/store/memstore"
	"github.com/evalgrid/evalgrid/internal/domain"
)

func newTestReconciler(t *testing.T) (*Reconciler, *memstore.Store, *redisbus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := redisbus.NewFromClient(rdb)
	st := memstore.New()
	return New(st, bus), st, bus
}

func payload(t *testing.T, ev domain.LifecycleEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func seed(t *testing.T, st domain.Store, id string, status domain.EvaluationStatus) {
	t.Helper()
	require.NoError(t, st.Create(context.Background(), domain.Evaluation{
		ID:        id,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestApplyRunningEvent(t *testing.T) {
	r, st, bus := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev1", domain.StatusProvisioning)

	started := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Apply(ctx, domain.ChannelRunning, payload(t, domain.LifecycleEvent{
		EvalID:     "ev1",
		ExecutorID: "node-3",
		StartedAt:  started.Format(time.RFC3339),
	})))

	e, err := st.Get(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, e.Status)
	require.NotNil(t, e.StartedAt)
	assert.Equal(t, started, e.StartedAt.UTC())
	assert.Equal(t, "node-3", e.Metadata["executor_id"])

	ids, err := bus.RunningMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev1"}, ids)
}

func TestApplyCompletionComputesRuntime(t *testing.T) {
	r, st, bus := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev2", domain.StatusProvisioning)

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	require.NoError(t, r.Apply(ctx, domain.ChannelRunning, payload(t, domain.LifecycleEvent{
		EvalID:    "ev2",
		StartedAt: base.Format(time.RFC3339),
	})))

	r.now = func() time.Time { return base.Add(2500 * time.Millisecond) }
	exit := 0
	require.NoError(t, r.Apply(ctx, domain.ChannelCompleted, payload(t, domain.LifecycleEvent{
		EvalID:   "ev2",
		Output:   "done\n",
		ExitCode: &exit,
	})))

	e, err := st.Get(ctx, "ev2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, e.Status)
	assert.Equal(t, "done\n", e.Output)
	require.NotNil(t, e.RuntimeMS)
	assert.Equal(t, int64(2500), *e.RuntimeMS)
	require.NotNil(t, e.CompletedAt)

	ids, err := bus.RunningMembers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestApplyDuplicateEventIsNoOp(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev3", domain.StatusProvisioning)

	ev := payload(t, domain.LifecycleEvent{EvalID: "ev3"})
	require.NoError(t, r.Apply(ctx, domain.ChannelRunning, ev))
	require.NoError(t, r.Apply(ctx, domain.ChannelRunning, ev))

	events, err := st.GetEvents(ctx, "ev3")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestApplyDropsIllegalTransition(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev4", domain.StatusCancelled)

	require.NoError(t, r.Apply(ctx, domain.ChannelCompleted, payload(t, domain.LifecycleEvent{
		EvalID: "ev4",
		Output: "late result",
	})))

	e, err := st.Get(ctx, "ev4")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, e.Status)
	assert.Empty(t, e.Output)
}

func TestApplyCancelledFromRunning(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev5", domain.StatusRunning)

	require.NoError(t, r.Apply(ctx, domain.ChannelCancelled, payload(t, domain.LifecycleEvent{
		EvalID: "ev5",
	})))

	e, err := st.Get(ctx, "ev5")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, e.Status)
	require.NotNil(t, e.CompletedAt)
}

func TestApplyFailureCapturesError(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev6", domain.StatusRunning)

	exit := 137
	require.NoError(t, r.Apply(ctx, domain.ChannelFailed, payload(t, domain.LifecycleEvent{
		EvalID:   "ev6",
		Error:    "OOMKilled",
		ExitCode: &exit,
	})))

	e, err := st.Get(ctx, "ev6")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, "OOMKilled", e.Error)
	require.NotNil(t, e.ExitCode)
	assert.Equal(t, 137, *e.ExitCode)
}

func TestApplyCreatesMissingRecord(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()

	exit := 0
	require.NoError(t, r.Apply(ctx, domain.ChannelCompleted, payload(t, domain.LifecycleEvent{
		EvalID:   "ev-orphan",
		Output:   "late arrival\n",
		ExitCode: &exit,
	})))

	e, err := st.Get(ctx, "ev-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, e.Status)
	assert.Equal(t, "late arrival\n", e.Output)
	require.NotNil(t, e.CompletedAt)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestApplyTimeoutExitCodeLandsAsTimeout(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev8", domain.StatusRunning)

	exit := 124
	require.NoError(t, r.Apply(ctx, domain.ChannelFailed, payload(t, domain.LifecycleEvent{
		EvalID:   "ev8",
		Error:    "command terminated",
		ExitCode: &exit,
	})))

	e, err := st.Get(ctx, "ev8")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimeout, e.Status)
	require.NotNil(t, e.ExitCode)
	assert.Equal(t, 124, *e.ExitCode)
	require.NotNil(t, e.CompletedAt)
}

func TestApplyFinalFailureMetadataReachesRecord(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	seed(t, st, "ev9", domain.StatusProvisioning)

	require.NoError(t, r.Apply(ctx, domain.ChannelFailed, payload(t, domain.LifecycleEvent{
		EvalID:   "ev9",
		Error:    "resource_exhaustion: quota still full",
		Metadata: map[string]any{"final_failure": true, "reason": "resource_exhaustion"},
	})))

	e, err := st.Get(ctx, "ev9")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, true, e.Metadata["final_failure"])
	assert.Equal(t, "resource_exhaustion", e.Metadata["reason"])
}

func TestRunDeliversThroughBus(t *testing.T) {
	r, st, bus := newTestReconciler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seed(t, st, "ev7", domain.StatusProvisioning)

	go r.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.ChannelRunning, payload(t, domain.LifecycleEvent{
		EvalID: "ev7",
	})))

	require.Eventually(t, func() bool {
		e, err := st.Get(ctx, "ev7")
		return err == nil && e.Status == domain.StatusRunning
	}, 2*time.Second, 20*time.Millisecond)
}
