package redpanda

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/internal/adapter/store/memstore"
	"github.com/evalgrid/evalgrid/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	dlq       []domain.DLQEntry
	running   map[string]map[string]string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: map[string][][]byte{},
		running:   map[string]map[string]string{},
	}
}

func (b *fakeBus) Publish(_ domain.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) SetJobState(domain.Context, string, string) error    { return nil }
func (b *fakeBus) GetJobState(domain.Context, string) (string, error)  { return "", nil }
func (b *fakeBus) ClearJobState(domain.Context, string) error          { return nil }
func (b *fakeBus) SetRunning(_ domain.Context, evalID string, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := b.running[evalID]
	if merged == nil {
		merged = map[string]string{}
	}
	for k, v := range fields {
		merged[k] = v
	}
	b.running[evalID] = merged
	return nil
}
func (b *fakeBus) ClearRunning(domain.Context, string) error        { return nil }
func (b *fakeBus) AddRunningMember(domain.Context, string) error    { return nil }
func (b *fakeBus) RemoveRunningMember(domain.Context, string) error { return nil }

func (b *fakeBus) PushDLQ(_ domain.Context, entry domain.DLQEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = append(b.dlq, entry)
	return nil
}

func (b *fakeBus) publishedOn(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type fakeDispatcher struct {
	capacityErr error
	capacity    domain.Capacity
	executeErr  error
	job         string
	statuses    []domain.JobStatus
	result      domain.JobResult

	mu    sync.Mutex
	calls int
}

func (d *fakeDispatcher) CheckCapacity(domain.Context, domain.WorkItem) (domain.Capacity, error) {
	if d.capacityErr != nil {
		return domain.Capacity{}, d.capacityErr
	}
	return d.capacity, nil
}

func (d *fakeDispatcher) Execute(domain.Context, domain.WorkItem) (string, error) {
	if d.executeErr != nil {
		return "", d.executeErr
	}
	return d.job, nil
}

func (d *fakeDispatcher) JobStatus(domain.Context, string) (domain.JobStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.statuses) == 0 {
		return domain.JobStatus{Phase: domain.PhasePending}, nil
	}
	st := d.statuses[0]
	if len(d.statuses) > 1 {
		d.statuses = d.statuses[1:]
	}
	d.calls++
	return st, nil
}

func (d *fakeDispatcher) JobResult(domain.Context, string) (domain.JobResult, error) {
	return d.result, nil
}

func (d *fakeDispatcher) DeleteJob(domain.Context, string) error { return nil }

type fakeBroker struct {
	mu    sync.Mutex
	items []domain.WorkItem
}

func (b *fakeBroker) Enqueue(_ domain.Context, item domain.WorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, item)
	return nil
}

func (b *fakeBroker) enqueued() []domain.WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.WorkItem, len(b.items))
	copy(out, b.items)
	return out
}

func newWorkerUnderTest(store domain.Store, bus domain.EventBus, d domain.Dispatcher, b domain.Broker, eventMonitoring bool) *Worker {
	w := NewWorker(store, bus, d, b, eventMonitoring)
	w.sleep = func(time.Duration) {}
	return w
}

func seedEvaluation(t *testing.T, st domain.Store, id string, status domain.EvaluationStatus) {
	t.Helper()
	require.NoError(t, st.Create(context.Background(), domain.Evaluation{
		ID:        id,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestProcessDispatchesAndMarksProvisioning(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	d := &fakeDispatcher{capacity: domain.Capacity{Allowed: true}, job: "eval-x-deadbeef"}
	w := newWorkerUnderTest(st, bus, d, &fakeBroker{}, true)

	seedEvaluation(t, st, "ev1", domain.StatusQueued)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{EvalID: "ev1"}))

	e, err := st.Get(context.Background(), "ev1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProvisioning, e.Status)
	assert.Equal(t, "eval-x-deadbeef", e.Metadata["job_name"])

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, "eval-x-deadbeef", bus.running["ev1"]["job_name"])
}

func TestProcessDropsSettledEvaluation(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	d := &fakeDispatcher{capacity: domain.Capacity{Allowed: true}, job: "j"}
	w := newWorkerUnderTest(st, bus, d, &fakeBroker{}, true)

	seedEvaluation(t, st, "ev2", domain.StatusCancelled)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{EvalID: "ev2"}))

	e, err := st.Get(context.Background(), "ev2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, e.Status)
}

func TestProcessPermanentFailurePublishesFailed(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	d := &fakeDispatcher{
		capacity:   domain.Capacity{Allowed: true},
		executeErr: &domain.StatusError{Code: 400, Message: "bad manifest"},
	}
	w := newWorkerUnderTest(st, bus, d, &fakeBroker{}, true)

	seedEvaluation(t, st, "ev3", domain.StatusQueued)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{EvalID: "ev3"}))
	assert.Equal(t, 1, bus.publishedOn(domain.ChannelFailed))
}

func TestProcessTransientFailureReenqueuesWithIncrement(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	broker := &fakeBroker{}
	d := &fakeDispatcher{
		capacity:   domain.Capacity{Allowed: true},
		executeErr: &domain.StatusError{Code: 500, Message: "apiserver down"},
	}
	w := newWorkerUnderTest(st, bus, d, broker, true)

	seedEvaluation(t, st, "ev4", domain.StatusQueued)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{EvalID: "ev4", Retries: 2}))

	require.Eventually(t, func() bool { return len(broker.enqueued()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, broker.enqueued()[0].Retries)
	assert.Equal(t, 0, bus.publishedOn(domain.ChannelFailed))
}

func TestProcessExhaustedRetriesDeadLetters(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	broker := &fakeBroker{}
	d := &fakeDispatcher{
		capacity:   domain.Capacity{Allowed: true},
		executeErr: &domain.StatusError{Code: 503, Message: "still down"},
	}
	w := newWorkerUnderTest(st, bus, d, broker, true)

	seedEvaluation(t, st, "ev5", domain.StatusQueued)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{
		EvalID:  "ev5",
		Retries: domain.MaxRetries,
	}))

	bus.mu.Lock()
	require.Len(t, bus.dlq, 1)
	entry := bus.dlq[0]
	bus.mu.Unlock()
	assert.Equal(t, "ev5", entry.EvaluationID)
	assert.Equal(t, domain.MaxRetries, entry.Retries)
	assert.Empty(t, broker.enqueued())
	assert.Equal(t, 1, bus.publishedOn(domain.ChannelFailed))
}

func TestProcessQuotaPressureUsesQuotaBudget(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	broker := &fakeBroker{}
	d := &fakeDispatcher{capacity: domain.Capacity{Allowed: false, Reason: "namespace quota full"}}
	w := newWorkerUnderTest(st, bus, d, broker, true)

	seedEvaluation(t, st, "ev6", domain.StatusQueued)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{
		EvalID:  "ev6",
		Retries: domain.MaxRetries, // the default budget being spent must not matter
	}))

	require.Eventually(t, func() bool { return len(broker.enqueued()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, broker.enqueued()[0].QuotaRetries)
}

func TestProcessQuotaExhaustionDeadLettersWithReason(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	broker := &fakeBroker{}
	d := &fakeDispatcher{capacity: domain.Capacity{Allowed: false, Reason: "namespace quota full"}}
	w := newWorkerUnderTest(st, bus, d, broker, true)

	seedEvaluation(t, st, "ev8", domain.StatusQueued)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{
		EvalID:       "ev8",
		QuotaRetries: domain.MaxQuotaRetries,
	}))

	bus.mu.Lock()
	require.Len(t, bus.dlq, 1)
	entry := bus.dlq[0]
	payloads := bus.published[domain.ChannelFailed]
	bus.mu.Unlock()

	assert.Equal(t, "resource_exhaustion", entry.Metadata["reason"])
	require.Len(t, payloads, 1)
	var ev domain.LifecycleEvent
	require.NoError(t, json.Unmarshal(payloads[0], &ev))
	assert.Equal(t, "resource_exhaustion", ev.Metadata["reason"])
	assert.Equal(t, true, ev.Metadata["final_failure"])
	assert.Empty(t, broker.enqueued())
}

func TestPollingFallbackPublishesCompletion(t *testing.T) {
	st := memstore.New()
	bus := newFakeBus()
	exit := 0
	d := &fakeDispatcher{
		capacity: domain.Capacity{Allowed: true},
		job:      "job-1",
		statuses: []domain.JobStatus{
			{Phase: domain.PhasePending},
			{Phase: domain.PhaseRunning},
			{Phase: domain.PhaseSucceeded},
		},
		result: domain.JobResult{Logs: "hello\n", ExitCode: &exit},
	}
	w := newWorkerUnderTest(st, bus, d, &fakeBroker{}, false)

	seedEvaluation(t, st, "ev7", domain.StatusQueued)
	require.NoError(t, w.Process(context.Background(), domain.WorkItem{EvalID: "ev7"}))
	assert.Equal(t, 1, bus.publishedOn(domain.ChannelCompleted))
}
