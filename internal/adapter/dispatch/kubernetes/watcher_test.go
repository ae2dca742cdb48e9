package kubernetes

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/evalgrid/evalgrid/internal/domain"
)

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	jobState  map[string]string
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: map[string][][]byte{}, jobState: map[string]string{}}
}

func (b *recordingBus) Publish(_ domain.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) SetJobState(_ domain.Context, job, state string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobState[job] = state
	return nil
}

func (b *recordingBus) GetJobState(_ domain.Context, job string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobState[job], nil
}

func (b *recordingBus) ClearJobState(_ domain.Context, job string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobState, job)
	return nil
}

func (b *recordingBus) SetRunning(domain.Context, string, map[string]string) error { return nil }
func (b *recordingBus) ClearRunning(domain.Context, string) error                  { return nil }
func (b *recordingBus) AddRunningMember(domain.Context, string) error              { return nil }
func (b *recordingBus) RemoveRunningMember(domain.Context, string) error           { return nil }
func (b *recordingBus) PushDLQ(domain.Context, domain.DLQEntry) error              { return nil }

func (b *recordingBus) countOn(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

func jobWithStatus(name, evalID string, status batchv1.JobStatus) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "evaluation",
			Labels: map[string]string{
				labelApp:    labelAppValue,
				labelEvalID: evalID,
			},
		},
		Status: status,
	}
}

func TestWatcherPublishesOncePerTransition(t *testing.T) {
	bus := newRecordingBus()
	d := NewWithClient(testConfig(), fake.NewSimpleClientset(), nil)
	w := NewWatcher(d, bus)
	ctx := context.Background()

	running := jobWithStatus("j1", "ev1", batchv1.JobStatus{Active: 1})
	w.handleJobEvent(ctx, watch.Modified, running)
	w.handleJobEvent(ctx, watch.Modified, running)
	w.handleJobEvent(ctx, watch.Modified, running)

	assert.Equal(t, 1, bus.countOn(domain.ChannelRunning))
}

func TestWatcherPublishesCompletionWithResult(t *testing.T) {
	bus := newRecordingBus()
	d := NewWithClient(testConfig(), fake.NewSimpleClientset(), nil)
	w := NewWatcher(d, bus)
	ctx := context.Background()

	w.handleJobEvent(ctx, watch.Modified, jobWithStatus("j2", "ev2", batchv1.JobStatus{Succeeded: 1}))
	require.Equal(t, 1, bus.countOn(domain.ChannelCompleted))

	var ev domain.LifecycleEvent
	require.NoError(t, json.Unmarshal(bus.published[domain.ChannelCompleted][0], &ev))
	assert.Equal(t, "ev2", ev.EvalID)
	assert.Equal(t, "j2", ev.Metadata["job_name"])
	completedAt, ok := ev.Metadata["completed_at"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, completedAt)
	assert.NoError(t, err)
}

func TestWatcherDeletedMidFlightMeansCancelled(t *testing.T) {
	bus := newRecordingBus()
	d := NewWithClient(testConfig(), fake.NewSimpleClientset(), nil)
	w := NewWatcher(d, bus)
	ctx := context.Background()

	job := jobWithStatus("j3", "ev3", batchv1.JobStatus{Active: 1})
	w.handleJobEvent(ctx, watch.Modified, job)
	w.handleJobEvent(ctx, watch.Deleted, job)

	assert.Equal(t, 1, bus.countOn(domain.ChannelCancelled))
}

func TestWatcherDeletedAfterTerminalIsCleanup(t *testing.T) {
	bus := newRecordingBus()
	d := NewWithClient(testConfig(), fake.NewSimpleClientset(), nil)
	w := NewWatcher(d, bus)
	ctx := context.Background()

	job := jobWithStatus("j4", "ev4", batchv1.JobStatus{Succeeded: 1})
	w.handleJobEvent(ctx, watch.Modified, job)
	w.handleJobEvent(ctx, watch.Deleted, job)

	assert.Equal(t, 1, bus.countOn(domain.ChannelCompleted))
	assert.Equal(t, 0, bus.countOn(domain.ChannelCancelled))
}

func TestWatcherIgnoresUnlabeledJobs(t *testing.T) {
	bus := newRecordingBus()
	d := NewWithClient(testConfig(), fake.NewSimpleClientset(), nil)
	w := NewWatcher(d, bus)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "stray", Namespace: "evaluation"},
		Status:     batchv1.JobStatus{Active: 1},
	}
	w.handleJobEvent(context.Background(), watch.Modified, job)
	assert.Equal(t, 0, bus.countOn(domain.ChannelRunning))
}
