package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/internal/domain"
)

type stubDispatcher struct {
	capacity    domain.Capacity
	capacityErr error
	job         string
	executeErr  error
	status      domain.JobStatus
	result      domain.JobResult
	deleteErr   error

	lastExecuted domain.WorkItem
}

func (s *stubDispatcher) CheckCapacity(_ domain.Context, _ domain.WorkItem) (domain.Capacity, error) {
	return s.capacity, s.capacityErr
}

func (s *stubDispatcher) Execute(_ domain.Context, item domain.WorkItem) (string, error) {
	s.lastExecuted = item
	return s.job, s.executeErr
}

func (s *stubDispatcher) JobStatus(_ domain.Context, job string) (domain.JobStatus, error) {
	st := s.status
	st.Job = job
	return st, nil
}

func (s *stubDispatcher) JobResult(_ domain.Context, _ string) (domain.JobResult, error) {
	return s.result, nil
}

func (s *stubDispatcher) DeleteJob(_ domain.Context, _ string) error { return s.deleteErr }

func newRoundTrip(t *testing.T, stub *stubDispatcher) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(NewServer(stub).Router())
	return NewClient(srv.URL), srv.Close
}

func TestExecuteRoundTrip(t *testing.T) {
	stub := &stubDispatcher{job: "eval-20260825-deadbeef"}
	client, done := newRoundTrip(t, stub)
	defer done()

	item := domain.WorkItem{
		EvalID:      "ev1",
		Code:        "print(1)",
		Language:    "python",
		MemoryLimit: "256Mi",
		CPULimit:    "250m",
	}
	job, err := client.Execute(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "eval-20260825-deadbeef", job)
	assert.Equal(t, "ev1", stub.lastExecuted.EvalID)
	assert.Equal(t, "print(1)", stub.lastExecuted.Code)
}

func TestExecutePropagatesQuotaRejection(t *testing.T) {
	stub := &stubDispatcher{executeErr: domain.ErrQuotaRejected}
	client, done := newRoundTrip(t, stub)
	defer done()

	_, err := client.Execute(context.Background(), domain.WorkItem{EvalID: "ev1", Code: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuotaRejected)
	assert.Equal(t, 422, domain.HTTPStatus(err))
}

func TestExecutePropagatesResourceExhaustion(t *testing.T) {
	stub := &stubDispatcher{executeErr: domain.ErrResourceExhausted}
	client, done := newRoundTrip(t, stub)
	defer done()

	_, err := client.Execute(context.Background(), domain.WorkItem{EvalID: "ev1", Code: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
	assert.Equal(t, domain.RetryQuota, domain.ClassifyDispatchError(err))
}

func TestExecutePropagatesStatusCode(t *testing.T) {
	stub := &stubDispatcher{executeErr: &domain.StatusError{Code: 503, Message: "apiserver unreachable"}}
	client, done := newRoundTrip(t, stub)
	defer done()

	_, err := client.Execute(context.Background(), domain.WorkItem{EvalID: "ev1", Code: "x"})
	require.Error(t, err)
	assert.Equal(t, 503, domain.HTTPStatus(err))
	assert.Equal(t, domain.RetryDefault, domain.ClassifyDispatchError(err))
}

func TestCapacityRoundTrip(t *testing.T) {
	stub := &stubDispatcher{capacity: domain.Capacity{
		Allowed: false, Reason: "memory quota full",
		UsedMemoryMB: 4000, HardMemoryMB: 4096,
	}}
	client, done := newRoundTrip(t, stub)
	defer done()

	got, err := client.CheckCapacity(context.Background(), domain.WorkItem{
		EvalID: "ev1", MemoryLimit: "512Mi", CPULimit: "500m",
	})
	require.NoError(t, err)
	assert.False(t, got.Allowed)
	assert.Equal(t, int64(4096), got.HardMemoryMB)
}

func TestJobStatusRoundTrip(t *testing.T) {
	stub := &stubDispatcher{status: domain.JobStatus{Phase: domain.PhaseRunning, Active: 1}}
	client, done := newRoundTrip(t, stub)
	defer done()

	st, err := client.JobStatus(context.Background(), "eval-x")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRunning, st.Phase)
	assert.Equal(t, "eval-x", st.Job)
}

func TestJobResultRoundTrip(t *testing.T) {
	exit := 137
	stub := &stubDispatcher{result: domain.JobResult{Logs: "oom\n", ExitCode: &exit}}
	client, done := newRoundTrip(t, stub)
	defer done()

	result, err := client.JobResult(context.Background(), "eval-x")
	require.NoError(t, err)
	assert.Equal(t, "oom\n", result.Logs)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 137, *result.ExitCode)
}

func TestDeleteJobNotFound(t *testing.T) {
	stub := &stubDispatcher{deleteErr: domain.ErrNotFound}
	client, done := newRoundTrip(t, stub)
	defer done()

	err := client.DeleteJob(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteRejectsEmptyBody(t *testing.T) {
	stub := &stubDispatcher{}
	client, done := newRoundTrip(t, stub)
	defer done()

	_, err := client.Execute(context.Background(), domain.WorkItem{})
	require.Error(t, err)
	assert.Equal(t, 400, domain.HTTPStatus(err))
}
