package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/internal/adapter/store/memstore"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/usecase"
)

type okBroker struct{ items []domain.WorkItem }

func (b *okBroker) Enqueue(_ domain.Context, item domain.WorkItem) error {
	b.items = append(b.items, item)
	return nil
}

type nopBus struct{}

func (nopBus) Publish(domain.Context, string, []byte) error             { return nil }
func (nopBus) SetJobState(domain.Context, string, string) error        { return nil }
func (nopBus) GetJobState(domain.Context, string) (string, error)      { return "", nil }
func (nopBus) ClearJobState(domain.Context, string) error              { return nil }
func (nopBus) SetRunning(domain.Context, string, map[string]string) error {
	return nil
}
func (nopBus) ClearRunning(domain.Context, string) error      { return nil }
func (nopBus) AddRunningMember(domain.Context, string) error  { return nil }
func (nopBus) RemoveRunningMember(domain.Context, string) error {
	return nil
}
func (nopBus) PushDLQ(domain.Context, domain.DLQEntry) error { return nil }

type openDispatcher struct{}

func (openDispatcher) CheckCapacity(domain.Context, domain.WorkItem) (domain.Capacity, error) {
	return domain.Capacity{Allowed: true}, nil
}
func (openDispatcher) Execute(domain.Context, domain.WorkItem) (string, error) { return "j", nil }
func (openDispatcher) JobStatus(domain.Context, string) (domain.JobStatus, error) {
	return domain.JobStatus{}, nil
}
func (openDispatcher) JobResult(domain.Context, string) (domain.JobResult, error) {
	return domain.JobResult{}, nil
}
func (openDispatcher) DeleteJob(domain.Context, string) error { return nil }

type emptyDLQ struct{}

func (emptyDLQ) ListDLQ(domain.Context, int) ([]domain.DLQEntry, error) { return nil, nil }

type nopOverflow struct{}

func (nopOverflow) FetchOverflow(domain.Context, string, string) ([]byte, error) {
	return nil, domain.ErrNotFound
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	svc := usecase.NewService(st, nopOverflow{}, &okBroker{}, nopBus{}, openDispatcher{}, emptyDLQ{}, 3600)
	srv := NewServer(svc)
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 1000}
	ts := httptest.NewServer(srv.Router(cfg, nil))
	t.Cleanup(ts.Close)
	return ts, st
}

func submitOne(t *testing.T, ts *httptest.Server) domain.Evaluation {
	t.Helper()
	body := `{"code":"print(42)","language":"python"}`
	resp, err := http.Post(ts.URL+"/v1/evaluations", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var e domain.Evaluation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestSubmitAndFetch(t *testing.T) {
	ts, _ := newTestServer(t)

	e := submitOne(t, ts)
	assert.Equal(t, domain.StatusQueued, e.Status)
	assert.Regexp(t, `^\d{8}_\d{6}_[0-9a-f]{8}$`, e.ID)

	resp, err := http.Get(ts.URL + "/v1/evaluations/" + e.ID)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got domain.Evaluation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, e.ID, got.ID)
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/evaluations", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "INVALID_REQUEST", envelope.Error.Code)
}

func TestSubmitRejectsUnknownLanguage(t *testing.T) {
	ts, _ := newTestServer(t)

	body := `{"code":"x","language":"fortran"}`
	resp, err := http.Post(ts.URL+"/v1/evaluations", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/evaluations/20260825_000000_ffffffff")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListReturnsPage(t *testing.T) {
	ts, _ := newTestServer(t)
	submitOne(t, ts)
	submitOne(t, ts)

	resp, err := http.Get(ts.URL + "/v1/evaluations?limit=1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page usecase.ListResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Total)
}

func TestCancelFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	e := submitOne(t, ts)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		ts.URL+"/v1/evaluations/"+e.ID+"/cancel", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got domain.Evaluation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, domain.StatusCancelled, got.Status)

	// A second cancel conflicts.
	resp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestOutputEndpointServesInlineText(t *testing.T) {
	ts, st := newTestServer(t)
	e := submitOne(t, ts)

	out := "42\n"
	stC := domain.StatusCompleted
	_, err := st.Update(context.Background(), e.ID, domain.UpdateFields{Status: &stC, Output: &out})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/v1/evaluations/" + e.ID + "/output")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, "42\n", buf.String())
}

func TestDLQEndpointEmpty(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/dlq")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Entries []domain.DLQEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Empty(t, payload.Entries)
}
