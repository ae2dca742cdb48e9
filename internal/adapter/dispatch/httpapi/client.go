package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// clientTimeout bounds each dispatcher call. Dispatch itself is quick; the
// long-running part happens in the cluster.
const clientTimeout = 30 * time.Second

// Client implements domain.Dispatcher over the dispatcher's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient points a Client at the dispatcher base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Timeout: clientTimeout},
	}
}

// Ping reports dispatcher liveness for readiness probes.
func (c *Client) Ping(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("op=dispatchclient.ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=dispatchclient.ping: %w", domain.ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=dispatchclient.ping: status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}
	return nil
}

// CheckCapacity asks the dispatcher whether the item fits right now.
func (c *Client) CheckCapacity(ctx domain.Context, item domain.WorkItem) (domain.Capacity, error) {
	q := url.Values{}
	q.Set("eval_id", item.EvalID)
	q.Set("memory", item.MemoryLimit)
	q.Set("cpu", item.CPULimit)

	var capacity domain.Capacity
	if err := c.get(ctx, "/v1/capacity?"+q.Encode(), &capacity); err != nil {
		return domain.Capacity{}, fmt.Errorf("op=dispatchclient.capacity: %w", err)
	}
	return capacity, nil
}

// Execute launches the item and returns the job name.
func (c *Client) Execute(ctx domain.Context, item domain.WorkItem) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("op=dispatchclient.execute: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=dispatchclient.execute: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Job string `json:"job"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("op=dispatchclient.execute: %w", err)
	}
	return out.Job, nil
}

// JobStatus fetches the dispatcher's view of one job.
func (c *Client) JobStatus(ctx domain.Context, job string) (domain.JobStatus, error) {
	var st domain.JobStatus
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(job)+"/status", &st); err != nil {
		return domain.JobStatus{}, fmt.Errorf("op=dispatchclient.job_status: %w", err)
	}
	return st, nil
}

// JobResult fetches captured logs and the exit code for a job.
func (c *Client) JobResult(ctx domain.Context, job string) (domain.JobResult, error) {
	var result domain.JobResult
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(job)+"/logs", &result); err != nil {
		return domain.JobResult{}, fmt.Errorf("op=dispatchclient.job_result: %w", err)
	}
	return result, nil
}

// DeleteJob removes a job; used for cancellation.
func (c *Client) DeleteJob(ctx domain.Context, job string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/v1/jobs/"+url.PathEscape(job), nil)
	if err != nil {
		return fmt.Errorf("op=dispatchclient.delete_job: %w", err)
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("op=dispatchclient.delete_job: %w", err)
	}
	return nil
}

func (c *Client) get(ctx domain.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do executes a request and decodes either the payload or the error. Error
// responses become StatusError so the worker's retry classification sees the
// real code; quota outcomes additionally wrap the matching sentinel.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// Connection failures carry no status code; classification treats
		// them as transient.
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	msg := readErrorMessage(resp.Body)
	statusErr := &domain.StatusError{Code: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", domain.ErrQuotaRejected, statusErr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrResourceExhausted, statusErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, statusErr)
	default:
		return statusErr
	}
}

func readErrorMessage(r io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	b, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "request failed"
	}
	if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(b))
}
