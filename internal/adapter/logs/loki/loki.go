// Package loki reads pod logs back out of a Loki aggregation backend. The
// dispatcher uses it when the pod is already gone from the API server, which
// is the common case after TTL cleanup.
package loki

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evalgrid/evalgrid/internal/domain"
)

const (
	queryTimeout = 15 * time.Second
	// lookback bounds how far back the query reaches; evaluation jobs are
	// short-lived so a day is generous.
	lookback = 24 * time.Hour
	// maxLines caps one recovery query.
	maxLines = 5000
)

// Client queries one Loki instance.
type Client struct {
	base string
	http *http.Client
}

// New points a Client at the Loki base URL.
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Timeout: queryTimeout},
	}
}

// queryRangeResponse is the subset of Loki's query_range payload we read.
type queryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Values [][2]string `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// PodLogs returns the concatenated log lines for pods of one job, matched
// by namespace and pod name prefix, in timestamp order.
func (c *Client) PodLogs(ctx domain.Context, namespace, podPrefix string) (string, error) {
	query := fmt.Sprintf(`{namespace=%q, pod=~%q}`, namespace, regexEscape(podPrefix)+".*")
	now := time.Now()

	q := url.Values{}
	q.Set("query", query)
	q.Set("start", strconv.FormatInt(now.Add(-lookback).UnixNano(), 10))
	q.Set("end", strconv.FormatInt(now.UnixNano(), 10))
	q.Set("limit", strconv.Itoa(maxLines))
	q.Set("direction", "forward")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/loki/api/v1/query_range?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("op=loki.pod_logs: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=loki.pod_logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=loki.pod_logs: status %d", resp.StatusCode)
	}

	var payload queryRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("op=loki.pod_logs: decode: %w", err)
	}

	type line struct {
		ts   int64
		text string
	}
	var lines []line
	for _, stream := range payload.Data.Result {
		for _, v := range stream.Values {
			ts, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			lines = append(lines, line{ts: ts, text: v[1]})
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ts < lines[j].ts })

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.text)
		if !strings.HasSuffix(l.text, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// regexEscape escapes LogQL regex metacharacters in a literal pod prefix.
func regexEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
