// Package kubernetes implements the execution backend on a Kubernetes
// cluster: admission against the namespace quota, Job construction with the
// isolation profile, status classification, log capture and the event
// watcher that feeds the lifecycle bus.
package kubernetes

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseMemoryMB converts a memory quantity string to whole mebibytes.
// Binary suffixes use powers of 1024; an unsuffixed value is plain bytes
// and rounds down.
func ParseMemoryMB(q string) (int64, error) {
	s := strings.TrimSpace(q)
	if s == "" {
		return 0, fmt.Errorf("op=resources.parse_memory: empty quantity")
	}
	type suffix struct {
		tag string
		mb  int64
	}
	for _, sf := range []suffix{
		{"Ti", 1024 * 1024},
		{"Gi", 1024},
		{"Mi", 1},
	} {
		if strings.HasSuffix(s, sf.tag) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, sf.tag), 64)
			if err != nil {
				return 0, fmt.Errorf("op=resources.parse_memory %q: %w", q, err)
			}
			return int64(n * float64(sf.mb)), nil
		}
	}
	if strings.HasSuffix(s, "Ki") {
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "Ki"), 64)
		if err != nil {
			return 0, fmt.Errorf("op=resources.parse_memory %q: %w", q, err)
		}
		return int64(n / 1024), nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("op=resources.parse_memory %q: %w", q, err)
	}
	return int64(n / 1024 / 1024), nil
}

// ParseCPUMillis converts a CPU quantity string to millicores. "500m" is
// 500; a bare number is whole cores.
func ParseCPUMillis(q string) (int64, error) {
	s := strings.TrimSpace(q)
	if s == "" {
		return 0, fmt.Errorf("op=resources.parse_cpu: empty quantity")
	}
	if strings.HasSuffix(s, "m") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("op=resources.parse_cpu %q: %w", q, err)
		}
		return n, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("op=resources.parse_cpu %q: %w", q, err)
	}
	return int64(math.Round(n * 1000)), nil
}

// Scheduling defaults: requests stay small so queued evaluations pack
// densely, but never exceed the limit.
const (
	defaultMemoryRequestMB = 128
	defaultCPURequestM     = 100
)

// memoryRequestMB returns the request for a given limit: the default,
// clamped to the limit.
func memoryRequestMB(limitMB int64) int64 {
	if limitMB < defaultMemoryRequestMB {
		return limitMB
	}
	return defaultMemoryRequestMB
}

// cpuRequestMillis returns the request for a given limit: the default,
// clamped to the limit.
func cpuRequestMillis(limitM int64) int64 {
	if limitM < defaultCPURequestM {
		return limitM
	}
	return defaultCPURequestM
}
