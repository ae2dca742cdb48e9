package kubernetes

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// maxLogBytes caps a single result capture. Anything larger is truncated
// here and the full text, when needed, comes from the aggregation backend.
const maxLogBytes = 10 << 20

// JobResult captures the container output and exit code for a job's pod.
// When the pod is already gone (TTL cleanup, node loss) the fallback log
// reader answers instead.
func (d *Dispatcher) JobResult(ctx domain.Context, job string) (domain.JobResult, error) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + job,
	})
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=dispatcher.job_result %s: %w", job, err)
	}
	if len(pods.Items) == 0 {
		return d.fallbackResult(ctx, job)
	}

	// Jobs run a single pod (backoffLimit 0); take the most recent one if
	// the scheduler ever produced more.
	pod := lo.MaxBy(pods.Items, func(a, b corev1.Pod) bool {
		return a.CreationTimestamp.After(b.CreationTimestamp.Time)
	})

	result := domain.JobResult{ExitCode: containerExitCode(pod), Source: "pod"}

	limit := int64(maxLogBytes)
	req := d.client.CoreV1().Pods(d.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container:  "executor",
		LimitBytes: &limit,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return d.fallbackResult(ctx, job)
		}
		return result, fmt.Errorf("op=dispatcher.job_result %s: logs: %w", job, err)
	}
	defer func() { _ = stream.Close() }()
	b, err := io.ReadAll(stream)
	if err != nil {
		return result, fmt.Errorf("op=dispatcher.job_result %s: read logs: %w", job, err)
	}
	result.Logs = string(b)
	return result, nil
}

// fallbackResult queries the aggregation backend for logs of an evicted or
// cleaned-up pod. No backend configured means the output is simply lost.
func (d *Dispatcher) fallbackResult(ctx domain.Context, job string) (domain.JobResult, error) {
	if d.logs == nil {
		return domain.JobResult{}, nil
	}
	text, err := d.logs.PodLogs(ctx, d.namespace, job)
	if err != nil {
		slog.Warn("fallback log fetch failed",
			slog.String("job", job), slog.Any("error", err))
		return domain.JobResult{}, nil
	}
	return domain.JobResult{Logs: text, Source: "aggregator"}, nil
}

// containerExitCode reads the executor container's termination state.
func containerExitCode(pod corev1.Pod) *int {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != "executor" {
			continue
		}
		if cs.State.Terminated != nil {
			code := int(cs.State.Terminated.ExitCode)
			return &code
		}
		if cs.LastTerminationState.Terminated != nil {
			code := int(cs.LastTerminationState.Terminated.ExitCode)
			return &code
		}
	}
	return nil
}
