package kubernetes

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// JobStatus classifies one job's current phase from its status counters.
func (d *Dispatcher) JobStatus(ctx domain.Context, job string) (domain.JobStatus, error) {
	j, err := d.client.BatchV1().Jobs(d.namespace).Get(ctx, job, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return domain.JobStatus{Job: job, Phase: domain.PhaseNotFound}, nil
		}
		return domain.JobStatus{}, fmt.Errorf("op=dispatcher.job_status %s: %w", job, err)
	}
	return classifyJob(j), nil
}

// classifyJob maps job status counters to a phase. Succeeded and failed win
// over active so that a finished job with a lingering pod reads as settled.
func classifyJob(j *batchv1.Job) domain.JobStatus {
	st := domain.JobStatus{Job: j.Name, Active: int(j.Status.Active)}
	switch {
	case j.Status.Succeeded > 0:
		st.Phase = domain.PhaseSucceeded
	case j.Status.Failed > 0:
		st.Phase = domain.PhaseFailed
		st.Message = failureMessage(j)
	case j.Status.Active > 0:
		st.Phase = domain.PhaseRunning
	default:
		st.Phase = domain.PhasePending
	}
	return st
}

// failureMessage extracts the most specific failure condition message.
func failureMessage(j *batchv1.Job) string {
	for _, cond := range j.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == "True" {
			if cond.Message != "" {
				return cond.Message
			}
			return string(cond.Reason)
		}
	}
	return ""
}
