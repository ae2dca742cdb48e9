package kubernetes

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/evalgrid/evalgrid/internal/domain"
)

const (
	labelApp       = "app"
	labelAppValue  = "evaluation"
	labelEvalID    = "eval-id"
	labelCreatedBy = "created-by"
	createdByValue = "dispatcher"

	annotationEvalID    = "evalgrid.io/eval-id"
	annotationCreatedAt = "evalgrid.io/created-at"

	// activeDeadlineSlack covers image pulls and scheduling on top of the
	// in-container timeout.
	activeDeadlineSlack = 300

	defaultTimeoutSeconds = 300
)

// Execute launches one evaluation as a Kubernetes Job and returns its name.
func (d *Dispatcher) Execute(ctx domain.Context, item domain.WorkItem) (string, error) {
	// A request that can never fit the quota's hard totals must fail as a
	// client error here; only the transient "currently full" condition may
	// surface later as a retryable 429 from admission.
	if _, err := d.CheckCapacity(ctx, item); err != nil {
		if errors.Is(err, domain.ErrQuotaRejected) || errors.Is(err, domain.ErrValidationFailed) {
			return "", err
		}
		slog.Warn("quota re-validation unavailable, relying on admission",
			slog.String("eval_id", item.EvalID), slog.Any("error", err))
	}

	runtimeClass, err := d.runtimeClassName(ctx)
	if err != nil {
		return "", err
	}
	job, err := d.buildJob(ctx, item, runtimeClass)
	if err != nil {
		return "", err
	}
	created, err := d.client.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			// The job name is deterministic per evaluation, so a duplicate
			// dispatch of the same item lands here and is idempotent.
			slog.Info("job already exists, treating dispatch as done",
				slog.String("job", job.Name))
			return job.Name, nil
		}
		if apierrors.IsForbidden(err) {
			// Quota admission rejected the creation; this recovers as other
			// evaluations finish.
			return "", fmt.Errorf("op=dispatcher.execute: %s: %w", err.Error(), domain.ErrResourceExhausted)
		}
		var statusErr *apierrors.StatusError
		if errors.As(err, &statusErr) {
			// Preserve the API server's status code so the worker's retry
			// classification sees the real cause.
			return "", &domain.StatusError{
				Code:    int(statusErr.ErrStatus.Code),
				Message: statusErr.ErrStatus.Message,
			}
		}
		return "", fmt.Errorf("op=dispatcher.execute: %w", err)
	}
	slog.Info("job created",
		slog.String("job", created.Name),
		slog.String("eval_id", item.EvalID),
		slog.String("image", job.Spec.Template.Spec.Containers[0].Image))
	return created.Name, nil
}

// DeleteJob removes a job and its pods; used by cancellation and cleanup.
func (d *Dispatcher) DeleteJob(ctx domain.Context, job string) error {
	policy := metav1.DeletePropagationForeground
	err := d.client.BatchV1().Jobs(d.namespace).Delete(ctx, job, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("op=dispatcher.delete_job %s: %w", job, domain.ErrNotFound)
		}
		return fmt.Errorf("op=dispatcher.delete_job %s: %w", job, err)
	}
	return nil
}

func (d *Dispatcher) buildJob(ctx domain.Context, item domain.WorkItem, runtimeClass string) (*batchv1.Job, error) {
	timeout := item.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	if timeout > d.cfg.MaxJobTTL {
		timeout = d.cfg.MaxJobTTL
	}

	memLimitMB, err := ParseMemoryMB(item.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.build_job: %w: %s", domain.ErrValidationFailed, err)
	}
	cpuLimitM, err := ParseCPUMillis(item.CPULimit)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.build_job: %w: %s", domain.ErrValidationFailed, err)
	}

	name := domain.JobNameFor(item.EvalID)
	image := d.ResolveImage(ctx, item)

	ttl := int32(d.cfg.JobCleanupTTL)
	activeDeadline := int64(timeout + activeDeadlineSlack)
	backoffLimit := int32(0)
	grace := int64(1)
	runAsNonRoot := true
	runAsUser := int64(65534)
	readOnlyRoot := true
	allowPrivEsc := false

	podSpec := corev1.PodSpec{
		RestartPolicy:                 corev1.RestartPolicyNever,
		TerminationGracePeriodSeconds: &grace,
		PriorityClassName:             priorityClassFor(item.Priority),
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: &runAsNonRoot,
			RunAsUser:    &runAsUser,
			SeccompProfile: &corev1.SeccompProfile{
				Type: corev1.SeccompProfileTypeRuntimeDefault,
			},
		},
		Volumes: []corev1.Volume{{
			Name: "scratch",
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{
					SizeLimit: resource.NewQuantity(256<<20, resource.BinarySI),
				},
			},
		}},
		Containers: []corev1.Container{{
			Name:    "executor",
			Image:   image,
			Command: commandFor(item, timeout),
			Env: []corev1.EnvVar{
				{Name: "EVALUATION_ID", Value: item.EvalID},
				{Name: "PYTHONUNBUFFERED", Value: "1"},
			},
			Resources: corev1.ResourceRequirements{
				Limits: corev1.ResourceList{
					corev1.ResourceMemory: *resource.NewQuantity(memLimitMB<<20, resource.BinarySI),
					corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuLimitM, resource.DecimalSI),
				},
				Requests: corev1.ResourceList{
					corev1.ResourceMemory: *resource.NewQuantity(memoryRequestMB(memLimitMB)<<20, resource.BinarySI),
					corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuRequestMillis(cpuLimitM), resource.DecimalSI),
				},
			},
			SecurityContext: &corev1.SecurityContext{
				ReadOnlyRootFilesystem:   &readOnlyRoot,
				AllowPrivilegeEscalation: &allowPrivEsc,
				Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
			},
			VolumeMounts: []corev1.VolumeMount{{Name: "scratch", MountPath: "/tmp"}},
		}},
	}
	if runtimeClass != "" {
		podSpec.RuntimeClassName = &runtimeClass
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels: map[string]string{
				labelApp:       labelAppValue,
				labelEvalID:    item.EvalID,
				labelCreatedBy: createdByValue,
			},
			Annotations: map[string]string{
				annotationEvalID:    item.EvalID,
				annotationCreatedAt: time.Now().UTC().Format(time.RFC3339),
			},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &activeDeadline,
			BackoffLimit:            &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						labelApp:    labelAppValue,
						labelEvalID: item.EvalID,
					},
				},
				Spec: podSpec,
			},
		},
	}, nil
}

// commandFor wraps the submitted code in an in-container timeout so the
// process dies before the scheduler-side active deadline fires.
func commandFor(item domain.WorkItem, timeoutSeconds int) []string {
	switch item.Language {
	case "python", "":
		return []string{
			"timeout", fmt.Sprintf("%d", timeoutSeconds),
			"python3", "-u", "-c", item.Code,
		}
	default:
		return []string{
			"timeout", fmt.Sprintf("%d", timeoutSeconds),
			"sh", "-c", item.Code,
		}
	}
}

// priorityClassFor maps the submission priority (-1, 0, 1) onto the three
// provisioned PriorityClasses.
func priorityClassFor(priority int) string {
	switch {
	case priority > 0:
		return "high-priority-evaluation"
	case priority < 0:
		return "low-priority-evaluation"
	default:
		return "normal-priority-evaluation"
	}
}
