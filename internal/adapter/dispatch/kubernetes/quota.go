package kubernetes

import (
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// quotaName is the ResourceQuota object consulted for admission.
const quotaName = "evaluation-quota"

// CheckCapacity answers whether the item's limits fit the namespace quota
// right now. An absent quota object means the namespace is unbounded.
func (d *Dispatcher) CheckCapacity(ctx domain.Context, item domain.WorkItem) (domain.Capacity, error) {
	quota, err := d.client.CoreV1().ResourceQuotas(d.namespace).Get(ctx, quotaName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return domain.Capacity{Allowed: true}, nil
		}
		return domain.Capacity{}, fmt.Errorf("op=quota.check: %w", err)
	}

	wantMemMB, err := ParseMemoryMB(item.MemoryLimit)
	if err != nil {
		return domain.Capacity{}, fmt.Errorf("op=quota.check: %w: %s", domain.ErrValidationFailed, err)
	}
	wantCPUM, err := ParseCPUMillis(item.CPULimit)
	if err != nil {
		return domain.Capacity{}, fmt.Errorf("op=quota.check: %w: %s", domain.ErrValidationFailed, err)
	}

	answer := domain.Capacity{Allowed: true}

	if hard, ok := quota.Status.Hard[corev1.ResourceLimitsMemory]; ok {
		hardMB, err := ParseMemoryMB(hard.String())
		if err != nil {
			return domain.Capacity{}, fmt.Errorf("op=quota.check: hard memory: %w", err)
		}
		usedMB := int64(0)
		if used, ok := quota.Status.Used[corev1.ResourceLimitsMemory]; ok {
			if usedMB, err = ParseMemoryMB(used.String()); err != nil {
				return domain.Capacity{}, fmt.Errorf("op=quota.check: used memory: %w", err)
			}
		}
		answer.HardMemoryMB = hardMB
		answer.UsedMemoryMB = usedMB
		if wantMemMB > hardMB {
			// The request can never fit, regardless of current usage.
			return domain.Capacity{}, fmt.Errorf(
				"op=quota.check: memory limit %dMi exceeds namespace quota %dMi: %w",
				wantMemMB, hardMB, domain.ErrQuotaRejected)
		}
		if usedMB+wantMemMB > hardMB {
			answer.Allowed = false
			answer.Reason = fmt.Sprintf("memory quota: %d/%dMi used, need %dMi", usedMB, hardMB, wantMemMB)
		}
	}

	if hard, ok := quota.Status.Hard[corev1.ResourceLimitsCPU]; ok {
		hardM, err := ParseCPUMillis(hard.String())
		if err != nil {
			return domain.Capacity{}, fmt.Errorf("op=quota.check: hard cpu: %w", err)
		}
		usedM := int64(0)
		if used, ok := quota.Status.Used[corev1.ResourceLimitsCPU]; ok {
			if usedM, err = ParseCPUMillis(used.String()); err != nil {
				return domain.Capacity{}, fmt.Errorf("op=quota.check: used cpu: %w", err)
			}
		}
		answer.HardCPUMillis = hardM
		answer.UsedCPUMillis = usedM
		if wantCPUM > hardM {
			return domain.Capacity{}, fmt.Errorf(
				"op=quota.check: cpu limit %dm exceeds namespace quota %dm: %w",
				wantCPUM, hardM, domain.ErrQuotaRejected)
		}
		if usedM+wantCPUM > hardM {
			answer.Allowed = false
			if answer.Reason != "" {
				answer.Reason += "; "
			}
			answer.Reason += fmt.Sprintf("cpu quota: %d/%dm used, need %dm", usedM, hardM, wantCPUM)
		}
	}

	if !answer.Allowed {
		slog.Info("capacity check deferred submission",
			slog.String("eval_id", item.EvalID),
			slog.String("reason", answer.Reason))
	}
	return answer, nil
}
