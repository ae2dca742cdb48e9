package kubernetes

import (
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/evalgrid/evalgrid/internal/domain"
)

const runtimeCacheKey = "runtime-class"

// runtimeClassName returns the RuntimeClass to pin jobs to, or "" when the
// deployment is exempt from isolation (local development on a non-Linux
// host). A required-but-absent runtime class is ErrIsolationUnavailable:
// untrusted code never runs on the default runtime as a fallback.
func (d *Dispatcher) runtimeClassName(ctx domain.Context) (string, error) {
	if !d.cfg.IsolationRequired() {
		return "", nil
	}
	if v, ok := d.catalog.Get(runtimeCacheKey); ok {
		if present := v.(bool); present {
			return d.cfg.RuntimeClass, nil
		}
		return "", fmt.Errorf("op=dispatcher.runtime_class %q: %w", d.cfg.RuntimeClass, domain.ErrIsolationUnavailable)
	}
	_, err := d.client.NodeV1().RuntimeClasses().Get(ctx, d.cfg.RuntimeClass, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			d.catalog.Set(runtimeCacheKey, false, catalogTTL)
			return "", fmt.Errorf("op=dispatcher.runtime_class %q: %w", d.cfg.RuntimeClass, domain.ErrIsolationUnavailable)
		}
		return "", fmt.Errorf("op=dispatcher.runtime_class: %w", err)
	}
	d.catalog.Set(runtimeCacheKey, true, catalogTTL)
	return d.cfg.RuntimeClass, nil
}
