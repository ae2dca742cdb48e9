package kubernetes

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/domain"
)

// Dispatcher implements domain.Dispatcher against one namespace of a
// Kubernetes cluster.
type Dispatcher struct {
	client    kubernetes.Interface
	namespace string
	cfg       config.Config

	// catalog caches the executor image ConfigMap and the runtime class
	// probe, both of which change rarely but are read per dispatch.
	catalog *gocache.Cache

	logs FallbackLogReader
}

// FallbackLogReader recovers logs for pods the API server no longer holds,
// typically from an aggregation backend.
type FallbackLogReader interface {
	PodLogs(ctx domain.Context, namespace, podPrefix string) (string, error)
}

// New builds a Dispatcher from in-cluster config, falling back to the local
// kubeconfig for development.
func New(cfg config.Config, fallbackLogs FallbackLogReader) (*Dispatcher, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("op=dispatcher.new: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.new: %w", err)
	}
	return NewWithClient(cfg, client, fallbackLogs), nil
}

// NewWithClient wires a Dispatcher around an existing clientset; tests pass
// the fake clientset here.
func NewWithClient(cfg config.Config, client kubernetes.Interface, fallbackLogs FallbackLogReader) *Dispatcher {
	return &Dispatcher{
		client:    client,
		namespace: cfg.Namespace,
		cfg:       cfg,
		catalog:   gocache.New(catalogTTL, 2*catalogTTL),
		logs:      fallbackLogs,
	}
}

// catalogTTL bounds staleness of the image catalog and runtime probe.
const catalogTTL = 30 * time.Second
