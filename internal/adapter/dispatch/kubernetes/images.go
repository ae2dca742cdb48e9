package kubernetes

import (
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// Executor image catalog: a ConfigMap mapping language/engine pairs to
// container images, editable without redeploying the dispatcher.
const (
	imagesConfigMap = "executor-images"
	imagesKey       = "images.yaml"

	catalogCacheKey = "image-catalog"
)

// catalogEntry is one record of the executor image catalog.
type catalogEntry struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	// Available gates the entry; absent means available.
	Available *bool `yaml:"available,omitempty"`
	// Default marks the fallback entry.
	Default bool `yaml:"default,omitempty"`
}

func (e catalogEntry) usable() bool {
	return e.Image != "" && (e.Available == nil || *e.Available)
}

// imageCatalog is the parsed ConfigMap payload: an ordered entry list.
type imageCatalog struct {
	entries []catalogEntry
}

// lookup finds a usable entry by short name.
func (c *imageCatalog) lookup(name string) (catalogEntry, bool) {
	if c == nil || name == "" {
		return catalogEntry{}, false
	}
	for _, e := range c.entries {
		if e.Name == name && e.usable() {
			return e, true
		}
	}
	return catalogEntry{}, false
}

// fallback returns the first default:true entry, else the first usable one.
func (c *imageCatalog) fallback() (catalogEntry, bool) {
	if c == nil {
		return catalogEntry{}, false
	}
	for _, e := range c.entries {
		if e.Default && e.usable() {
			return e, true
		}
	}
	for _, e := range c.entries {
		if e.usable() {
			return e, true
		}
	}
	return catalogEntry{}, false
}

// ResolveImage picks the executor image for one work item. A requested image
// naming a known catalog short name resolves to that entry; a reference with
// a "/" or ":" passes through as a full path; everything else falls back to
// the catalog entry for language/engine, then the language, then the catalog
// default, then the configured fallback image. The registry prefix and
// default tag apply to unqualified references.
func (d *Dispatcher) ResolveImage(ctx domain.Context, item domain.WorkItem) string {
	catalog := d.loadCatalog(ctx)
	if item.ExecutorImage != "" {
		if e, ok := catalog.lookup(item.ExecutorImage); ok {
			return d.qualifyImage(e.Image)
		}
		if strings.ContainsAny(item.ExecutorImage, "/:") {
			return d.qualifyImage(item.ExecutorImage)
		}
		// An unknown bare name falls through to the catalog default.
	} else {
		if item.Engine != "" {
			if e, ok := catalog.lookup(item.Language + "/" + item.Engine); ok {
				return d.qualifyImage(e.Image)
			}
		}
		if e, ok := catalog.lookup(item.Language); ok {
			return d.qualifyImage(e.Image)
		}
	}
	if e, ok := catalog.fallback(); ok {
		return d.qualifyImage(e.Image)
	}
	return d.qualifyImage(d.cfg.ExecutorImage)
}

// loadCatalog returns the cached catalog, refreshing it from the ConfigMap
// when the cache entry expired. A missing ConfigMap is not an error; the
// configured fallback image covers that case.
func (d *Dispatcher) loadCatalog(ctx domain.Context) *imageCatalog {
	if v, ok := d.catalog.Get(catalogCacheKey); ok {
		return v.(*imageCatalog)
	}
	cm, err := d.client.CoreV1().ConfigMaps(d.namespace).Get(ctx, imagesConfigMap, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			slog.Warn("image catalog fetch failed", slog.Any("error", err))
		}
		empty := &imageCatalog{}
		d.catalog.Set(catalogCacheKey, empty, catalogTTL)
		return empty
	}
	var entries []catalogEntry
	if err := yaml.Unmarshal([]byte(cm.Data[imagesKey]), &entries); err != nil {
		slog.Warn("image catalog parse failed", slog.Any("error", err))
		empty := &imageCatalog{}
		d.catalog.Set(catalogCacheKey, empty, catalogTTL)
		return empty
	}
	catalog := &imageCatalog{entries: entries}
	d.catalog.Set(catalogCacheKey, catalog, catalogTTL)
	return catalog
}

// qualifyImage applies the registry prefix and default tag to references
// that lack them. A reference whose first path segment looks like a registry
// host (contains a dot or a port) is left alone.
func (d *Dispatcher) qualifyImage(image string) string {
	out := image
	if d.cfg.RegistryPrefix != "" {
		first := strings.SplitN(out, "/", 2)[0]
		hasRegistry := strings.Contains(out, "/") && (strings.Contains(first, ".") || strings.Contains(first, ":"))
		if !hasRegistry {
			out = fmt.Sprintf("%s/%s", strings.TrimSuffix(d.cfg.RegistryPrefix, "/"), out)
		}
	}
	if !strings.Contains(out[strings.LastIndex(out, "/")+1:], ":") {
		out = fmt.Sprintf("%s:%s", out, d.cfg.DefaultImageTag)
	}
	return out
}
