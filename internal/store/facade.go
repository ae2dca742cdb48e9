// Package store provides the persistence façade: one durable-record API
// composed from a primary relational backend, a secondary fallback backend,
// an in-process cache and an overflow blob store.
//
// Routing policy: writes go to the primary and fall back to the secondary;
// reads consult the cache, then the primary, then the secondary. After any
// successful write the cache holds the full post-write record.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/observability"
)

// Externalization defaults.
const (
	// DefaultInlineThreshold is the size above which output/error move to
	// the blob store.
	DefaultInlineThreshold = 1 << 20
	// DefaultPreviewSize is the inline prefix kept for externalized fields.
	DefaultPreviewSize = 1 << 10

	cacheTTL = 5 * time.Minute
)

// Facade implements domain.Store over the composed backends.
type Facade struct {
	primary   domain.Store
	secondary domain.Store
	blobs     domain.BlobStore
	cache     *gocache.Cache

	inlineThreshold int64
	previewSize     int64
}

// Option tunes a Facade.
type Option func(*Facade)

// WithLimits overrides the externalization thresholds.
func WithLimits(inlineThreshold, previewSize int64) Option {
	return func(f *Facade) {
		f.inlineThreshold = inlineThreshold
		f.previewSize = previewSize
	}
}

// New composes a Facade. secondary may be nil when no fallback store is
// configured; blobs may be nil to disable externalization.
func New(primary, secondary domain.Store, blobs domain.BlobStore, opts ...Option) *Facade {
	f := &Facade{
		primary:         primary,
		secondary:       secondary,
		blobs:           blobs,
		cache:           gocache.New(cacheTTL, 2*cacheTTL),
		inlineThreshold: DefaultInlineThreshold,
		previewSize:     DefaultPreviewSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BlobKey derives the deterministic object key for an externalized field.
func BlobKey(id, field string) string { return fmt.Sprintf("evaluations/%s/%s", id, field) }

// Create writes the initial record.
func (f *Facade) Create(ctx domain.Context, e domain.Evaluation) error {
	err := f.primary.Create(ctx, e)
	if err != nil && f.secondary != nil {
		slog.Warn("primary store create failed, using secondary",
			slog.String("id", e.ID), slog.Any("error", err))
		observability.StoreFallbackTotal.WithLabelValues("create").Inc()
		err = f.secondary.Create(ctx, e)
	}
	if err != nil {
		return err
	}
	f.cache.Set(e.ID, e, cacheTTL)
	return nil
}

// Update applies a partial update. Terminal states are sticky: once the
// stored status is terminal, a conflicting status change is dropped while
// the outcome payload still lands. Oversized output/error fields are
// externalized to the blob store before the write.
func (f *Facade) Update(ctx domain.Context, id string, upd domain.UpdateFields) (domain.Evaluation, error) {
	current, err := f.Get(ctx, id)
	if err != nil {
		return domain.Evaluation{}, err
	}
	if current.Status.Terminal() && upd.Status != nil && *upd.Status != current.Status {
		slog.Debug("dropping status change on terminal record",
			slog.String("id", id),
			slog.String("current", string(current.Status)),
			slog.String("requested", string(*upd.Status)))
		upd.Status = nil
		upd.CompletedAt = nil
	}

	extra := map[string]any{}
	if upd.Output != nil {
		inline, meta, err := f.externalize(ctx, id, "output", *upd.Output)
		if err != nil {
			return domain.Evaluation{}, err
		}
		upd.Output = &inline
		for k, v := range meta {
			extra[k] = v
		}
	}
	if upd.Error != nil {
		inline, meta, err := f.externalize(ctx, id, "error", *upd.Error)
		if err != nil {
			return domain.Evaluation{}, err
		}
		upd.Error = &inline
		for k, v := range meta {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		if upd.Metadata == nil {
			upd.Metadata = map[string]any{}
		}
		for k, v := range extra {
			upd.Metadata[k] = v
		}
	}

	e, err := f.primary.Update(ctx, id, upd)
	if err != nil && f.secondary != nil {
		slog.Warn("primary store update failed, using secondary",
			slog.String("id", id), slog.Any("error", err))
		observability.StoreFallbackTotal.WithLabelValues("update").Inc()
		e, err = f.secondary.Update(ctx, id, upd)
	}
	if err != nil {
		return domain.Evaluation{}, err
	}
	e = applyOverflowMarkers(e)
	f.cache.Set(id, e, cacheTTL)
	return e, nil
}

// externalize stores the full value in the blob store when it exceeds the
// inline threshold and returns the inline prefix plus overflow bookkeeping
// destined for the record metadata.
func (f *Facade) externalize(ctx domain.Context, id, field, value string) (string, map[string]any, error) {
	size := int64(len(value))
	if size <= f.inlineThreshold || f.blobs == nil {
		return value, nil, nil
	}
	key := BlobKey(id, field)
	if err := f.blobs.Put(ctx, key, []byte(value)); err != nil {
		return "", nil, fmt.Errorf("op=store.externalize field=%s: %w", field, err)
	}
	meta := map[string]any{
		field + "_truncated": true,
		field + "_size":      size,
		field + "_location":  key,
	}
	return value[:f.previewSize], meta, nil
}

// FetchOverflow returns the full externalized bytes for field ("output" or
// "error") of a record.
func (f *Facade) FetchOverflow(ctx domain.Context, id, field string) ([]byte, error) {
	if f.blobs == nil {
		return nil, fmt.Errorf("op=store.fetch_overflow: %w", domain.ErrNotFound)
	}
	return f.blobs.Get(ctx, BlobKey(id, field))
}

// Get reads through the cache, then the primary, then the secondary.
func (f *Facade) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	if v, ok := f.cache.Get(id); ok {
		if e, ok := v.(domain.Evaluation); ok {
			return e, nil
		}
	}
	e, err := f.primary.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || f.secondary == nil {
			return domain.Evaluation{}, err
		}
		observability.StoreFallbackTotal.WithLabelValues("get").Inc()
		e, err = f.secondary.Get(ctx, id)
		if err != nil {
			return domain.Evaluation{}, err
		}
	}
	e = applyOverflowMarkers(e)
	f.cache.Set(id, e, cacheTTL)
	return e, nil
}

// List returns records newest first; the result is not cached.
func (f *Facade) List(ctx domain.Context, limit, offset int, status domain.EvaluationStatus) ([]domain.Evaluation, error) {
	out, err := f.primary.List(ctx, limit, offset, status)
	if err != nil && f.secondary != nil {
		observability.StoreFallbackTotal.WithLabelValues("list").Inc()
		out, err = f.secondary.List(ctx, limit, offset, status)
	}
	return out, err
}

// Count returns the exact record count for pagination totals.
func (f *Facade) Count(ctx domain.Context, status domain.EvaluationStatus) (int, error) {
	n, err := f.primary.Count(ctx, status)
	if err != nil && f.secondary != nil {
		observability.StoreFallbackTotal.WithLabelValues("count").Inc()
		n, err = f.secondary.Count(ctx, status)
	}
	return n, err
}

// Delete soft-deletes the record and drops it from the cache.
func (f *Facade) Delete(ctx domain.Context, id string) error {
	err := f.primary.Delete(ctx, id)
	if err != nil && f.secondary != nil && !errors.Is(err, domain.ErrNotFound) {
		observability.StoreFallbackTotal.WithLabelValues("delete").Inc()
		err = f.secondary.Delete(ctx, id)
	}
	if err != nil {
		return err
	}
	f.cache.Delete(id)
	return nil
}

// AddEvent appends one history entry.
func (f *Facade) AddEvent(ctx domain.Context, id string, ev domain.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	err := f.primary.AddEvent(ctx, id, ev)
	if err != nil && f.secondary != nil {
		observability.StoreFallbackTotal.WithLabelValues("add_event").Inc()
		err = f.secondary.AddEvent(ctx, id, ev)
	}
	return err
}

// GetEvents returns the history for an evaluation.
func (f *Facade) GetEvents(ctx domain.Context, id string) ([]domain.Event, error) {
	events, err := f.primary.GetEvents(ctx, id)
	if err != nil && f.secondary != nil {
		observability.StoreFallbackTotal.WithLabelValues("get_events").Inc()
		events, err = f.secondary.GetEvents(ctx, id)
	}
	return events, err
}

// applyOverflowMarkers lifts the externalization bookkeeping written into
// metadata onto the typed record fields so callers never parse metadata.
func applyOverflowMarkers(e domain.Evaluation) domain.Evaluation {
	if e.Metadata == nil {
		return e
	}
	if v, ok := e.Metadata["output_truncated"].(bool); ok && v {
		e.OutputTruncated = true
		e.OutputSize = asInt64(e.Metadata["output_size"])
		e.OutputLocation, _ = e.Metadata["output_location"].(string)
	}
	if v, ok := e.Metadata["error_truncated"].(bool); ok && v {
		e.ErrorTruncated = true
		e.ErrorSize = asInt64(e.Metadata["error_size"])
		e.ErrorLocation, _ = e.Metadata["error_location"].(string)
	}
	return e
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
