package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// EvalStore persists evaluation records and their event history.
type EvalStore struct{ Pool PgxPool }

// NewEvalStore constructs an EvalStore with the given pool.
func NewEvalStore(p PgxPool) *EvalStore { return &EvalStore{Pool: p} }

const evalColumns = `id, code_hash, status, created_at, queued_at, started_at, completed_at,
	memory_limit, cpu_limit, timeout_seconds, priority, executor_image,
	exit_code, runtime_ms,
	output, output_truncated, output_size, output_location,
	error, error_truncated, error_size, error_location, metadata`

// Create inserts a new evaluation record.
func (s *EvalStore) Create(ctx domain.Context, e domain.Evaluation) error {
	meta, err := json.Marshal(orEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("op=eval.create: marshal metadata: %w", err)
	}
	q := `INSERT INTO evaluations (` + evalColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`
	_, err = s.Pool.Exec(ctx, q,
		e.ID, e.CodeHash, e.Status, e.CreatedAt, e.QueuedAt, e.StartedAt, e.CompletedAt,
		e.MemoryLimit, e.CPULimit, e.TimeoutSeconds, e.Priority, e.ExecutorImage,
		e.ExitCode, e.RuntimeMS,
		e.Output, e.OutputTruncated, e.OutputSize, e.OutputLocation,
		e.Error, e.ErrorTruncated, e.ErrorSize, e.ErrorLocation, meta)
	if err != nil {
		return fmt.Errorf("op=eval.create: %w", err)
	}
	return nil
}

// Update applies a partial update and returns the resulting record.
// Metadata is merged per key; other fields are set only when non-nil.
func (s *EvalStore) Update(ctx domain.Context, id string, upd domain.UpdateFields) (domain.Evaluation, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Evaluation{}, err
	}

	set := make([]string, 0, 8)
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.QueuedAt != nil {
		add("queued_at", *upd.QueuedAt)
	}
	if upd.StartedAt != nil {
		add("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if upd.ExitCode != nil {
		add("exit_code", *upd.ExitCode)
	}
	if upd.RuntimeMS != nil {
		add("runtime_ms", *upd.RuntimeMS)
	}
	if upd.Output != nil {
		add("output", *upd.Output)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if len(upd.Metadata) > 0 {
		merged := orEmpty(current.Metadata)
		for k, v := range upd.Metadata {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return domain.Evaluation{}, fmt.Errorf("op=eval.update: marshal metadata: %w", err)
		}
		add("metadata", b)
	}
	if len(set) == 0 {
		return current, nil
	}
	q := fmt.Sprintf("UPDATE evaluations SET %s WHERE id=$1", strings.Join(set, ", "))
	if _, err := s.Pool.Exec(ctx, q, args...); err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=eval.update: %w", err)
	}
	return s.Get(ctx, id)
}

// Get loads an evaluation by id.
func (s *EvalStore) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	q := `SELECT ` + evalColumns + ` FROM evaluations WHERE id=$1`
	e, err := scanEvaluation(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", err)
	}
	return e, nil
}

// List returns records newest first, optionally filtered by status.
func (s *EvalStore) List(ctx domain.Context, limit, offset int, status domain.EvaluationStatus) ([]domain.Evaluation, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		q := `SELECT ` + evalColumns + ` FROM evaluations WHERE status=$3 ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = s.Pool.Query(ctx, q, limit, offset, status)
	} else {
		q := `SELECT ` + evalColumns + ` FROM evaluations ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = s.Pool.Query(ctx, q, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("op=eval.list: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Evaluation, 0, limit)
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=eval.list: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the exact number of records, optionally filtered by status.
func (s *EvalStore) Count(ctx domain.Context, status domain.EvaluationStatus) (int, error) {
	var n int
	var err error
	if status != "" {
		err = s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM evaluations WHERE status=$1`, status).Scan(&n)
	} else {
		err = s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM evaluations`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("op=eval.count: %w", err)
	}
	return n, nil
}

// Delete soft-deletes by setting the sentinel status. Records are never
// physically removed.
func (s *EvalStore) Delete(ctx domain.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE evaluations SET status=$2 WHERE id=$1`, id, domain.StatusDeleted)
	if err != nil {
		return fmt.Errorf("op=eval.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=eval.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// AddEvent appends one history entry.
func (s *EvalStore) AddEvent(ctx domain.Context, id string, ev domain.Event) error {
	meta, err := json.Marshal(orEmpty(ev.Metadata))
	if err != nil {
		return fmt.Errorf("op=eval.add_event: marshal metadata: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO evaluation_events (eval_id, type, ts, message, metadata) VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.Pool.Exec(ctx, q, id, ev.Type, ts, ev.Message, meta); err != nil {
		return fmt.Errorf("op=eval.add_event: %w", err)
	}
	return nil
}

// GetEvents returns the history for an evaluation ordered by timestamp.
func (s *EvalStore) GetEvents(ctx domain.Context, id string) ([]domain.Event, error) {
	q := `SELECT type, ts, message, metadata FROM evaluation_events WHERE eval_id=$1 ORDER BY ts`
	rows, err := s.Pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("op=eval.get_events: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var meta []byte
		if err := rows.Scan(&ev.Type, &ev.Timestamp, &ev.Message, &meta); err != nil {
			return nil, fmt.Errorf("op=eval.get_events: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scannable interface{ Scan(dest ...any) error }

func scanEvaluation(row scannable) (domain.Evaluation, error) {
	var e domain.Evaluation
	var meta []byte
	err := row.Scan(
		&e.ID, &e.CodeHash, &e.Status, &e.CreatedAt, &e.QueuedAt, &e.StartedAt, &e.CompletedAt,
		&e.MemoryLimit, &e.CPULimit, &e.TimeoutSeconds, &e.Priority, &e.ExecutorImage,
		&e.ExitCode, &e.RuntimeMS,
		&e.Output, &e.OutputTruncated, &e.OutputSize, &e.OutputLocation,
		&e.Error, &e.ErrorTruncated, &e.ErrorSize, &e.ErrorLocation, &meta)
	if err != nil {
		return domain.Evaluation{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &e.Metadata)
	}
	return e, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
