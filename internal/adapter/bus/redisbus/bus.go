// Package redisbus implements the lifecycle event bus and the TTL-bounded
// ephemeral coordination state on Redis.
//
// Publishing is fire-and-forget pub/sub; nothing here is durable. Durable
// state lives in the record store, and every key written here carries a TTL
// so that crashed components never leave permanent residue.
package redisbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalgrid/evalgrid/internal/domain"
)

const (
	// jobStateTTL bounds the last-observed-state dedup keys.
	jobStateTTL = 300 * time.Second
	// runningTTL bounds the per-evaluation running hash.
	runningTTL = 3600 * time.Second
	// dlqMaxEntries bounds the dead-letter list; older ids fall off the end.
	dlqMaxEntries = 1000
)

// Bus is a domain.EventBus backed by one Redis connection.
type Bus struct {
	rdb *redis.Client
}

// New connects to the given Redis URL (redis://host:port/db).
func New(url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.new: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client; tests use this with miniredis.
func NewFromClient(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

// Ping reports bus liveness for readiness probes.
func (b *Bus) Ping(ctx domain.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisbus.ping: %w", domain.ErrUnavailable)
	}
	return nil
}

// Close releases the underlying connection.
func (b *Bus) Close() error { return b.rdb.Close() }

// Publish sends payload on channel. Subscribers absent at publish time miss
// the event; the reconciler's polling fallback covers that gap.
func (b *Bus) Publish(ctx domain.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("op=redisbus.publish channel=%s: %w", channel, err)
	}
	return nil
}

// Subscription is one live channel subscription.
type Subscription struct {
	ps *redis.PubSub
}

// Messages returns the stream of raw payloads.
func (s *Subscription) Messages() <-chan *redis.Message { return s.ps.Channel() }

// Close tears down the subscription.
func (s *Subscription) Close() error { return s.ps.Close() }

// Subscribe opens a subscription on one channel.
func (b *Bus) Subscribe(ctx domain.Context, channel string) *Subscription {
	return &Subscription{ps: b.rdb.Subscribe(ctx, channel)}
}

// SetJobState records the last observed cluster state for a unit of work.
func (b *Bus) SetJobState(ctx domain.Context, job, state string) error {
	if err := b.rdb.Set(ctx, domain.JobStateKey(job), state, jobStateTTL).Err(); err != nil {
		return fmt.Errorf("op=redisbus.set_job_state job=%s: %w", job, err)
	}
	return nil
}

// GetJobState returns the last observed state, or "" when none is recorded.
func (b *Bus) GetJobState(ctx domain.Context, job string) (string, error) {
	v, err := b.rdb.Get(ctx, domain.JobStateKey(job)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=redisbus.get_job_state job=%s: %w", job, err)
	}
	return v, nil
}

// ClearJobState drops the dedup key for a unit of work.
func (b *Bus) ClearJobState(ctx domain.Context, job string) error {
	if err := b.rdb.Del(ctx, domain.JobStateKey(job)).Err(); err != nil {
		return fmt.Errorf("op=redisbus.clear_job_state job=%s: %w", job, err)
	}
	return nil
}

// SetRunning writes the compact per-evaluation running hash.
func (b *Bus) SetRunning(ctx domain.Context, evalID string, fields map[string]string) error {
	key := domain.RunningKey(evalID)
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, runningTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisbus.set_running eval=%s: %w", evalID, err)
	}
	return nil
}

// ClearRunning removes the per-evaluation running hash.
func (b *Bus) ClearRunning(ctx domain.Context, evalID string) error {
	if err := b.rdb.Del(ctx, domain.RunningKey(evalID)).Err(); err != nil {
		return fmt.Errorf("op=redisbus.clear_running eval=%s: %w", evalID, err)
	}
	return nil
}

// AddRunningMember adds evalID to the live membership set.
func (b *Bus) AddRunningMember(ctx domain.Context, evalID string) error {
	if err := b.rdb.SAdd(ctx, domain.RunningSetKey, evalID).Err(); err != nil {
		return fmt.Errorf("op=redisbus.add_running_member eval=%s: %w", evalID, err)
	}
	return nil
}

// RemoveRunningMember drops evalID from the live membership set.
func (b *Bus) RemoveRunningMember(ctx domain.Context, evalID string) error {
	if err := b.rdb.SRem(ctx, domain.RunningSetKey, evalID).Err(); err != nil {
		return fmt.Errorf("op=redisbus.remove_running_member eval=%s: %w", evalID, err)
	}
	return nil
}

// RunningMembers returns the ids currently marked live.
func (b *Bus) RunningMembers(ctx domain.Context) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, domain.RunningSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.running_members: %w", err)
	}
	return ids, nil
}

// PushDLQ records a dead-lettered task: the id goes on a bounded list and the
// full entry into a companion hash.
func (b *Bus) PushDLQ(ctx domain.Context, entry domain.DLQEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=redisbus.push_dlq: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, domain.DLQListKey, entry.TaskID)
	pipe.LTrim(ctx, domain.DLQListKey, 0, dlqMaxEntries-1)
	pipe.HSet(ctx, domain.DLQEntryKey(entry.TaskID),
		"name", entry.Name,
		"evaluation_id", entry.EvaluationID,
		"retries", entry.Retries,
		"exception_class", entry.ExceptionClass,
		"payload", body,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisbus.push_dlq task=%s: %w", entry.TaskID, err)
	}
	return nil
}

// ListDLQ returns up to limit dead-letter entries, newest first. Entries
// whose companion hash has been evicted are skipped.
func (b *Bus) ListDLQ(ctx domain.Context, limit int) ([]domain.DLQEntry, error) {
	if limit <= 0 || limit > dlqMaxEntries {
		limit = dlqMaxEntries
	}
	ids, err := b.rdb.LRange(ctx, domain.DLQListKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.list_dlq: %w", err)
	}
	out := make([]domain.DLQEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := b.rdb.HGet(ctx, domain.DLQEntryKey(id), "payload").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=redisbus.list_dlq task=%s: %w", id, err)
		}
		var entry domain.DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
