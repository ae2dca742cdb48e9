package domain

import "fmt"

// Lifecycle event channels on the bus. One channel per target status.
const (
	ChannelQueued    = "evaluation:queued"
	ChannelRunning   = "evaluation:running"
	ChannelCompleted = "evaluation:completed"
	ChannelFailed    = "evaluation:failed"
	ChannelCancelled = "evaluation:cancelled"
)

// LifecycleChannels lists every channel the reconciler subscribes to.
var LifecycleChannels = []string{
	ChannelQueued,
	ChannelRunning,
	ChannelCompleted,
	ChannelFailed,
	ChannelCancelled,
}

// StatusForChannel maps a lifecycle channel to the target record status.
func StatusForChannel(channel string) (EvaluationStatus, error) {
	switch channel {
	case ChannelQueued:
		return StatusQueued, nil
	case ChannelRunning:
		return StatusRunning, nil
	case ChannelCompleted:
		return StatusCompleted, nil
	case ChannelFailed:
		return StatusFailed, nil
	case ChannelCancelled:
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("op=domain.StatusForChannel: unknown channel %q", channel)
}

// LifecycleEvent is the JSON payload published on the lifecycle channels.
// Not every field is set for every channel; the reconciler treats absent
// fields as "leave unchanged".
type LifecycleEvent struct {
	EvalID      string         `json:"eval_id"`
	ExecutorID  string         `json:"executor_id,omitempty"`
	ContainerID string         `json:"container_id,omitempty"`
	Timeout     int            `json:"timeout,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Ephemeral key layout on the bus.

// JobStateKey is the key holding the last observed cluster state for a unit.
func JobStateKey(job string) string { return fmt.Sprintf("job:%s:last_state", job) }

// RunningKey is the compact hash kept while an evaluation is running.
func RunningKey(evalID string) string { return fmt.Sprintf("eval:%s:running", evalID) }

// RunningSetKey is the membership set of non-terminal evaluation ids.
const RunningSetKey = "running_evaluations"

// DLQ keys: a bounded list of task ids plus a companion hash per task.
const DLQListKey = "dlq:tasks"

// DLQEntryKey addresses the companion hash for one dead-lettered task.
func DLQEntryKey(taskID string) string { return fmt.Sprintf("dlq:task:%s", taskID) }
