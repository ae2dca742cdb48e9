package kubernetes

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/observability"
)

const (
	// watchReconnectInterval bounds one watch connection; the API server
	// drops long watches anyway, so reconnecting proactively keeps the
	// resource version fresh.
	watchReconnectInterval = 5 * time.Minute

	// watchBuffer decouples the watch stream from event handling. A full
	// buffer drops the oldest pending event rather than stalling the stream.
	watchBuffer = 100
)

// Watcher turns cluster-side job transitions into lifecycle events on the
// bus. It deduplicates against the last observed state so that the bursty
// watch stream yields at most one event per real transition.
type Watcher struct {
	dispatcher *Dispatcher
	bus        domain.EventBus
}

// NewWatcher wires a Watcher over the dispatcher's clientset.
func NewWatcher(d *Dispatcher, bus domain.EventBus) *Watcher {
	return &Watcher{dispatcher: d, bus: bus}
}

// Run watches evaluation jobs until ctx is cancelled, reconnecting on
// stream expiry and on the reconnect interval.
func (w *Watcher) Run(ctx context.Context) {
	events := make(chan watch.Event, watchBuffer)
	go w.handleEvents(ctx, events)

	for {
		if ctx.Err() != nil {
			close(events)
			return
		}
		if err := w.watchOnce(ctx, events); err != nil {
			slog.Warn("watch stream ended", slog.Any("error", err))
			// Brief pause so a broken API server does not spin this loop.
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// watchOnce runs one watch connection and pumps its events into the bounded
// channel, dropping the oldest pending event under backpressure.
func (w *Watcher) watchOnce(ctx context.Context, events chan watch.Event) error {
	watchCtx, cancel := context.WithTimeout(ctx, watchReconnectInterval)
	defer cancel()

	stream, err := w.dispatcher.client.BatchV1().Jobs(w.dispatcher.namespace).Watch(watchCtx, metav1.ListOptions{
		LabelSelector: labelApp + "=" + labelAppValue,
	})
	if err != nil {
		return err
	}
	defer stream.Stop()

	for {
		select {
		case <-watchCtx.Done():
			return nil
		case ev, ok := <-stream.ResultChan():
			if !ok {
				return nil
			}
			select {
			case events <- ev:
			default:
				// Drop one stale event to make room; the terminal state
				// still arrives via a later event or the sweeper.
				select {
				case <-events:
				default:
				}
				events <- ev
			}
		}
	}
}

func (w *Watcher) handleEvents(ctx context.Context, events <-chan watch.Event) {
	for ev := range events {
		job, ok := ev.Object.(*batchv1.Job)
		if !ok {
			continue
		}
		w.handleJobEvent(ctx, ev.Type, job)
	}
}

// handleJobEvent publishes at most one lifecycle event per observed state
// change of a job.
func (w *Watcher) handleJobEvent(ctx domain.Context, eventType watch.EventType, job *batchv1.Job) {
	evalID := job.Labels[labelEvalID]
	if evalID == "" {
		return
	}
	log := slog.With(slog.String("job", job.Name), slog.String("eval_id", evalID))

	if eventType == watch.Deleted {
		last, _ := w.bus.GetJobState(ctx, job.Name)
		_ = w.bus.ClearJobState(ctx, job.Name)
		// A deletion after a terminal state is the TTL controller cleaning
		// up; only a deletion mid-flight means the run was cancelled.
		if last == string(domain.PhaseSucceeded) || last == string(domain.PhaseFailed) {
			return
		}
		w.publish(ctx, domain.ChannelCancelled, domain.LifecycleEvent{EvalID: evalID})
		log.Info("job deleted mid-flight, published cancellation")
		return
	}

	st := classifyJob(job)
	last, err := w.bus.GetJobState(ctx, job.Name)
	if err != nil {
		log.Warn("last-state read failed", slog.Any("error", err))
	}
	if last == string(st.Phase) {
		return
	}
	if err := w.bus.SetJobState(ctx, job.Name, string(st.Phase)); err != nil {
		log.Warn("last-state write failed", slog.Any("error", err))
	}

	switch st.Phase {
	case domain.PhaseRunning:
		started := time.Now().UTC().Format(time.RFC3339)
		w.publish(ctx, domain.ChannelRunning, domain.LifecycleEvent{
			EvalID:      evalID,
			ExecutorID:  job.Name,
			ContainerID: job.Name,
			Timeout:     userTimeoutOf(job),
			StartedAt:   started,
		})
		log.Info("job running")

	case domain.PhaseSucceeded:
		result, err := w.dispatcher.JobResult(ctx, job.Name)
		if err != nil {
			log.Warn("result capture failed", slog.Any("error", err))
		}
		w.publish(ctx, domain.ChannelCompleted, domain.LifecycleEvent{
			EvalID:   evalID,
			Output:   result.Logs,
			ExitCode: result.ExitCode,
			Metadata: terminalMetadata(job.Name, result),
		})
		log.Info("job succeeded")

	case domain.PhaseFailed:
		result, err := w.dispatcher.JobResult(ctx, job.Name)
		if err != nil {
			log.Warn("result capture failed", slog.Any("error", err))
		}
		w.publish(ctx, domain.ChannelFailed, domain.LifecycleEvent{
			EvalID:   evalID,
			Output:   result.Logs,
			Error:    st.Message,
			ExitCode: result.ExitCode,
			Metadata: terminalMetadata(job.Name, result),
		})
		log.Info("job failed", slog.String("message", st.Message))
	}
}

// terminalMetadata annotates a completion or failure event for the record.
func terminalMetadata(job string, result domain.JobResult) map[string]any {
	m := map[string]any{
		"job_name":     job,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if result.Source != "" {
		m["log_source"] = result.Source
	}
	return m
}

// userTimeoutOf recovers the submitted timeout from the job's active
// deadline, which Execute set to timeout plus the scheduling slack.
func userTimeoutOf(job *batchv1.Job) int {
	if job.Spec.ActiveDeadlineSeconds == nil {
		return 0
	}
	t := int(*job.Spec.ActiveDeadlineSeconds) - activeDeadlineSlack
	if t < 0 {
		return 0
	}
	return t
}

func (w *Watcher) publish(ctx domain.Context, channel string, ev domain.LifecycleEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("lifecycle event marshal failed", slog.Any("error", err))
		return
	}
	if err := w.bus.Publish(ctx, channel, b); err != nil {
		slog.Error("lifecycle event publish failed",
			slog.String("channel", channel), slog.Any("error", err))
		return
	}
	observability.WatcherEventsTotal.WithLabelValues(channel).Inc()
}
