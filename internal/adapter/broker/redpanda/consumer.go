package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// GroupID is the consumer group shared by the worker fleet.
const GroupID = "evalgrid-workers"

// Consumer drives a fixed worker pool off the work topic. Records fan out to
// the pool through a channel; offsets are marked after processing so a crash
// redelivers the in-flight item (at-least-once).
type Consumer struct {
	client  *kgo.Client
	worker  *Worker
	workers int

	jobQueue chan *kgo.Record
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer joins the consumer group on the work topic.
func NewConsumer(brokers []string, worker *Worker, workers int) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, worker, workers, TopicEvaluations)
}

// NewConsumerWithTopic is NewConsumer with a custom topic for test isolation.
func NewConsumerWithTopic(brokers []string, worker *Worker, workers int, topic string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=broker.consumer: no seed brokers provided")
	}
	if workers <= 0 {
		workers = 1
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(GroupID),
		kgo.ConsumeTopics(topic),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=broker.consumer: %w", err)
	}
	return &Consumer{
		client:   client,
		worker:   worker,
		workers:  workers,
		jobQueue: make(chan *kgo.Record, workers*2),
		shutdown: make(chan struct{}),
	}, nil
}

// Run polls the topic and feeds the worker pool until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("worker consumer starting", slog.Int("workers", c.workers))
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.runWorker(ctx, i)
	}

	defer func() {
		close(c.shutdown)
		close(c.jobQueue)
		c.wg.Wait()
		c.client.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case c.jobQueue <- rec:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) runWorker(ctx context.Context, id int) {
	defer c.wg.Done()
	for rec := range c.jobQueue {
		c.processRecord(ctx, id, rec)
		c.client.MarkCommitRecords(rec)
	}
}

func (c *Consumer) processRecord(ctx context.Context, workerID int, rec *kgo.Record) {
	var item domain.WorkItem
	if err := json.Unmarshal(rec.Value, &item); err != nil {
		// Malformed records are unprocessable; drop them after logging.
		slog.Error("dropping malformed work item",
			slog.Int("worker", workerID),
			slog.Any("error", err))
		return
	}
	if err := c.worker.Process(ctx, item); err != nil {
		slog.Error("work item processing failed",
			slog.Int("worker", workerID),
			slog.String("eval_id", item.EvalID),
			slog.Any("error", err))
	}
}
