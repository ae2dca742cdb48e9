// Package redpanda provides the durable work queue between the gateway and
// the worker on Redpanda/Kafka.
//
// Delivery is at-least-once; the evaluation id keys every record so retries
// of the same submission stay ordered within a partition.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/observability"
)

// TopicEvaluations is the work topic consumed by the worker pool.
const TopicEvaluations = "evaluations"

// Producer implements domain.Broker on a Kafka client.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the seed brokers and ensures the work topic exists.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTopic(brokers, TopicEvaluations)
}

// NewProducerWithTopic is NewProducer with a custom topic; tests use unique
// topics for isolation.
func NewProducerWithTopic(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=broker.producer: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=broker.producer: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 8, 1); err != nil {
		slog.Warn("topic creation failed, assuming it exists",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// Enqueue publishes one work item keyed by evaluation id.
func (p *Producer) Enqueue(ctx domain.Context, item domain.WorkItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("op=broker.enqueue: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(item.EvalID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "eval_id", Value: []byte(item.EvalID)},
			{Key: "language", Value: []byte(item.Language)},
		},
	}
	done := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, done.Promise())
	if err := done.Err(); err != nil {
		return fmt.Errorf("op=broker.enqueue eval=%s: %w", item.EvalID, err)
	}
	slog.Debug("work item enqueued",
		slog.String("eval_id", item.EvalID),
		slog.Int("retries", item.Retries))
	observability.EnqueueTotal.Inc()
	return nil
}

// Ping reports broker liveness for readiness probes.
func (p *Producer) Ping(ctx domain.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=broker.ping: %w", domain.ErrUnavailable)
	}
	return nil
}

// Close releases the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
