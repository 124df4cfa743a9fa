package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/shopcart/internal/domain"
	"github.com/fjod/shopcart/internal/metrics"
	"github.com/fjod/shopcart/internal/repository"
	"github.com/fjod/shopcart/pkg/circuitbreaker"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic     = "shopcart-orders"
	defaultBatchSize = 100
)

// MessageWriter is the part of *kafka.Writer the relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxRelay forwards committed outbox events to Kafka and marks them
// processed. Delivery is at least once: an event whose mark fails is sent
// again on the next tick.
type OutboxRelay struct {
	tick      time.Duration
	batchSize int
	outbox    repository.OutboxRepository
	writer    MessageWriter
	breaker   *circuitbreaker.Breaker
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

func NewOutboxRelay(outbox repository.OutboxRepository, writer MessageWriter, breaker *circuitbreaker.Breaker,
	m *metrics.Metrics, logger *slog.Logger, tick time.Duration) *OutboxRelay {
	return &OutboxRelay{
		tick:      tick,
		batchSize: defaultBatchSize,
		outbox:    outbox,
		writer:    writer,
		breaker:   breaker,
		metrics:   m,
		logger:    logger,
	}
}

func (p *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxRelay) Close() {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("error closing kafka writer", "error", err)
	}
}

// processUnpublishedEvents returns how many events were published.
func (p *OutboxRelay) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.outbox.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch outbox events", "error", err)
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.breaker.Do(func() error { return p.publish(ctx, event) }); err != nil {
			p.metrics.OutboxPublished.WithLabelValues(metrics.ResultError).Inc()
			p.logger.WarnContext(ctx, "failed to publish outbox event", "event_id", event.ID, "error", err)
			if errors.Is(err, circuitbreaker.ErrOpen) {
				// keep ordering; the rest of the batch waits for the next tick
				return published
			}
			continue
		}
		p.metrics.OutboxPublished.WithLabelValues(metrics.ResultSuccess).Inc()
		published++

		if err := p.outbox.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark outbox event as processed", "event_id", event.ID, "error", err)
		}
	}
	return published
}

func (p *OutboxRelay) publish(ctx context.Context, event *domain.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // order id keeps one order's events on one partition
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID.String())},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
