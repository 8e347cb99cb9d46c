package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/config"
	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	queueSize    = 1024
	flushTimeout = 5 * time.Second
)

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher emits committed observations to a Kafka topic.
// It implements domain.Observer.
type Publisher struct {
	writer        messageWriter
	queue         chan domain.Observation
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	metrics       *observability.Metrics

	// mu orders enqueues against shutdown: once stopped is set under the
	// write lock, nothing else reaches the queue.
	mu      sync.RWMutex
	stopped bool
}

// NewPublisher creates a Kafka producer for the configured observation topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newPublisher(w, cfg.BatchSize, cfg.BatchFlushInterval, logger, metrics)
}

func newPublisher(w messageWriter, batchSize int, flushInterval time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		writer:        w,
		queue:         make(chan domain.Observation, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		metrics:       metrics,
	}
}

// ObservationCommitted enqueues obs for publishing. It never blocks: when the
// queue is full the event is dropped and counted.
func (p *Publisher) ObservationCommitted(_ context.Context, obs domain.Observation) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.metrics.EventsDropped.Inc()
		p.logger.Warn("event publisher stopped, dropping observation", "id", obs.ID)
		return
	}
	select {
	case p.queue <- obs:
	default:
		p.metrics.EventsDropped.Inc()
		p.logger.Warn("event queue full, dropping observation", "id", obs.ID)
	}
}

// Run batches queued observations and writes them until ctx is cancelled,
// then flushes whatever is still queued. Observations committed after Run
// returns are counted as dropped.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("event publisher started", "batch_size", p.batchSize, "flush_interval", p.flushInterval)
	p.metrics.PublisherRunning.Set(1)
	defer p.metrics.PublisherRunning.Set(0)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.Observation, 0, p.batchSize)
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			batch = p.drain(batch)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			p.flush(flushCtx, batch)
			cancel()
			p.logger.Info("event publisher stopping", "reason", ctx.Err())
			return
		case obs := <-p.queue:
			batch = append(batch, obs)
			if len(batch) >= p.batchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// drain moves everything currently queued into batch without blocking.
func (p *Publisher) drain(batch []domain.Observation) []domain.Observation {
	for {
		select {
		case obs := <-p.queue:
			batch = append(batch, obs)
		default:
			return batch
		}
	}
}

// flush serializes and writes batch in a single WriteMessages call. The
// kafka-go writer retries internally; a failed batch is dropped.
func (p *Publisher) flush(ctx context.Context, batch []domain.Observation) {
	if len(batch) == 0 {
		return
	}
	msgs := make([]kafkago.Message, 0, len(batch))
	for _, obs := range batch {
		msg, err := serializeToMessage(obs)
		if err != nil {
			p.logger.Error("serialize observation failed", "id", obs.ID, "error", err)
			p.metrics.EventsDropped.Inc()
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("write observation batch failed", "error", err, "batch_size", len(msgs))
		p.metrics.EventsDropped.Add(float64(len(msgs)))
		return
	}
	p.metrics.EventsPublished.Add(float64(len(msgs)))
}

// Close closes the underlying Kafka writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an Observation into a Kafka message keyed by id.
func serializeToMessage(obs domain.Observation) (kafkago.Message, error) {
	data, err := json.Marshal(obs)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize observation: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(obs.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte(obs.Source)},
			{Key: "detected_at", Value: []byte(obs.DetectedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
