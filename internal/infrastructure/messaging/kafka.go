package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/pkg/circuitbreaker"
	"github.com/choreboard/points-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// KAFKA PUBLISHER
// Publish only enqueues; a background loop writes batches keyed by
// participant so one participant's events stay ordered within a partition.
// ══════════════════════════════════════════════════════════════════════════════

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// RequiredAcks: -1 all, 1 leader, 0 none.
	RequiredAcks int

	QueueSize    int
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultKafkaConfig returns defaults for a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "points.events",
		RequiredAcks: -1,
		QueueSize:    1024,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c KafkaConfig) Validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka: topic must not be empty")
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return fmt.Errorf("kafka: required acks must be -1, 0 or 1, got %d", c.RequiredAcks)
	}
	return nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	errPublisherNotStarted = errors.New("kafka publisher not started")
	errPublisherStopped    = errors.New("kafka publisher stopped")
	errPublisherQueueFull  = errors.New("kafka publisher queue full")
)

// KafkaPublisher implements shared.EventPublisher on a Kafka topic.
type KafkaPublisher struct {
	cfg     KafkaConfig
	writer  kafkaWriter
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger

	queue  chan kafka.Message
	mu     sync.RWMutex
	state  publisherState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type publisherState int

const (
	stateNew publisherState = iota
	stateRunning
	stateStopped
)

var _ shared.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to cfg.Topic. breaker may be nil.
func NewKafkaPublisher(cfg KafkaConfig, breaker *circuitbreaker.CircuitBreaker, logger *slog.Logger) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: false,
	}
	return newKafkaPublisher(cfg, writer, breaker, logger), nil
}

func newKafkaPublisher(cfg KafkaConfig, writer kafkaWriter, breaker *circuitbreaker.CircuitBreaker, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultKafkaConfig().QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultKafkaConfig().BatchSize
	}
	return &KafkaPublisher{
		cfg:     cfg,
		writer:  writer,
		retrier: retry.BrokerRetrier(retry.WithRetryIf(func(err error) bool { return !circuitbreaker.IsOpenError(err) })),
		breaker: breaker,
		logger:  logger.With(slog.String("component", "kafka_publisher"), slog.String("topic", cfg.Topic)),
		queue:   make(chan kafka.Message, cfg.QueueSize),
	}
}

// Start launches the write loop. It runs until Stop or ctx is done.
func (p *KafkaPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateNew {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = stateRunning

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(runCtx)
	}()
}

// Publish implements shared.EventPublisher. It never blocks: a full queue is
// reported as an error and the event is dropped.
func (p *KafkaPublisher) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	value, err := Encode(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(event.AggregateID()),
		Value: value,
		Time:  event.OccurredAt(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType())},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	switch p.state {
	case stateNew:
		return errPublisherNotStarted
	case stateStopped:
		return errPublisherStopped
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: dropped %s for %s", errPublisherQueueFull, event.EventType(), event.AggregateID())
	}
}

func (p *KafkaPublisher) run(ctx context.Context) {
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			p.drain(batch)
			return
		case msg := <-p.queue:
			batch = append(batch[:0], msg)
		fill:
			for len(batch) < p.cfg.BatchSize {
				select {
				case more := <-p.queue:
					batch = append(batch, more)
				default:
					break fill
				}
			}
			p.write(ctx, batch)
		}
	}
}

// drain flushes what is left in the queue on shutdown, bounded by a short
// timeout of its own.
func (p *KafkaPublisher) drain(batch []kafka.Message) {
	batch = batch[:0]
	for {
		select {
		case msg := <-p.queue:
			batch = append(batch, msg)
			continue
		default:
		}
		break
	}
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.write(ctx, batch)
}

func (p *KafkaPublisher) write(ctx context.Context, batch []kafka.Message) {
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		if p.breaker == nil {
			return p.writer.WriteMessages(ctx, batch...)
		}
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			return p.writer.WriteMessages(ctx, batch...)
		})
	})
	if err != nil {
		p.logger.Error("failed to write events",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// Stop ends the write loop, flushes queued events and closes the writer.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.state = stateStopped
		p.mu.Unlock()
		return p.writer.Close()
	}
	p.state = stateStopped
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	return errors.Join(waitErr, p.writer.Close())
}

// QueueDepth returns the number of events waiting to be written.
func (p *KafkaPublisher) QueueDepth() int {
	return len(p.queue)
}
