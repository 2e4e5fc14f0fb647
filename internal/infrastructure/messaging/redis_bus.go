package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// Events are delivered locally right away and broadcast on a Redis channel
// for the other instances. Each instance skips its own broadcasts.
// ══════════════════════════════════════════════════════════════════════════════

// RedisMessage is one message received from the transport.
type RedisMessage struct {
	Payload string
	Err     error
}

// RedisTransport is the pub/sub surface the bus needs.
type RedisTransport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan RedisMessage, error)
	Close() error
}

// RedisEventBus is a Redis pub/sub backed shared.EventBus.
type RedisEventBus struct {
	transport  RedisTransport
	localBus   *InMemoryEventBus
	channel    string
	instanceID string
	timeout    time.Duration
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Transport RedisTransport

	// Channel defaults to "points:events".
	Channel string

	// InstanceID defaults to a random UUID.
	InstanceID string

	// PublishTimeout bounds each broadcast. Default 2s.
	PublishTimeout time.Duration

	LocalBusConfig InMemoryEventBusConfig
	Logger         *slog.Logger
}

// NewRedisEventBus subscribes to the channel and returns the bus.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Transport == nil {
		return nil, errors.New("redis transport is required")
	}
	if config.Channel == "" {
		config.Channel = "points:events"
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &RedisEventBus{
		transport:  config.Transport,
		localBus:   NewInMemoryEventBus(config.LocalBusConfig),
		channel:    config.Channel,
		instanceID: config.InstanceID,
		timeout:    config.PublishTimeout,
		logger:     config.Logger.With(slog.String("component", "redis_event_bus")),
		ctx:        ctx,
		cancel:     cancel,
	}

	messages, err := bus.transport.Subscribe(ctx, bus.channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", bus.channel, err)
	}

	bus.wg.Add(1)
	go func() {
		defer bus.wg.Done()
		bus.subscriptionLoop(messages)
	}()

	return bus, nil
}

// Subscribe registers a handler for a specific event type.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.localBus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.localBus.SubscribeAll(handler)
}

// Publish delivers event locally and broadcasts it. A failed broadcast is
// returned after local delivery.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrEventBusClosed
	}

	if err := b.localBus.Publish(event); err != nil {
		return err
	}

	data, err := Encode(event)
	if err != nil {
		return err
	}
	data = stamp(data, b.instanceID)

	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	if err := b.transport.Publish(ctx, b.channel, data); err != nil {
		return fmt.Errorf("broadcast %s: %w", event.EventType(), err)
	}
	return nil
}

func (b *RedisEventBus) subscriptionLoop(messages <-chan RedisMessage) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Err != nil {
				b.logger.Error("redis subscription error", slog.String("error", msg.Err.Error()))
				continue
			}
			b.handleMessage([]byte(msg.Payload))
		}
	}
}

func (b *RedisEventBus) handleMessage(data []byte) {
	origin, inner, err := unstamp(data)
	if err != nil {
		b.logger.Error("failed to read broadcast", slog.String("error", err.Error()))
		return
	}
	if origin == b.instanceID {
		return
	}

	event, env, err := Decode(inner)
	if err != nil {
		b.logger.Warn("dropping undecodable event",
			slog.String("envelope_id", env.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := b.localBus.Publish(event); err != nil {
		b.logger.Error("failed to deliver remote event", slog.String("error", err.Error()))
	}
}

// Close stops the subscription, waits for handlers and closes the transport.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	return errors.Join(b.localBus.Close(), b.transport.Close())
}

// ─────────────────────────────────────────────────────────────────────────────
// Origin stamp: "<instance id>|<envelope json>"
// ─────────────────────────────────────────────────────────────────────────────

func stamp(data []byte, instanceID string) []byte {
	out := make([]byte, 0, len(instanceID)+1+len(data))
	out = append(out, instanceID...)
	out = append(out, '|')
	return append(out, data...)
}

func unstamp(data []byte) (string, []byte, error) {
	for i, c := range data {
		if c == '|' {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, errors.New("broadcast without origin")
}

// ══════════════════════════════════════════════════════════════════════════════
// GO-REDIS TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// GoRedisTransport implements RedisTransport on a go-redis client.
type GoRedisTransport struct {
	client *goredis.Client

	mu     sync.Mutex
	pubsub []*goredis.PubSub
}

// NewGoRedisTransport wraps client. Closing the transport closes its
// subscriptions, not the client.
func NewGoRedisTransport(client *goredis.Client) *GoRedisTransport {
	return &GoRedisTransport{client: client}
}

// Publish implements RedisTransport.
func (t *GoRedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

// Subscribe implements RedisTransport. The channel closes with ctx.
func (t *GoRedisTransport) Subscribe(ctx context.Context, channel string) (<-chan RedisMessage, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	t.mu.Lock()
	t.pubsub = append(t.pubsub, ps)
	t.mu.Unlock()

	out := make(chan RedisMessage)
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- RedisMessage{Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes every subscription opened by this transport.
func (t *GoRedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, ps := range t.pubsub {
		errs = append(errs, ps.Close())
	}
	t.pubsub = nil
	return errors.Join(errs...)
}
