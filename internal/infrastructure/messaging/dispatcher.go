package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// Subscribes the application's event handlers to a bus, wrapping each one in
// the same middleware chain: panic recovery, logging, retries and a dead
// letter queue for events that still fail.
// ══════════════════════════════════════════════════════════════════════════════

// Handler is an event handler that knows which events it wants.
type Handler interface {
	EventTypes() []shared.EventType
	Handle(event shared.Event) error
}

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	Subscriber shared.EventSubscriber

	// Retrier re-runs failing handlers. Nil runs each handler once.
	Retrier *retry.Retrier

	// DeadLetterQueueSize bounds the DLQ. Zero uses 1000.
	DeadLetterQueueSize int

	Logger *slog.Logger
}

// Dispatcher registers handlers on a subscriber.
type Dispatcher struct {
	subscriber  shared.EventSubscriber
	retrier     *retry.Retrier
	middlewares []Middleware
	deadLetterQ *DeadLetterQueue
	logger      *slog.Logger
	mu          sync.Mutex
	registered  map[string]int
}

// NewDispatcher creates a dispatcher with recovery and logging middleware
// installed.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With(slog.String("component", "dispatcher"))
	return &Dispatcher{
		subscriber:  config.Subscriber,
		retrier:     config.Retrier,
		middlewares: []Middleware{RecoveryMiddleware(logger), LoggingMiddleware(logger)},
		deadLetterQ: NewDeadLetterQueue(config.DeadLetterQueueSize),
		logger:      logger,
		registered:  make(map[string]int),
	}
}

// Use appends middleware. It applies to handlers registered afterwards.
func (d *Dispatcher) Use(middleware Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware)
}

// Register subscribes handler to each of its event types under name.
func (d *Dispatcher) Register(name string, handler Handler) error {
	d.mu.Lock()
	chain := make([]Middleware, len(d.middlewares))
	copy(chain, d.middlewares)
	d.mu.Unlock()

	wrapped := d.withRetry(handler.Handle)
	for i := len(chain) - 1; i >= 0; i-- {
		wrapped = chain[i](wrapped)
	}
	wrapped = d.withDeadLetter(name, wrapped)

	for _, eventType := range handler.EventTypes() {
		if err := d.subscriber.Subscribe(eventType, wrapped); err != nil {
			return fmt.Errorf("dispatcher: subscribe %s to %s: %w", name, eventType, err)
		}
	}

	d.mu.Lock()
	d.registered[name] = len(handler.EventTypes())
	d.mu.Unlock()

	d.logger.Debug("handler registered",
		slog.String("handler", name),
		slog.Int("event_types", len(handler.EventTypes())),
	)
	return nil
}

// Registered returns the number of event types per registered handler.
func (d *Dispatcher) Registered() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.registered))
	for k, v := range d.registered {
		out[k] = v
	}
	return out
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

func (d *Dispatcher) withRetry(next shared.EventHandler) shared.EventHandler {
	if d.retrier == nil {
		return next
	}
	return func(event shared.Event) error {
		return d.retrier.Do(context.Background(), func(context.Context) error {
			return next(event)
		})
	}
}

func (d *Dispatcher) withDeadLetter(name string, next shared.EventHandler) shared.EventHandler {
	return func(event shared.Event) error {
		err := next(event)
		if err != nil {
			d.deadLetterQ.Add(DeadLetterEntry{
				Event:       event,
				HandlerName: name,
				Error:       err,
				FailedAt:    time.Now().UTC(),
			})
		}
		return err
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// RecoveryMiddleware turns handler panics into errors.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic recovered",
						slog.String("event_type", string(event.EventType())),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs handler failures, and successes at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			attrs := []any{
				slog.String("event_type", string(event.EventType())),
				slog.String("aggregate_id", event.AggregateID()),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Error("handler failed", append(attrs, slog.String("error", err.Error()))...)
			} else {
				logger.Debug("handler completed", attrs...)
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a failed event.
type DeadLetterEntry struct {
	Event       shared.Event
	HandlerName string
	Error       error
	FailedAt    time.Time
}

// DeadLetterQueue keeps the most recent failures, oldest first.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add appends entry, dropping the oldest at capacity.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns a copy of all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]DeadLetterEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}
