// Package relay forwards alert-class events to an external push-notification
// system. The dispatcher hands events over through a bounded queue that never
// blocks; a single worker publishes them to the configured sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"buswatch.org/internal/logging"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
)

var ErrQueueClosed = errors.New("relay queue closed")

// Sink publishes one event to the push system.
type Sink interface {
	Publish(ctx context.Context, e models.Event) error
	Close() error
}

type Config struct {
	QueueSize      int
	PublishTimeout time.Duration
}

// Queue is the non-blocking hand-off between the dispatcher and a Sink.
type Queue struct {
	config  Config
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan models.Event
	wg     sync.WaitGroup
}

func NewQueue(config Config, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		config:  config,
		sink:    sink,
		metrics: m,
		logger:  logger.With(slog.String("component", "relay")),
		events:  make(chan models.Event, config.QueueSize),
	}
}

// Start launches the publishing worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Enqueue hands e to the worker. It reports false when the queue is full or
// closed; the event is then not forwarded.
func (q *Queue) Enqueue(e models.Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.events <- e:
		q.metrics.SetRelayQueueDepth(len(q.events))
		return true
	default:
		q.metrics.RelayPublished("dropped")
		return false
	}
}

// Len returns the number of events waiting to be published.
func (q *Queue) Len() int {
	return len(q.events)
}

func (q *Queue) run() {
	defer q.wg.Done()
	for e := range q.events {
		q.metrics.SetRelayQueueDepth(len(q.events))
		q.publish(e)
	}
}

func (q *Queue) publish(e models.Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in relay publish", slog.Any("panic", r), slog.String("event_id", e.ID))
			q.metrics.RelayPublished("error")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.config.PublishTimeout)
	defer cancel()
	if err := q.sink.Publish(ctx, e); err != nil {
		logging.LogError(q.logger, "failed to relay event", err,
			slog.String("event_id", e.ID),
			slog.String("kind", string(e.Kind)),
			slog.String("subject", e.Subject.String()))
		q.metrics.RelayPublished("error")
		return
	}
	q.metrics.RelayPublished("ok")
}

// Close stops accepting events, publishes what is already queued and closes
// the sink. Events still queued when ctx ends are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		q.logger.Warn("relay shutdown timed out", slog.Int("abandoned", len(q.events)))
	}
	if err := q.sink.Close(); err != nil {
		return fmt.Errorf("closing relay sink: %w", err)
	}
	return nil
}

// subjectToken makes s safe to use as a single NATS subject token or AMQP
// routing key word.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "#", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// message is the wire body pushed to subscribers of the relay.
type message struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Subject   string         `json:"subject"`
	Seq       uint64         `json:"seq"`
	BusID     string         `json:"busId,omitempty"`
	RouteID   string         `json:"routeId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func toMessage(e models.Event) message {
	return message{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Subject:   e.Subject.String(),
		Seq:       e.Seq,
		BusID:     e.BusID,
		RouteID:   e.RouteID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UTC(),
	}
}
