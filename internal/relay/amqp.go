package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"buswatch.org/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errNotConnected = errors.New("amqp channel not connected")

// AMQPSink publishes events to a durable topic exchange with routing key
// <kind>.<subject>. A monitor goroutine re-dials after the broker drops the
// connection and swaps in the new channel.
type AMQPSink struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel

	shutdown chan struct{}
	wg       sync.WaitGroup
}

const (
	amqpDialAttempts = 5
	amqpMinBackoff   = 2 * time.Second
	amqpMaxBackoff   = 60 * time.Second
)

func NewAMQPSink(ctx context.Context, url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AMQPSink{
		url:      url,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "relay_amqp")),
		shutdown: make(chan struct{}),
	}

	var err error
	backoff := amqpMinBackoff
	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		if err = s.connect(); err == nil {
			s.wg.Add(1)
			go s.monitor()
			return s, nil
		}
		s.logger.Warn("amqp broker not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
	return nil, fmt.Errorf("connecting to amqp: %w", err)
}

func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declaring exchange %s: %w", s.exchange, err)
	}
	s.mu.Lock()
	s.conn, s.ch = conn, ch
	s.mu.Unlock()
	return nil
}

func (s *AMQPSink) monitor() {
	defer s.wg.Done()
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-s.shutdown:
			return
		case err, ok := <-closed:
			if !ok || err == nil {
				return
			}
			s.logger.Warn("amqp connection lost", slog.String("reason", err.Reason))
		}

		s.mu.Lock()
		s.ch = nil
		s.mu.Unlock()

		backoff := amqpMinBackoff
		for {
			select {
			case <-s.shutdown:
				return
			case <-time.After(backoff):
			}
			if err := s.connect(); err != nil {
				s.logger.Warn("amqp reconnect failed",
					slog.Any("error", err),
					slog.Duration("retry_in", backoff))
				backoff = nextBackoff(backoff)
				continue
			}
			s.logger.Info("amqp reconnected")
			break
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > amqpMaxBackoff {
		d = amqpMaxBackoff
	}
	return d
}

// RoutingKey returns the routing key an event is published with.
func RoutingKey(kind, subject string) string {
	return subjectToken(kind) + "." + subjectToken(subject)
}

func (s *AMQPSink) Publish(ctx context.Context, e models.Event) error {
	body, err := json.Marshal(toMessage(e))
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.ID, err)
	}
	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()
	if ch == nil {
		return errNotConnected
	}
	err = ch.PublishWithContext(ctx,
		s.exchange,
		RoutingKey(string(e.Kind), e.Subject.String()),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    e.ID,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", s.exchange, err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	close(s.shutdown)
	s.mu.Lock()
	conn := s.conn
	s.conn, s.ch = nil, nil
	s.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("closing amqp connection: %w", err)
	}
	return nil
}
