package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"buswatch.org/internal/models"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of every NATS subject the relay publishes on.
const SubjectPrefix = "buswatch.alerts"

// NATSSink publishes events on buswatch.alerts.<kind>.<subject>.
type NATSSink struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func NewNATSSink(url string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "relay_nats"))
	nc, err := nats.Connect(url,
		nats.Name("buswatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSSink{nc: nc, logger: logger}, nil
}

// NATSSubject returns the subject an event is published on.
func NATSSubject(kind, subject string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(kind), subjectToken(subject))
}

func (s *NATSSink) Publish(ctx context.Context, e models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(toMessage(e))
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.ID, err)
	}
	return s.nc.Publish(NATSSubject(string(e.Kind), e.Subject.String()), b)
}

func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}
