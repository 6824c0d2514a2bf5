// Package archive copies logged events into long-term storage. Writes are
// batched on a background goroutine so the emitting path never waits on the
// archive database.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"buswatch.org/internal/logging"
	"buswatch.org/internal/models"
)

// Writer persists a batch of events.
type Writer interface {
	WriteEvents(ctx context.Context, events []models.Event) error
	Close() error
}

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

type Archiver struct {
	config Config
	writer Writer
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan models.Event
	wg     sync.WaitGroup
}

func New(config Config, writer Writer, logger *slog.Logger) *Archiver {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		config: config,
		writer: writer,
		logger: logger.With(slog.String("component", "archive")),
		events: make(chan models.Event, config.QueueSize),
	}
}

func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.run()
}

// Enqueue queues e for archiving without blocking. It reports false when
// the queue is full or the archiver has stopped.
func (a *Archiver) Enqueue(e models.Event) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.events <- e:
		return true
	default:
		return false
	}
}

func (a *Archiver) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.Event, 0, a.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-a.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= a.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *Archiver) write(batch []models.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in archive write", slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
	defer cancel()
	if err := a.writer.WriteEvents(ctx, batch); err != nil {
		logging.LogError(a.logger, "failed to archive events", err, slog.Int("count", len(batch)))
		return
	}
	a.logger.Debug("events archived", slog.Int("count", len(batch)))
}

// Close flushes queued events and closes the writer.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("archive shutdown timed out", slog.Int("abandoned", len(a.events)))
	}
	return a.writer.Close()
}
