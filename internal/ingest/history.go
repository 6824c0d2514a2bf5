package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"buswatch.org/internal/logging"
	"buswatch.org/internal/models"
)

// PositionWriter persists one accepted report.
type PositionWriter interface {
	InsertPosition(ctx context.Context, r models.PositionReport) error
}

// History appends accepted reports to durable position history off the
// ingesting goroutine. When the queue is full the report is not recorded;
// live state is unaffected.
type History struct {
	writer PositionWriter
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	reports chan models.PositionReport
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func NewHistory(writer PositionWriter, queueSize int, logger *slog.Logger) *History {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		writer:  writer,
		logger:  logger.With(slog.String("component", "position_history")),
		reports: make(chan models.PositionReport, queueSize),
	}
}

func (h *History) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for r := range h.reports {
			h.write(r)
		}
	}()
}

func (h *History) write(r models.PositionReport) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("panic writing position history", slog.Any("panic", p))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.writer.InsertPosition(ctx, r); err != nil {
		logging.LogError(h.logger, "failed to record position", err, slog.String("bus_id", r.BusID))
	}
}

// Append queues r without blocking.
func (h *History) Append(r models.PositionReport) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.reports <- r:
		return true
	default:
		if n := h.dropped.Add(1); n%100 == 1 {
			h.logger.Warn("position history queue full", slog.Int64("dropped", n))
		}
		return false
	}
}

// Close writes whatever is queued and stops the worker.
func (h *History) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.reports)
	h.mu.Unlock()
	h.wg.Wait()
}
