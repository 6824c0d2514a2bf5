// Package ingest validates raw position reports from bus devices and applies
// the accepted ones to the bus state store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"buswatch.org/internal/busstate"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"buswatch.org/internal/utils"
)

// ValidationError reports why a report was rejected. Rejected reports are
// dropped; the device is not expected to retry them.
type ValidationError struct {
	Reason models.RejectReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "report rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("report rejected: %s: %s", e.Reason, e.Detail)
}

// Reason extracts the reject reason from err, if it carries one.
func Reason(err error) (models.RejectReason, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}

func reject(reason models.RejectReason, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Store is the part of the bus state store ingest writes to.
type Store interface {
	Known(busID string) bool
	Update(report models.PositionReport) (busstate.Result, error)
}

// Region bounds plausible positions.
type Region interface {
	InRegion(pos models.Coordinate) bool
}

type Config struct {
	ClockSkewTolerance time.Duration
	MaxSpeedMps        float64
}

type Ingester struct {
	config  Config
	store   Store
	region  Region
	history *History
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(config Config, store Store, region Region, history *History, c clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Ingester {
	if config.ClockSkewTolerance <= 0 {
		config.ClockSkewTolerance = 120 * time.Second
	}
	if config.MaxSpeedMps <= 0 {
		config.MaxSpeedMps = 45
	}
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		config:  config,
		store:   store,
		region:  region,
		history: history,
		clock:   c,
		metrics: m,
		logger:  logger.With(slog.String("component", "ingest")),
	}
}

// Validate checks a report against everything that does not need the
// bus's current state.
func (in *Ingester) Validate(report models.PositionReport) error {
	if report.DeviceTimestamp.IsZero() {
		return reject(models.RejectMissingTimestamp, "bus %s", report.BusID)
	}
	if report.BusID == "" || !in.store.Known(report.BusID) {
		return reject(models.RejectUnknownBus, "%q", report.BusID)
	}
	pos := report.Position
	// 0,0 is what receivers without a fix report
	if !utils.ValidCoordinate(pos.Lat, pos.Lon) || (pos.Lat == 0 && pos.Lon == 0) {
		return reject(models.RejectInvalidCoordinate, "%f,%f", pos.Lat, pos.Lon)
	}
	if in.region != nil && !in.region.InRegion(pos) {
		return reject(models.RejectOutOfRegion, "%f,%f", pos.Lat, pos.Lon)
	}
	if math.IsNaN(report.SpeedMps) || report.SpeedMps < 0 || report.SpeedMps > in.config.MaxSpeedMps {
		return reject(models.RejectInvalidSpeed, "%f m/s", report.SpeedMps)
	}
	if math.IsNaN(report.HeadingDegrees) || report.HeadingDegrees < 0 || report.HeadingDegrees >= 360 {
		return reject(models.RejectInvalidHeading, "%f", report.HeadingDegrees)
	}
	skew := report.DeviceTimestamp.Sub(in.clock.Now())
	if skew < 0 {
		skew = -skew
	}
	if skew > in.config.ClockSkewTolerance {
		return reject(models.RejectClockSkew, "device clock off by %s", skew.Round(time.Second))
	}
	return nil
}

// Submit validates report and applies it to the bus state store. A report
// that is not newer than the bus's last accepted one is rejected as stale
// even when it is otherwise valid.
func (in *Ingester) Submit(ctx context.Context, report models.PositionReport) (busstate.Result, error) {
	report.ReceivedAt = in.clock.Now().UTC()

	if err := in.Validate(report); err != nil {
		in.rejected(ctx, report, err)
		return busstate.Result{}, err
	}

	res, err := in.store.Update(report)
	if err != nil {
		if errors.Is(err, busstate.ErrStaleReport) {
			err = &ValidationError{Reason: models.RejectStaleReport, Detail: err.Error()}
		} else if errors.Is(err, busstate.ErrNotFound) {
			err = &ValidationError{Reason: models.RejectUnknownBus, Detail: report.BusID}
		}
		in.rejected(ctx, report, err)
		return busstate.Result{}, err
	}

	in.metrics.ReportAccepted()
	if in.history != nil {
		in.history.Append(report)
	}
	return res, nil
}

func (in *Ingester) rejected(ctx context.Context, report models.PositionReport, err error) {
	reason, ok := Reason(err)
	if !ok {
		reason = "internal"
	}
	in.metrics.ReportRejected(string(reason))
	level := slog.LevelInfo
	if reason == models.RejectStaleReport {
		level = slog.LevelDebug
	}
	in.logger.Log(ctx, level, "position report rejected",
		slog.String("bus_id", report.BusID),
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()))
}
