// Package alerts turns bus state changes and ETA delay crossings into
// immutable events, each emitted exactly once per transition.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"buswatch.org/internal/busstate"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/eta"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"github.com/google/uuid"
)

var (
	ErrUnknownStudent = errors.New("unknown student")
	ErrWrongBus       = errors.New("student is not assigned to this bus")
	ErrUnknownRoute   = errors.New("unknown route")
)

const (
	emitStripes = 64
	// seqBlock is how many unlogged sequence numbers are reserved per write.
	seqBlock = 100
)

// Store is the part of the bus state store the dispatcher drives.
type Store interface {
	Get(busID string) (busstate.BusState, error)
	SetStatus(busID string, from, to models.BusStatus, at time.Time) (*busstate.Transition, error)
	MarkEmitted(busID string, state models.AlertState) (models.AlertState, bool, error)
	RevertEmitted(busID string, state, prev models.AlertState) error
	MarkArrived(busID, stopID string, at time.Time) (bool, error)
	UnmarkArrived(busID, stopID string, at time.Time) error
	AdjustOnboard(busID string, delta int) (int, error)
	Reassign(busID, routeID, driverID string) (string, error)
}

// Routes resolves route geometry.
type Routes interface {
	Route(routeID string) (models.Route, error)
}

// Students resolves roster entries for boarding events.
type Students interface {
	Student(id string) (models.Student, bool)
}

// EventLog is the durable append-only event store.
type EventLog interface {
	InsertEvent(ctx context.Context, e models.Event) error
	GetEvent(ctx context.Context, id string) (models.Event, error)
	ListEvents(ctx context.Context, subject string, since time.Time, limit int) ([]models.Event, error)
	MaxEventSeqs(ctx context.Context) (map[string]uint64, error)
	ReserveSeq(ctx context.Context, subject string, ceiling uint64) error
}

// Publisher fans events out to live subscribers.
type Publisher interface {
	Publish(e models.Event) int
}

// Forwarder takes events off the emitting goroutine. Enqueue must not block.
type Forwarder interface {
	Enqueue(e models.Event) bool
}

type Config struct {
	DelayMargin         time.Duration
	ArrivalRadiusMeters float64
	CorridorWidthMeters float64
	StoppedSpeedMps     float64
}

// Dispatcher owns the event log. Emission for one subject is serialized so
// that sequence numbers, log order and publish order always agree.
type Dispatcher struct {
	config    Config
	store     Store
	routes    Routes
	students  Students
	log       EventLog
	publisher Publisher
	relay     Forwarder
	archive   Forwarder
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	seqMu    sync.Mutex
	seqs     map[string]uint64
	reserved map[string]uint64

	stripes [emitStripes]sync.Mutex
}

type Options struct {
	Config    Config
	Store     Store
	Routes    Routes
	Students  Students
	Log       EventLog
	Publisher Publisher
	// Relay receives alert-class events for offline push delivery.
	Relay Forwarder
	// Archive receives every logged event.
	Archive Forwarder
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config.DelayMargin <= 0 {
		opts.Config.DelayMargin = 5 * time.Minute
	}
	if opts.Config.ArrivalRadiusMeters <= 0 {
		opts.Config.ArrivalRadiusMeters = 30
	}
	return &Dispatcher{
		config:    opts.Config,
		store:     opts.Store,
		routes:    opts.Routes,
		students:  opts.Students,
		log:       opts.Log,
		publisher: opts.Publisher,
		relay:     opts.Relay,
		archive:   opts.Archive,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(slog.String("component", "alerts")),
		seqs:      make(map[string]uint64),
		reserved:  make(map[string]uint64),
	}
}

// SetPublisher attaches the fan-out gateway once it exists.
func (d *Dispatcher) SetPublisher(p Publisher) {
	d.publisher = p
}

// Seed continues per-subject sequence numbers from the event log so that
// they keep increasing across restarts.
func (d *Dispatcher) Seed(ctx context.Context) error {
	if d.log == nil {
		return nil
	}
	seqs, err := d.log.MaxEventSeqs(ctx)
	if err != nil {
		return fmt.Errorf("loading event sequences: %w", err)
	}
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	for subject, seq := range seqs {
		if seq > d.seqs[subject] {
			d.seqs[subject] = seq
		}
		if seq > d.reserved[subject] {
			d.reserved[subject] = seq
		}
	}
	return nil
}

func (d *Dispatcher) nextSeq(subject string) uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seqs[subject]++
	return d.seqs[subject]
}

// reserveSeq makes sure seq is covered by a persisted reservation. Events
// that skip the log would otherwise leave no trace of the numbers they used,
// and a restart would hand them out again.
func (d *Dispatcher) reserveSeq(ctx context.Context, subject string, seq uint64) error {
	d.seqMu.Lock()
	covered := seq <= d.reserved[subject]
	d.seqMu.Unlock()
	if covered || d.log == nil {
		return nil
	}
	ceiling := seq + seqBlock - 1
	if err := d.log.ReserveSeq(ctx, subject, ceiling); err != nil {
		return err
	}
	d.seqMu.Lock()
	if ceiling > d.reserved[subject] {
		d.reserved[subject] = ceiling
	}
	d.seqMu.Unlock()
	return nil
}

func (d *Dispatcher) stripe(subject string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return &d.stripes[h.Sum32()%emitStripes]
}

// emit assigns the id and sequence number, appends the event to the log and
// hands it to the gateway, relay and archive. eta-update events skip the log.
func (d *Dispatcher) emit(ctx context.Context, kind models.EventKind, subject models.Subject, busID, routeID string, payload map[string]any) (models.Event, error) {
	key := subject.String()
	mu := d.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	e := models.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Subject:   subject,
		BusID:     busID,
		RouteID:   routeID,
		Seq:       d.nextSeq(key),
		Payload:   payload,
		CreatedAt: d.clock.Now().UTC(),
	}

	if kind == models.EventETAUpdate {
		if err := d.reserveSeq(ctx, key, e.Seq); err != nil {
			logging.LogError(d.logger, "failed to reserve sequence numbers", err,
				slog.String("subject", key))
			return models.Event{}, fmt.Errorf("reserving sequence: %w", err)
		}
	} else {
		if d.log != nil {
			if err := d.log.InsertEvent(ctx, e); err != nil {
				logging.LogError(d.logger, "failed to append event", err,
					slog.String("kind", string(kind)),
					slog.String("subject", key))
				return models.Event{}, fmt.Errorf("appending event: %w", err)
			}
		}
		d.metrics.EventEmitted(string(kind))
		if d.archive != nil && !d.archive.Enqueue(e) {
			d.logger.Warn("event archive queue full", slog.String("event_id", e.ID))
		}
		if kind.IsAlert() && d.relay != nil && !d.relay.Enqueue(e) {
			d.logger.Warn("relay queue full, alert not forwarded",
				slog.String("event_id", e.ID),
				slog.String("kind", string(kind)))
		}
	}
	if d.publisher != nil {
		n := d.publisher.Publish(e)
		d.metrics.Delivered(n)
	}
	return e, nil
}

// desiredState maps the bus status and its worst stop delay onto the alert
// state machine.
func (d *Dispatcher) desiredState(status models.BusStatus, records []models.ETARecord) models.AlertState {
	switch status {
	case models.BusStatusInactive:
		return models.AlertInactive
	case models.BusStatusOffRoute:
		return models.AlertOffRoute
	case models.BusStatusArrived:
		return models.AlertArrived
	}
	if worst, ok := eta.MaxDelay(records); ok && worst.Delay > d.config.DelayMargin {
		return models.AlertDelayed
	}
	return models.AlertOnTime
}

// HandleReport evaluates arrivals and the alert state after an accepted
// report. records are the ETAs computed from that report.
func (d *Dispatcher) HandleReport(ctx context.Context, res busstate.Result, records []models.ETARecord) []models.Event {
	var out []models.Event
	out = append(out, d.checkArrivals(ctx, res.State)...)
	out = append(out, d.Evaluate(ctx, res.State.Bus.ID, records)...)
	return out
}

// HandleTransitions evaluates status changes found outside the ingest path,
// such as the staleness sweep.
func (d *Dispatcher) HandleTransitions(ctx context.Context, transitions []busstate.Transition) []models.Event {
	var out []models.Event
	for _, tr := range transitions {
		out = append(out, d.Evaluate(ctx, tr.BusID, nil)...)
	}
	return out
}

// Evaluate moves the bus's alert state machine and emits an event only when
// the state actually changes. Repeated evaluations of the same state emit
// nothing.
func (d *Dispatcher) Evaluate(ctx context.Context, busID string, records []models.ETARecord) []models.Event {
	st, err := d.store.Get(busID)
	if err != nil {
		logging.LogError(d.logger, "cannot evaluate unknown bus", err, slog.String("bus_id", busID))
		return nil
	}
	if len(records) > 0 && records[0].ReportedAt.Before(st.Bus.LastReportAt) {
		// a newer report was evaluated with its own records
		return nil
	}
	now := d.clock.Now()
	status := st.Bus.Status
	desired := d.desiredState(status, records)

	// keep the delayed/en-route status in step with the delay threshold
	var tr *busstate.Transition
	switch {
	case desired == models.AlertDelayed && status == models.BusStatusEnRoute:
		tr, err = d.store.SetStatus(busID, status, models.BusStatusDelayed, now)
	case desired == models.AlertOnTime && status == models.BusStatusDelayed:
		tr, err = d.store.SetStatus(busID, status, models.BusStatusEnRoute, now)
	}
	if err != nil {
		logging.LogError(d.logger, "failed to set bus status", err, slog.String("bus_id", busID))
	} else if tr != nil {
		status = tr.To
	}

	prev, changed, err := d.store.MarkEmitted(busID, desired)
	if err != nil || !changed {
		return nil
	}

	kind := models.EventStatus
	payload := map[string]any{
		"from":   string(prev),
		"state":  string(desired),
		"status": string(status),
	}
	switch desired {
	case models.AlertDelayed:
		kind = models.EventDelay
		worst, _ := eta.MaxDelay(records)
		payload["stopId"] = worst.StopID
		payload["delaySeconds"] = math.Round(worst.Delay.Seconds())
		payload["predictedArrival"] = worst.PredictedArrival.UTC().Format(time.RFC3339)
		payload["scheduledArrival"] = worst.ScheduledArrival.UTC().Format(time.RFC3339)
	case models.AlertOffRoute:
		kind = models.EventOffRoute
		payload["offsetMeters"] = math.Round(st.Progress.PerpendicularOffset)
		payload["position"] = st.Bus.Position
	}

	e, err := d.emit(ctx, kind, models.BusSubject(busID), busID, st.Bus.RouteID, payload)
	if err != nil {
		// not emitted, so the next evaluation has to try again
		if err := d.store.RevertEmitted(busID, desired, prev); err != nil {
			logging.LogError(d.logger, "failed to revert alert state", err, slog.String("bus_id", busID))
		}
		return nil
	}
	logging.LogOperation(d.logger, "alert_state_changed",
		slog.String("bus_id", busID),
		slog.String("from", string(prev)),
		slog.String("to", string(desired)))
	return []models.Event{e}
}

// checkArrivals fires an arrival for every stop the bus reached and is now
// moving away from. The final stop fires on reaching it and moves the bus to
// arrived.
func (d *Dispatcher) checkArrivals(ctx context.Context, st busstate.BusState) []models.Event {
	if !st.HasProgress || st.Progress.PerpendicularOffset > d.config.CorridorWidthMeters {
		return nil
	}
	route, err := d.routes.Route(st.Bus.RouteID)
	if err != nil {
		return nil
	}

	prev, cur := st.PrevProgress.DistanceAlongRoute, st.Progress.DistanceAlongRoute
	radius := d.config.ArrivalRadiusMeters
	moving := st.Bus.SpeedMps >= d.config.StoppedSpeedMps && cur > prev

	var out []models.Event
	for i, stop := range route.Stops {
		if _, done := st.ArrivedStops[stop.ID]; done {
			continue
		}
		final := i == len(route.Stops)-1
		var reached bool
		if final {
			reached = cur >= stop.DistanceAlongRoute-radius
		} else {
			reached = moving && prev <= stop.DistanceAlongRoute+radius && cur > stop.DistanceAlongRoute
		}
		if !reached {
			continue
		}
		first, err := d.store.MarkArrived(st.Bus.ID, stop.ID, st.Bus.LastReportAt)
		if err != nil || !first {
			continue
		}
		e, err := d.emit(ctx, models.EventArrival, models.BusSubject(st.Bus.ID), st.Bus.ID, route.ID, map[string]any{
			"stopId":          stop.ID,
			"stopName":        stop.Name,
			"ordinal":         stop.Ordinal,
			"arrivedAt":       st.Bus.LastReportAt.UTC().Format(time.RFC3339),
			"finalStop":       final,
			"studentsOnboard": st.Bus.StudentsOnboard,
		})
		if err != nil {
			if err := d.store.UnmarkArrived(st.Bus.ID, stop.ID, st.Bus.LastReportAt); err != nil {
				logging.LogError(d.logger, "failed to revert arrival", err, slog.String("bus_id", st.Bus.ID))
			}
			continue
		}
		out = append(out, e)
		if final {
			from := st.Bus.Status
			if from != models.BusStatusArrived && from != models.BusStatusOffRoute && from != models.BusStatusInactive {
				if _, err := d.store.SetStatus(st.Bus.ID, from, models.BusStatusArrived, st.Bus.LastReportAt); err != nil {
					logging.LogError(d.logger, "failed to mark bus arrived", err, slog.String("bus_id", st.Bus.ID))
				}
			}
		}
	}
	return out
}

// RecordBoarding records a student getting on (or off) a bus.
func (d *Dispatcher) RecordBoarding(ctx context.Context, busID, studentID string, boarded bool) (models.Event, error) {
	student, ok := d.students.Student(studentID)
	if !ok {
		return models.Event{}, fmt.Errorf("%w: %s", ErrUnknownStudent, studentID)
	}
	if student.BusID != busID {
		return models.Event{}, fmt.Errorf("%w: student %s rides bus %s", ErrWrongBus, studentID, student.BusID)
	}
	st, err := d.store.Get(busID)
	if err != nil {
		return models.Event{}, err
	}
	delta := 1
	if !boarded {
		delta = -1
	}
	onboard, err := d.store.AdjustOnboard(busID, delta)
	if err != nil {
		return models.Event{}, err
	}
	return d.emit(ctx, models.EventBoarding, models.StudentSubject(studentID), busID, st.Bus.RouteID, map[string]any{
		"studentId":       studentID,
		"stopId":          student.StopID,
		"boarded":         boarded,
		"studentsOnboard": onboard,
		"position":        st.Bus.Position,
	})
}

// ChangeRoute reassigns a bus and emits route-change. Reassigning to the
// current route is a no-op and returns ok == false.
func (d *Dispatcher) ChangeRoute(ctx context.Context, busID, routeID, driverID string) (models.Event, bool, error) {
	if _, err := d.routes.Route(routeID); err != nil {
		return models.Event{}, false, fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	prev, err := d.store.Reassign(busID, routeID, driverID)
	if err != nil {
		return models.Event{}, false, err
	}
	if prev == routeID {
		return models.Event{}, false, nil
	}
	e, err := d.emit(ctx, models.EventRouteChange, models.BusSubject(busID), busID, routeID, map[string]any{
		"fromRouteId": prev,
		"toRouteId":   routeID,
		"driverId":    driverID,
	})
	if err != nil {
		return models.Event{}, false, err
	}
	return e, true, nil
}

// PublishETAs pushes the latest ETA records of a bus as an eta-update. ETA
// publication is a separate stream from alert events and is never logged.
func (d *Dispatcher) PublishETAs(ctx context.Context, busID, routeID string, records []models.ETARecord) (models.Event, error) {
	return d.emit(ctx, models.EventETAUpdate, models.BusSubject(busID), busID, routeID, map[string]any{
		"etas": records,
	})
}

// Get returns a logged event by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (models.Event, error) {
	return d.log.GetEvent(ctx, id)
}

// List returns logged events for subject since the given time, in creation
// order. An empty subject lists every subject.
func (d *Dispatcher) List(ctx context.Context, subject string, since time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return d.log.ListEvents(ctx, subject, since, limit)
}
