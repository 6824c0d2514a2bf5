package ingest

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"buswatch.org/busdb"
	"buswatch.org/internal/appconf"
	"buswatch.org/internal/busstate"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"buswatch.org/internal/routeindex"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 9, 14, 7, 30, 0, 0, time.UTC)

type fixture struct {
	ingester *Ingester
	store    *busstate.Store
	clock    *clock.MockClock
	metrics  *metrics.Metrics
	db       *busdb.Client
	history  *History
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx, err := routeindex.Load([]models.Route{{
		ID: "north",
		Polyline: []models.Coordinate{
			{Lat: 39.7800, Lon: -89.6500},
			{Lat: 39.7900, Lon: -89.6500},
		},
		Stops: []models.Stop{
			{ID: "oak-5th", Position: models.Coordinate{Lat: 39.7840, Lon: -89.6500}, ScheduledTime: 7*time.Hour + 35*time.Minute, Ordinal: 1},
		},
	}}, routeindex.Config{CorridorWidthMeters: 150, RegionMarginMeters: 2000})
	require.NoError(t, err)

	store := busstate.NewStore(busstate.Config{
		CorridorWidthMeters: 150,
		OffRouteReports:     3,
		StalenessWindow:     5 * time.Minute,
		SpeedSamples:        5,
		StoppedSpeedMps:     0.5,
	}, idx)
	store.Register(models.Bus{ID: "42", RouteID: "north"})

	db, err := busdb.NewClient(busdb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	history := NewHistory(db.Queries, 16, nil)
	history.Start()
	t.Cleanup(history.Close)

	mc := clock.NewMockClock(t0)
	m := metrics.New()
	return &fixture{
		ingester: New(Config{ClockSkewTolerance: 120 * time.Second, MaxSpeedMps: 45}, store, idx, history, mc, m, nil),
		store:    store,
		clock:    mc,
		metrics:  m,
		db:       db,
		history:  history,
	}
}

func validReport(at time.Time) models.PositionReport {
	return models.PositionReport{
		BusID:           "42",
		Position:        models.Coordinate{Lat: 39.7820, Lon: -89.6500},
		SpeedMps:        8,
		HeadingDegrees:  0,
		DeviceTimestamp: at,
	}
}

func TestSubmitAccepts(t *testing.T) {
	f := newFixture(t)

	res, err := f.ingester.Submit(context.Background(), validReport(t0))
	require.NoError(t, err)
	assert.Equal(t, models.BusStatusEnRoute, res.State.Bus.Status)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.BusStatusInactive, res.Transition.From)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReportsTotal.WithLabelValues("accepted", "")))

	f.history.Close()
	history, err := f.db.Queries.ListPositions(context.Background(), "42", t0.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, t0, history[0].DeviceTimestamp)
	assert.Equal(t, t0, history[0].ReceivedAt)
}

func TestSubmitRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.PositionReport)
		reason models.RejectReason
	}{
		{"unknown bus", func(r *models.PositionReport) { r.BusID = "99" }, models.RejectUnknownBus},
		{"empty bus id", func(r *models.PositionReport) { r.BusID = "" }, models.RejectUnknownBus},
		{"latitude out of range", func(r *models.PositionReport) { r.Position.Lat = 91 }, models.RejectInvalidCoordinate},
		{"null island", func(r *models.PositionReport) { r.Position = models.Coordinate{} }, models.RejectInvalidCoordinate},
		{"outside service region", func(r *models.PositionReport) { r.Position = models.Coordinate{Lat: 40.5, Lon: -89.65} }, models.RejectOutOfRegion},
		{"negative speed", func(r *models.PositionReport) { r.SpeedMps = -1 }, models.RejectInvalidSpeed},
		{"implausible speed", func(r *models.PositionReport) { r.SpeedMps = 80 }, models.RejectInvalidSpeed},
		{"NaN speed", func(r *models.PositionReport) { r.SpeedMps = math.NaN() }, models.RejectInvalidSpeed},
		{"heading 360", func(r *models.PositionReport) { r.HeadingDegrees = 360 }, models.RejectInvalidHeading},
		{"negative heading", func(r *models.PositionReport) { r.HeadingDegrees = -5 }, models.RejectInvalidHeading},
		{"clock ahead", func(r *models.PositionReport) { r.DeviceTimestamp = t0.Add(3 * time.Minute) }, models.RejectClockSkew},
		{"clock behind", func(r *models.PositionReport) { r.DeviceTimestamp = t0.Add(-10 * time.Minute) }, models.RejectClockSkew},
		{"no timestamp", func(r *models.PositionReport) { r.DeviceTimestamp = time.Time{} }, models.RejectMissingTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := validReport(t0)
			tt.mutate(&r)

			_, err := f.ingester.Submit(context.Background(), r)
			require.Error(t, err)
			reason, ok := Reason(err)
			require.True(t, ok)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReportsTotal.WithLabelValues("rejected", string(tt.reason))))

			st, err := f.store.Get("42")
			require.NoError(t, err)
			assert.False(t, st.Bus.HasReported(), "rejected report leaves state untouched")
		})
	}
}

func TestSubmitWithinSkewToleranceIsAccepted(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingester.Submit(context.Background(), validReport(t0.Add(119*time.Second)))
	assert.NoError(t, err)
}

func TestSubmitRejectsStaleAndDuplicateReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ingester.Submit(ctx, validReport(t0))
	require.NoError(t, err)

	for _, at := range []time.Time{t0, t0.Add(-5 * time.Second)} {
		_, err = f.ingester.Submit(ctx, validReport(at))
		reason, ok := Reason(err)
		require.True(t, ok)
		assert.Equal(t, models.RejectStaleReport, reason)
	}

	st, err := f.store.Get("42")
	require.NoError(t, err)
	assert.Equal(t, t0, st.Bus.LastReportAt)
}

func TestConcurrentSubmitOutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := map[time.Time]bool{}
	for i := 0; i < 30; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ingester.Submit(ctx, validReport(at)); err == nil {
				mu.Lock()
				accepted[at] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	st, err := f.store.Get("42")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(29*time.Second), st.Bus.LastReportAt, "newest report always wins")
	assert.True(t, accepted[t0.Add(29*time.Second)])
}

func TestValidationErrorMessage(t *testing.T) {
	err := reject(models.RejectClockSkew, "device clock off by %s", 3*time.Minute)
	assert.Equal(t, "report rejected: clock_skew: device clock off by 3m0s", err.Error())
	assert.Equal(t, "report rejected: unknown_bus", (&ValidationError{Reason: models.RejectUnknownBus}).Error())

	_, ok := Reason(assert.AnError)
	assert.False(t, ok)
}
