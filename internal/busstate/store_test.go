package busstate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"buswatch.org/internal/models"
	"buswatch.org/internal/routeindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 9, 14, 7, 0, 0, 0, time.UTC)

func testIndex(t *testing.T) *routeindex.Index {
	t.Helper()
	idx, err := routeindex.Load([]models.Route{{
		ID: "north",
		Polyline: []models.Coordinate{
			{Lat: 39.7800, Lon: -89.6500},
			{Lat: 39.7900, Lon: -89.6500},
			{Lat: 39.7900, Lon: -89.6400},
		},
		Stops: []models.Stop{
			{ID: "oak-5th", Position: models.Coordinate{Lat: 39.7840, Lon: -89.6500}, ScheduledTime: 7*time.Hour + 35*time.Minute, Ordinal: 1},
			{ID: "school", Position: models.Coordinate{Lat: 39.7900, Lon: -89.6400}, ScheduledTime: 7*time.Hour + 45*time.Minute, Ordinal: 2},
		},
	}, {
		ID:       "south",
		Polyline: []models.Coordinate{{Lat: 39.76, Lon: -89.64}, {Lat: 39.76, Lon: -89.63}},
		Stops:    []models.Stop{{ID: "elm-2nd", Position: models.Coordinate{Lat: 39.76, Lon: -89.635}, Ordinal: 1}},
	}}, routeindex.Config{CorridorWidthMeters: 150, RegionMarginMeters: 2000})
	require.NoError(t, err)
	return idx
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(Config{
		CorridorWidthMeters: 150,
		OffRouteReports:     3,
		StalenessWindow:     5 * time.Minute,
		SpeedSamples:        3,
		StoppedSpeedMps:     0.5,
	}, testIndex(t))
	s.Register(models.Bus{ID: "42", RouteID: "north", Capacity: 2})
	return s
}

func report(at time.Time, lat, lon, speed float64) models.PositionReport {
	return models.PositionReport{
		BusID:           "42",
		Position:        models.Coordinate{Lat: lat, Lon: lon},
		SpeedMps:        speed,
		DeviceTimestamp: at,
	}
}

// offRoute is about 850 m east of the first leg.
const offRouteLon = -89.64

func TestRegisterStartsInactive(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, models.BusStatusInactive, st.Bus.Status)
	assert.Equal(t, models.AlertInactive, st.LastEmitted)
	assert.True(t, s.Known("42"))
	assert.False(t, s.Known("99"))

	_, err = s.Get("99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateFirstReportGoesEnRoute(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Update(report(t0, 39.782, -89.65, 8))
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.BusStatusInactive, res.Transition.From)
	assert.Equal(t, models.BusStatusEnRoute, res.Transition.To)
	assert.Equal(t, t0, res.Transition.At)

	assert.True(t, res.State.HasProgress)
	assert.Greater(t, res.State.Progress.DistanceAlongRoute, 200.0)
	assert.Equal(t, res.State.Progress, res.State.PrevProgress)

	res, err = s.Update(report(t0.Add(10*time.Second), 39.783, -89.65, 8))
	require.NoError(t, err)
	assert.Nil(t, res.Transition)
	assert.Greater(t, res.State.Progress.DistanceAlongRoute, res.State.PrevProgress.DistanceAlongRoute)
}

func TestUpdateRejectsStaleReports(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(report(t0, 39.782, -89.65, 8))
	require.NoError(t, err)

	_, err = s.Update(report(t0, 39.783, -89.65, 8))
	assert.ErrorIs(t, err, ErrStaleReport, "equal timestamp")
	_, err = s.Update(report(t0.Add(-time.Second), 39.783, -89.65, 8))
	assert.ErrorIs(t, err, ErrStaleReport)

	st, err := s.Get("42")
	require.NoError(t, err)
	assert.InDelta(t, 39.782, st.Bus.Position.Lat, 1e-9, "stale report must not overwrite position")

	_, err = s.Update(models.PositionReport{BusID: "99", DeviceTimestamp: t0})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatesKeepNewest(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Update(report(t0.Add(time.Duration(i)*time.Second), 39.781+float64(i)*0.0001, -89.65, 8))
		}(i)
	}
	wg.Wait()

	st, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(50*time.Second), st.Bus.LastReportAt)
	assert.InDelta(t, 39.786, st.Bus.Position.Lat, 1e-9)
}

func TestOffRouteAfterMoreThanNReports(t *testing.T) {
	s := newTestStore(t)
	at := t0
	next := func(lat, lon float64) Result {
		at = at.Add(10 * time.Second)
		res, err := s.Update(report(at, lat, lon, 8))
		require.NoError(t, err)
		return res
	}

	next(39.782, -89.65)
	for i := 1; i <= 3; i++ {
		res := next(39.782, offRouteLon)
		assert.Nil(t, res.Transition, "report %d outside corridor", i)
		assert.Equal(t, i, res.State.OffRouteCount)
	}
	res := next(39.782, offRouteLon)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.BusStatusOffRoute, res.Transition.To)

	res = next(39.783, -89.65)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.BusStatusOffRoute, res.Transition.From)
	assert.Equal(t, models.BusStatusEnRoute, res.Transition.To)
	assert.Zero(t, res.State.OffRouteCount)
}

func TestOffRouteCounterResetsInsideCorridor(t *testing.T) {
	s := newTestStore(t)
	at := t0
	for i, lon := range []float64{-89.65, offRouteLon, offRouteLon, offRouteLon, -89.65, offRouteLon, offRouteLon, offRouteLon} {
		at = at.Add(10 * time.Second)
		res, err := s.Update(report(at, 39.782, lon, 8))
		require.NoError(t, err)
		if i > 0 {
			assert.Nil(t, res.Transition, "report %d", i)
		}
	}
	st, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, models.BusStatusEnRoute, st.Bus.Status)
}

func TestSpeedRingAndStoppedSince(t *testing.T) {
	s := newTestStore(t)
	speeds := []float64{8, 7, 0.2, 0.1}
	for i, v := range speeds {
		_, err := s.Update(report(t0.Add(time.Duration(i)*time.Minute), 39.782, -89.65, v))
		require.NoError(t, err)
	}
	st, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 0.2, 0.1}, st.Speeds)
	assert.Equal(t, t0.Add(2*time.Minute), st.StoppedSince)
	assert.Equal(t, 3*time.Minute, st.StoppedFor(t0.Add(5*time.Minute)))

	_, err = s.Update(report(t0.Add(4*time.Minute), 39.782, -89.65, 5))
	require.NoError(t, err)
	st, err = s.Get("42")
	require.NoError(t, err)
	assert.True(t, st.StoppedSince.IsZero())
	assert.Zero(t, st.StoppedFor(t0.Add(5*time.Minute)))
}

func TestSweepStale(t *testing.T) {
	s := newTestStore(t)
	s.Register(models.Bus{ID: "43", RouteID: "south"})
	_, err := s.Update(report(t0, 39.782, -89.65, 8))
	require.NoError(t, err)

	assert.Empty(t, s.SweepStale(t0.Add(5*time.Minute)), "exactly at the window is still fresh")

	trs := s.SweepStale(t0.Add(5*time.Minute + time.Second))
	require.Len(t, trs, 1, "bus 43 never reported and is already inactive")
	assert.Equal(t, "42", trs[0].BusID)
	assert.Equal(t, models.BusStatusEnRoute, trs[0].From)
	assert.Equal(t, models.BusStatusInactive, trs[0].To)

	assert.Empty(t, s.SweepStale(t0.Add(time.Hour)), "already inactive")

	res, err := s.Update(report(t0.Add(2*time.Hour), 39.783, -89.65, 8))
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.BusStatusEnRoute, res.Transition.To)
}

func TestSetStatusIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(report(t0, 39.782, -89.65, 8))
	require.NoError(t, err)

	tr, err := s.SetStatus("42", models.BusStatusArrived, models.BusStatusDelayed, t0)
	require.NoError(t, err)
	assert.Nil(t, tr, "current status is en-route")

	tr, err = s.SetStatus("42", models.BusStatusEnRoute, models.BusStatusDelayed, t0)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, models.BusStatusDelayed, tr.To)

	_, err = s.SetStatus("99", models.BusStatusEnRoute, models.BusStatusDelayed, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkEmittedOnlyOnce(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.MarkEmitted("42", models.AlertDelayed)
			if err == nil && changed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	prev, changed, err := s.MarkEmitted("42", models.AlertOnTime)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.AlertDelayed, prev)
}

func TestMarkArrivedOncePerStop(t *testing.T) {
	s := newTestStore(t)
	first, err := s.MarkArrived("42", "oak-5th", t0)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = s.MarkArrived("42", "oak-5th", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, first)
}

func TestAdjustOnboardClamps(t *testing.T) {
	s := newTestStore(t)
	for _, tt := range []struct {
		delta, want int
	}{{1, 1}, {1, 2}, {1, 2}, {-5, 0}} {
		n, err := s.AdjustOnboard("42", tt.delta)
		require.NoError(t, err)
		assert.Equal(t, tt.want, n)
	}
}

func TestReassignResetsRouteState(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(report(t0, 39.782, -89.65, 8))
	require.NoError(t, err)
	_, err = s.MarkArrived("42", "oak-5th", t0)
	require.NoError(t, err)

	prev, err := s.Reassign("42", "south", "dana")
	require.NoError(t, err)
	assert.Equal(t, "north", prev)

	st, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, "south", st.Bus.RouteID)
	assert.Equal(t, "dana", st.Bus.DriverID)
	assert.False(t, st.HasProgress)
	assert.Empty(t, st.ArrivedStops)
}

func TestGetReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(report(t0, 39.782, -89.65, 8))
	require.NoError(t, err)
	_, err = s.MarkArrived("42", "oak-5th", t0)
	require.NoError(t, err)

	st, err := s.Get("42")
	require.NoError(t, err)
	st.Speeds[0] = 99
	delete(st.ArrivedStops, "oak-5th")

	again, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, 8.0, again.Speeds[0])
	assert.Contains(t, again.ArrivedStops, "oak-5th")
}

func TestSnapshotRestoreArchive(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 40; i++ {
		s.Register(models.Bus{ID: fmt.Sprintf("bus-%02d", i), RouteID: "south"})
	}
	_, err := s.Update(report(t0, 39.782, -89.65, 8))
	require.NoError(t, err)
	_, err = s.AdjustOnboard("42", 1)
	require.NoError(t, err)
	_, _, err = s.MarkEmitted("42", models.AlertDelayed)
	require.NoError(t, err)
	_, err = s.MarkArrived("42", "oak-5th", t0)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 41)
	assert.Equal(t, "42", snap[0].ID, "ordered by id")
	assert.Equal(t, models.AlertDelayed, snap[0].LastEmitted)
	assert.Equal(t, map[string]time.Time{"oak-5th": t0}, snap[0].ArrivedStops)
	assert.Equal(t, models.AlertInactive, snap[1].LastEmitted)
	assert.Empty(t, snap[1].ArrivedStops)

	archived := s.Archive()
	require.Len(t, archived, 41)
	assert.Equal(t, models.BusStatusEnRoute, archived[0].Status)

	st, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, models.BusStatusInactive, st.Bus.Status)
	assert.False(t, st.Bus.HasReported())
	assert.Zero(t, st.Bus.StudentsOnboard)
	assert.Equal(t, models.AlertInactive, st.LastEmitted)
	assert.Empty(t, st.ArrivedStops)

	restored, skipped := s.Restore(append(snap[:1], models.BusSnapshot{Bus: models.Bus{ID: "ghost"}}))
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, skipped)
	st, err = s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, models.BusStatusEnRoute, st.Bus.Status)
	assert.Equal(t, 1, st.Bus.StudentsOnboard)
	assert.Equal(t, t0, st.Bus.LastReportAt)
	assert.Equal(t, models.AlertDelayed, st.LastEmitted)

	_, changed, err := s.MarkEmitted("42", models.AlertDelayed)
	require.NoError(t, err)
	assert.False(t, changed, "delay already emitted before the restart")
	first, err := s.MarkArrived("42", "oak-5th", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, first, "arrival already emitted before the restart")
}

func TestRevertEmittedAndUnmarkArrived(t *testing.T) {
	s := newTestStore(t)

	prev, changed, err := s.MarkEmitted("42", models.AlertDelayed)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, s.RevertEmitted("42", models.AlertDelayed, prev))
	st, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, models.AlertInactive, st.LastEmitted)

	// A newer transition is not clobbered by a stale revert.
	_, _, err = s.MarkEmitted("42", models.AlertOffRoute)
	require.NoError(t, err)
	require.NoError(t, s.RevertEmitted("42", models.AlertDelayed, models.AlertInactive))
	st, err = s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, models.AlertOffRoute, st.LastEmitted)

	first, err := s.MarkArrived("42", "oak-5th", t0)
	require.NoError(t, err)
	require.True(t, first)
	require.NoError(t, s.UnmarkArrived("42", "oak-5th", t0.Add(time.Second)))
	st, err = s.Get("42")
	require.NoError(t, err)
	assert.Contains(t, st.ArrivedStops, "oak-5th", "only the matching arrival is forgotten")
	require.NoError(t, s.UnmarkArrived("42", "oak-5th", t0))
	first, err = s.MarkArrived("42", "oak-5th", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, first)

	assert.ErrorIs(t, s.RevertEmitted("nope", models.AlertDelayed, models.AlertInactive), ErrNotFound)
}
