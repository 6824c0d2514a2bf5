package serviceday

import (
	"fmt"
	"sort"

	"buswatch.org/internal/models"
	"github.com/OneBusAway/go-gtfs"
)

// ParseGTFS builds routes from a GTFS static zip. For each GTFS route the
// trip with the most stop times is used as the school-bus run; its shape is
// the polyline, falling back to the stop positions when the feed has no
// shapes. GTFS carries no fleet or roster, so only Routes is populated and
// every route is treated as running to school.
func ParseGTFS(b []byte) (models.Dataset, error) {
	static, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return models.Dataset{}, fmt.Errorf("parsing GTFS: %w", err)
	}

	longest := make(map[string]*gtfs.ScheduledTrip)
	for i := range static.Trips {
		trip := &static.Trips[i]
		if trip.Route == nil || len(trip.StopTimes) == 0 {
			continue
		}
		if cur, ok := longest[trip.Route.Id]; !ok || len(trip.StopTimes) > len(cur.StopTimes) {
			longest[trip.Route.Id] = trip
		}
	}

	var ds models.Dataset
	for _, r := range static.Routes {
		trip, ok := longest[r.Id]
		if !ok {
			continue
		}
		route := models.Route{
			ID:        r.Id,
			Name:      routeName(r),
			Direction: models.DirectionToSchool,
		}

		stopTimes := append([]gtfs.ScheduledStopTime(nil), trip.StopTimes...)
		sort.Slice(stopTimes, func(i, j int) bool { return stopTimes[i].StopSequence < stopTimes[j].StopSequence })
		for _, st := range stopTimes {
			if st.Stop == nil || st.Stop.Latitude == nil || st.Stop.Longitude == nil {
				continue
			}
			route.Stops = append(route.Stops, models.Stop{
				ID:            st.Stop.Id,
				Name:          st.Stop.Name,
				Position:      models.Coordinate{Lat: *st.Stop.Latitude, Lon: *st.Stop.Longitude},
				ScheduledTime: st.ArrivalTime,
				Ordinal:       st.StopSequence,
			})
		}

		if trip.Shape != nil && len(trip.Shape.Points) >= 2 {
			for _, pt := range trip.Shape.Points {
				route.Polyline = append(route.Polyline, models.Coordinate{Lat: pt.Latitude, Lon: pt.Longitude})
			}
		} else {
			for _, s := range route.Stops {
				route.Polyline = append(route.Polyline, s.Position)
			}
		}
		ds.Routes = append(ds.Routes, route)
	}
	return ds, nil
}

func routeName(r gtfs.Route) string {
	switch {
	case r.ShortName != "" && r.LongName != "":
		return r.ShortName + " " + r.LongName
	case r.LongName != "":
		return r.LongName
	case r.ShortName != "":
		return r.ShortName
	default:
		return r.Id
	}
}
