package restapi

import (
	"net/http"
	"sort"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"buswatch.org/internal/busstate"
	"buswatch.org/internal/models"
)

// occupancy maps the share of seats taken to the GTFS-RT occupancy scale.
func occupancy(onboard, capacity int) *gtfsrtpb.VehiclePosition_OccupancyStatus {
	if capacity <= 0 {
		return nil
	}
	ratio := float64(onboard) / float64(capacity)
	status := gtfsrtpb.VehiclePosition_FULL
	switch {
	case onboard == 0:
		status = gtfsrtpb.VehiclePosition_EMPTY
	case ratio < 0.5:
		status = gtfsrtpb.VehiclePosition_MANY_SEATS_AVAILABLE
	case ratio < 0.9:
		status = gtfsrtpb.VehiclePosition_FEW_SEATS_AVAILABLE
	case ratio < 1:
		status = gtfsrtpb.VehiclePosition_STANDING_ROOM_ONLY
	}
	return status.Enum()
}

func (api *RestAPI) vehiclePosition(st busstate.BusState) *gtfsrtpb.FeedEntity {
	b := st.Bus
	vp := &gtfsrtpb.VehiclePosition{
		Trip: &gtfsrtpb.TripDescriptor{RouteId: proto.String(b.RouteID)},
		Vehicle: &gtfsrtpb.VehicleDescriptor{
			Id:    proto.String(b.ID),
			Label: proto.String(b.VehicleNumber),
		},
		Position: &gtfsrtpb.Position{
			Latitude:  proto.Float32(float32(b.Position.Lat)),
			Longitude: proto.Float32(float32(b.Position.Lon)),
			Bearing:   proto.Float32(float32(b.HeadingDegrees)),
			Speed:     proto.Float32(float32(b.SpeedMps)),
		},
		Timestamp:       proto.Uint64(uint64(b.LastReportAt.Unix())),
		OccupancyStatus: occupancy(b.StudentsOnboard, b.Capacity),
	}
	if st.HasProgress && b.Status != models.BusStatusOffRoute {
		if stops, err := api.Index.StopsRemaining(b.RouteID, st.Progress); err == nil && len(stops) > 0 {
			vp.StopId = proto.String(stops[0].ID)
			vp.CurrentStopSequence = proto.Uint32(uint32(stops[0].Ordinal))
			vp.CurrentStatus = gtfsrtpb.VehiclePosition_IN_TRANSIT_TO.Enum()
		}
	}
	return &gtfsrtpb.FeedEntity{Id: proto.String("bus-" + b.ID), Vehicle: vp}
}

// VehiclePositionsFeed builds a full-dataset GTFS-Realtime feed of every
// active bus that has reported today.
func (api *RestAPI) VehiclePositionsFeed() *gtfsrtpb.FeedMessage {
	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(api.Clock.Now().Unix())),
		},
	}
	states := api.Store.List()
	sort.Slice(states, func(i, j int) bool { return states[i].Bus.ID < states[j].Bus.ID })
	for _, st := range states {
		if !st.Bus.HasReported() || st.Bus.Status == models.BusStatusInactive {
			continue
		}
		feed.Entity = append(feed.Entity, api.vehiclePosition(st))
	}
	return feed
}

// vehiclePositionsHandler serves the feed as protobuf, or as JSON with
// format=json for inspection.
func (api *RestAPI) vehiclePositionsHandler(w http.ResponseWriter, r *http.Request) {
	feed := api.VehiclePositionsFeed()

	if r.URL.Query().Get("format") == "json" {
		b, err := protojson.MarshalOptions{Multiline: true}.Marshal(feed)
		if err != nil {
			api.serverErrorResponse(w, r, err)
			return
		}
		setJSONResponseType(&w)
		_, _ = w.Write(b)
		return
	}

	b, err := proto.Marshal(feed)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(b)
}
