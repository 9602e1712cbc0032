// Package gtfsrt renders the live fleet as a GTFS-realtime VehiclePositions
// feed.
package gtfsrt

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"bus-tracker/internal/transit"
)

const version = "2.0"

// RouteID is the route_id used in the feed for a catalog route.
func RouteID(k transit.RouteKey) string { return fmt.Sprintf("%s-%d", k.Operator, k.Number) }

// Build returns a full-dataset feed with one entity per vehicle.
func Build(vehicles []transit.VehiclePosition, now time.Time) *gtfs.FeedMessage {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(version),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(vehicles)),
	}
	for _, v := range vehicles {
		feed.Entity = append(feed.Entity, entity(v))
	}
	return feed
}

func entity(v transit.VehiclePosition) *gtfs.FeedEntity {
	status := gtfs.VehiclePosition_IN_TRANSIT_TO
	if v.State == transit.AtStop {
		status = gtfs.VehiclePosition_STOPPED_AT
	}
	var dir uint32
	if v.Direction == transit.Inbound {
		dir = 1
	}
	return &gtfs.FeedEntity{
		Id: proto.String(v.VehicleID),
		Vehicle: &gtfs.VehiclePosition{
			Trip: &gtfs.TripDescriptor{
				RouteId:     proto.String(RouteID(v.Route())),
				DirectionId: proto.Uint32(dir),
			},
			Vehicle: &gtfs.VehicleDescriptor{
				Id:    proto.String(v.VehicleID),
				Label: proto.String(fmt.Sprintf("%s %d", v.Operator, v.RouteNumber)),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(v.Lat)),
				Longitude: proto.Float32(float32(v.Lon)),
				Speed:     proto.Float32(float32(v.SpeedKmh / 3.6)),
			},
			CurrentStatus: status.Enum(),
			Timestamp:     proto.Uint64(uint64(v.UpdatedAt.Unix())),
		},
	}
}

// Marshal encodes feed as protobuf, or as JSON when asJSON is set.
func Marshal(feed *gtfs.FeedMessage, asJSON bool) ([]byte, error) {
	if asJSON {
		return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(feed)
	}
	return proto.Marshal(feed)
}
