package feed

import (
	"fmt"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// DecodeTripUpdates flattens a GTFS-RT trip update feed into per-stop records.
// Entities missing a trip or stop id are skipped; a single bad entity never
// aborts the decode. All records share collectedAt.
func DecodeTripUpdates(raw []byte, collectedAt time.Time) ([]StopTimeUpdate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("unmarshal trip updates: %w", err)
	}

	var out []StopTimeUpdate
	for _, e := range fm.Entity {
		tu := e.TripUpdate
		if tu == nil || tu.Trip == nil || tu.Trip.TripId == nil {
			continue
		}
		tripID := tu.Trip.GetTripId()
		routeID := tu.Trip.GetRouteId()
		var dir *int
		if tu.Trip.DirectionId != nil {
			d := int(tu.Trip.GetDirectionId())
			dir = &d
		}
		vehicleID := ""
		if tu.Vehicle != nil {
			vehicleID = tu.Vehicle.GetId()
		}
		for _, stu := range tu.StopTimeUpdate {
			if stu.StopId == nil {
				continue
			}
			rec := StopTimeUpdate{
				TripID:      tripID,
				RouteID:     routeID,
				DirectionID: dir,
				VehicleID:   vehicleID,
				StopID:      stu.GetStopId(),
				CollectedAt: collectedAt,
			}
			if stu.StopSequence != nil {
				seq := int(stu.GetStopSequence())
				rec.StopSequence = &seq
			}
			if a := stu.Arrival; a != nil {
				rec.ArrivalDelaySec = delayOrNil(a)
				rec.ArrivalTime = eventTimeOrNil(a)
			}
			if d := stu.Departure; d != nil {
				rec.DepartureDelaySec = delayOrNil(d)
				rec.DepartureTime = eventTimeOrNil(d)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// delayOrNil maps a delay of exactly zero to nil: upstream feeds do not
// distinguish "delay set to 0" from "no delay field", so neither do we.
func delayOrNil(ev *gtfsrtpb.TripUpdate_StopTimeEvent) *int {
	if ev.Delay == nil || ev.GetDelay() == 0 {
		return nil
	}
	d := int(ev.GetDelay())
	return &d
}

func eventTimeOrNil(ev *gtfsrtpb.TripUpdate_StopTimeEvent) *time.Time {
	if ev.Time == nil {
		return nil
	}
	t := time.Unix(ev.GetTime(), 0).UTC()
	return &t
}

// DecodeVehiclePositions flattens a GTFS-RT vehicle position feed. Entities
// without a position are skipped.
func DecodeVehiclePositions(raw []byte, collectedAt time.Time) ([]VehiclePosition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("unmarshal vehicle positions: %w", err)
	}

	var out []VehiclePosition
	for _, e := range fm.Entity {
		vp := e.Vehicle
		if vp == nil || vp.Position == nil {
			continue
		}
		rec := VehiclePosition{
			Lat:         float64(vp.Position.GetLatitude()),
			Lon:         float64(vp.Position.GetLongitude()),
			CollectedAt: collectedAt,
		}
		if vp.Vehicle != nil {
			rec.VehicleID = vp.Vehicle.GetId()
		}
		if trip := vp.Trip; trip != nil {
			if trip.TripId != nil {
				s := trip.GetTripId()
				rec.TripID = &s
			}
			if trip.RouteId != nil {
				s := trip.GetRouteId()
				rec.RouteID = &s
			}
			if trip.DirectionId != nil {
				d := int(trip.GetDirectionId())
				rec.DirectionID = &d
			}
		}
		if vp.Position.Bearing != nil {
			b := float64(vp.Position.GetBearing())
			rec.Bearing = &b
		}
		if vp.Position.Speed != nil {
			s := float64(vp.Position.GetSpeed())
			rec.Speed = &s
		}
		if vp.StopId != nil {
			s := vp.GetStopId()
			rec.StopID = &s
		}
		if vp.CurrentStopSequence != nil {
			seq := int(vp.GetCurrentStopSequence())
			rec.CurrentStopSequence = &seq
		}
		if vp.CurrentStatus != nil {
			st := int(vp.GetCurrentStatus())
			rec.CurrentStatus = &st
		}
		if vp.Timestamp != nil {
			t := time.Unix(int64(vp.GetTimestamp()), 0).UTC()
			rec.PositionTimestamp = &t
		}
		out = append(out, rec)
	}
	return out, nil
}
