package feed

import "time"

// StopTimeUpdate is one stop's predicted arrival/departure for a trip,
// normalized from a GTFS-RT trip update entity. Optional wire fields map to
// nil pointers, never to zero values.
type StopTimeUpdate struct {
	TripID            string
	RouteID           string
	DirectionID       *int // 0 is a valid direction, distinct from absent
	VehicleID         string
	StopID            string
	StopSequence      *int
	ArrivalDelaySec   *int
	ArrivalTime       *time.Time
	DepartureDelaySec *int
	DepartureTime     *time.Time
	CollectedAt       time.Time
}

// VehiclePosition is a vehicle's reported location and schedule-adherence
// status, normalized from a GTFS-RT vehicle position entity.
type VehiclePosition struct {
	VehicleID           string
	TripID              *string
	RouteID             *string
	DirectionID         *int
	Lat                 float64
	Lon                 float64
	Bearing             *float64
	Speed               *float64
	StopID              *string
	CurrentStopSequence *int
	CurrentStatus       *int
	PositionTimestamp   *time.Time
	CollectedAt         time.Time
}
