package occupancy

import "time"

// Space display states.
const (
	StateFree             = "FREE"
	StateOccupied         = "OCCUPIED"
	StateReserved         = "RESERVED"
	StateReservedOccupied = "RESERVED_OCCUPIED"
	StateMaintenance      = "MAINTENANCE"
)

// Decision reasons.
const (
	ReasonSensor      = "sensor"
	ReasonReservation = "reservation"
	ReasonOverride    = "manual_override"
)

// Inputs carries everything the state decision depends on.
type Inputs struct {
	SensorOccupied    bool
	SensorKnown       bool
	ReservationActive bool
	ManualOverride    string
}

// Decision is a computed display state with its deciding input.
type Decision struct {
	State  string
	Reason string
}

// Decide computes the display state for a space. A manual override wins
// over everything. An active reservation is never collapsed into plain
// OCCUPIED: a reserved space with a car in it stays distinguishable from
// an ordinary occupied one. A space with no sensor reading and no
// reservation defaults to FREE.
func Decide(in Inputs) Decision {
	switch in.ManualOverride {
	case StateMaintenance, StateFree, StateOccupied:
		return Decision{State: in.ManualOverride, Reason: ReasonOverride}
	}
	if in.ReservationActive {
		if in.SensorKnown && in.SensorOccupied {
			return Decision{State: StateReservedOccupied, Reason: ReasonReservation}
		}
		return Decision{State: StateReserved, Reason: ReasonReservation}
	}
	if in.SensorOccupied {
		return Decision{State: StateOccupied, Reason: ReasonSensor}
	}
	return Decision{State: StateFree, Reason: ReasonSensor}
}

// Record is the persisted occupancy of a space.
type Record struct {
	SpaceID        string
	TenantID       string
	State          string
	Reason         string
	SensorOccupied bool
	SensorKnown    bool
	BatteryMV      int
	Confidence     int
	ObservedAt     time.Time
	UpdatedAt      time.Time
}
