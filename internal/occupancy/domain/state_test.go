package occupancy

import "testing"

func TestDecide(t *testing.T) {
	cases := []struct {
		name   string
		in     Inputs
		state  string
		reason string
	}{
		{
			name:   "free when vacant without reservation",
			in:     Inputs{SensorKnown: true},
			state:  StateFree,
			reason: ReasonSensor,
		},
		{
			name:   "occupied when sensor reports a car",
			in:     Inputs{SensorKnown: true, SensorOccupied: true},
			state:  StateOccupied,
			reason: ReasonSensor,
		},
		{
			name:   "reserved when reservation active and vacant",
			in:     Inputs{SensorKnown: true, ReservationActive: true},
			state:  StateReserved,
			reason: ReasonReservation,
		},
		{
			name:   "reserved occupied keeps reservation visible",
			in:     Inputs{SensorKnown: true, SensorOccupied: true, ReservationActive: true},
			state:  StateReservedOccupied,
			reason: ReasonReservation,
		},
		{
			name:   "reservation without sensor data treats space as reserved",
			in:     Inputs{ReservationActive: true},
			state:  StateReserved,
			reason: ReasonReservation,
		},
		{
			name:   "free without any input",
			in:     Inputs{},
			state:  StateFree,
			reason: ReasonSensor,
		},
		{
			name:   "maintenance override wins over occupied sensor",
			in:     Inputs{SensorKnown: true, SensorOccupied: true, ManualOverride: StateMaintenance},
			state:  StateMaintenance,
			reason: ReasonOverride,
		},
		{
			name:   "maintenance override wins over active reservation",
			in:     Inputs{SensorKnown: true, SensorOccupied: true, ReservationActive: true, ManualOverride: StateMaintenance},
			state:  StateMaintenance,
			reason: ReasonOverride,
		},
		{
			name:   "free override wins over reservation",
			in:     Inputs{SensorKnown: true, ReservationActive: true, ManualOverride: StateFree},
			state:  StateFree,
			reason: ReasonOverride,
		},
		{
			name:   "unrecognized override is ignored",
			in:     Inputs{SensorKnown: true, SensorOccupied: true, ManualOverride: "CLOSED"},
			state:  StateOccupied,
			reason: ReasonSensor,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Decide(tc.in)
			if decision.State != tc.state {
				t.Fatalf("expected state %s, got %s", tc.state, decision.State)
			}
			if decision.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, decision.Reason)
			}
		})
	}
}
