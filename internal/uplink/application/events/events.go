package events

import "time"

// SensorReadingReceived is published for every decoded occupancy frame.
type SensorReadingReceived struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	SpaceID     string    `json:"space_id"`
	Destination string    `json:"destination"`
	Occupied    bool      `json:"occupied"`
	BatteryMV   int       `json:"battery_mv"`
	Confidence  int       `json:"confidence"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// AckReceived is published for every decoded acknowledgement frame.
type AckReceived struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	SpaceID     string    `json:"space_id"`
	Destination string    `json:"destination"`
	Counter     int64     `json:"counter"`
	Signature   string    `json:"signature"`
	OccurredAt  time.Time `json:"occurred_at"`
}
