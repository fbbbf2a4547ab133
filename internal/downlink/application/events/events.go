package events

import "time"

// CommandDelivered is published after a downlink was accepted by the
// network server.
type CommandDelivered struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	TenantID    string    `json:"tenant_id"`
	SpaceID     string    `json:"space_id"`
	Destination string    `json:"destination"`
	ContentHash string    `json:"content_hash"`
	Attempt     int       `json:"attempt"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandDeadLettered is published after a downlink exhausted its
// delivery attempts.
type CommandDeadLettered struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	TenantID    string    `json:"tenant_id"`
	SpaceID     string    `json:"space_id"`
	Destination string    `json:"destination"`
	ContentHash string    `json:"content_hash"`
	Attempt     int       `json:"attempt"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandVerified is published after a device confirmed the content of a
// delivered downlink.
type CommandVerified struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	TenantID    string    `json:"tenant_id"`
	Destination string    `json:"destination"`
	ContentHash string    `json:"content_hash"`
	AckCounter  int64     `json:"ack_counter"`
	OccurredAt  time.Time `json:"occurred_at"`
}
