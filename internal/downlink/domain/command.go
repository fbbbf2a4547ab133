package downlink

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Command lifecycle statuses.
const (
	StatusPending      = "pending"
	StatusInFlight     = "in_flight"
	StatusDelivered    = "delivered"
	StatusDeadLettered = "dead_lettered"
)

// Command trigger sources.
const (
	TriggerSensor         = "sensor"
	TriggerReservation    = "reservation"
	TriggerManual         = "manual"
	TriggerReconciliation = "reconciliation"
	TriggerPoll           = "poll"
)

// Command is a downlink frame queued for delivery to a device.
type Command struct {
	CommandID     string
	TenantID      string
	SpaceID       string
	Destination   string
	DeviceType    string
	GatewayID     string
	Channel       int
	Payload       []byte
	ContentHash   string
	DesiredState  string
	Trigger       string
	Status        string
	Attempt       int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastError     string
}

// Validate checks command invariants.
func (c Command) Validate() error {
	if c.CommandID == "" {
		return errors.New("command: empty id")
	}
	if c.TenantID == "" {
		return errors.New("command: empty tenant id")
	}
	if c.Destination == "" {
		return errors.New("command: empty destination")
	}
	if c.Channel <= 0 {
		return errors.New("command: invalid channel")
	}
	if len(c.Payload) == 0 {
		return errors.New("command: empty payload")
	}
	switch c.Trigger {
	case TriggerSensor, TriggerReservation, TriggerManual, TriggerReconciliation, TriggerPoll:
	default:
		return errors.New("command: unknown trigger")
	}
	return nil
}

// ContentHash identifies a downlink's effect: two commands with the same
// hash would leave the device in the same state.
func ContentHash(destination string, channel int, payload []byte) string {
	sum := sha1.Sum([]byte(destination + "|" + strconv.Itoa(channel) + "|" + string(payload)))
	return hex.EncodeToString(sum[:])
}

// DestinationState tracks what a destination was last told and what it
// last confirmed.
type DestinationState struct {
	Destination       string
	TenantID          string
	LastSentHash      string
	LastConfirmedHash string
	LastConfirmedAt   time.Time
	LastAckCounter    int64
	MismatchStreak    int
	Suspect           bool
	UpdatedAt         time.Time
}

// DeadLetter is a command that exhausted its delivery attempts.
type DeadLetter struct {
	ID           string
	CommandID    string
	TenantID     string
	SpaceID      string
	Destination  string
	DeviceType   string
	Channel      int
	Payload      []byte
	ContentHash  string
	DesiredState string
	Trigger      string
	Attempt      int
	Reason       string
	CreatedAt    time.Time
}

// QueueDepths counts queued work by status.
type QueueDepths struct {
	Pending     int
	InFlight    int
	DeadLetters int
	Suspect     int
}
