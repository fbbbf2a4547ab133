package eventing

import (
	"encoding/json"
	"errors"
	"reflect"
	"time"
)

// Envelope wraps an event payload with the metadata the outbox and
// subscribers need: identity, correlation, tenant and addressing.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	TenantID      string          `json:"tenant_id"`
	SpaceID       string          `json:"space_id"`
	Destination   string          `json:"destination"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta carries caller-supplied envelope overrides. Zero fields are
// filled from the event itself or generated.
type Meta struct {
	EventID       string
	OccurredAt    time.Time
	CorrelationID string
	TenantID      string
	SpaceID       string
	Destination   string
	SchemaVersion int
}

// BuildEnvelope serializes the event and assembles its envelope.
// SpaceID, Destination and OccurredAt fall back to same-named fields
// on the event struct; the correlation id falls back to the event id.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		EventType:     eventTypeName(event),
		EventID:       meta.EventID,
		OccurredAt:    meta.OccurredAt,
		CorrelationID: meta.CorrelationID,
		TenantID:      meta.TenantID,
		SpaceID:       meta.SpaceID,
		Destination:   meta.Destination,
		SchemaVersion: meta.SchemaVersion,
		Payload:       payload,
	}
	if env.EventID == "" {
		env.EventID = NewEventID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	if env.SpaceID == "" {
		env.SpaceID = stringField(event, "SpaceID")
	}
	if env.Destination == "" {
		env.Destination = stringField(event, "Destination")
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = timeField(event, "OccurredAt")
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now()
	}
	env.OccurredAt = env.OccurredAt.UTC()
	if env.SchemaVersion == 0 {
		env.SchemaVersion = 1
	}
	return env, nil
}

func eventTypeName(event any) string {
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

func eventStruct(event any) (reflect.Value, bool) {
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return reflect.Value{}, false
		}
		value = value.Elem()
	}
	return value, value.Kind() == reflect.Struct
}

func stringField(event any, name string) string {
	value, ok := eventStruct(event)
	if !ok {
		return ""
	}
	field := value.FieldByName(name)
	if field.IsValid() && field.Kind() == reflect.String {
		return field.String()
	}
	return ""
}

func timeField(event any, name string) time.Time {
	value, ok := eventStruct(event)
	if !ok {
		return time.Time{}
	}
	field := value.FieldByName(name)
	if !field.IsValid() {
		return time.Time{}
	}
	if t, ok := field.Interface().(time.Time); ok {
		return t
	}
	return time.Time{}
}
