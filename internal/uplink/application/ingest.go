package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"parkfleet-cloud/internal/devices"
	"parkfleet-cloud/internal/eventing"
	fleet "parkfleet-cloud/internal/fleet/domain"
	uplinkevents "parkfleet-cloud/internal/uplink/application/events"
)

// Frame is a raw uplink received from a device.
type Frame struct {
	Destination string
	Channel     int
	Payload     []byte
	ReceivedAt  time.Time
}

// SpaceResolver maps destinations to spaces.
type SpaceResolver interface {
	SpaceForDestination(ctx context.Context, destination string) (*fleet.Space, error)
}

// ReadingHandler consumes decoded sensor frames.
type ReadingHandler interface {
	HandleSensorReading(ctx context.Context, destination string, reading devices.SensorReading, observedAt time.Time) error
}

// AckHandler consumes decoded acknowledgement frames.
type AckHandler interface {
	HandleAck(ctx context.Context, destination string, ack devices.Ack) error
}

// EventSink publishes uplink events.
type EventSink interface {
	Publish(ctx context.Context, event any) error
}

// Ingest decodes uplink frames and routes them by channel.
type Ingest struct {
	resolver SpaceResolver
	readings ReadingHandler
	acks     AckHandler
	codecs   *devices.Registry
	events   EventSink
	logger   *log.Logger
}

// NewIngest constructs the uplink router.
func NewIngest(resolver SpaceResolver, readings ReadingHandler, acks AckHandler, codecs *devices.Registry, events EventSink, logger *log.Logger) (*Ingest, error) {
	if resolver == nil {
		return nil, errors.New("uplink: nil resolver")
	}
	if readings == nil {
		return nil, errors.New("uplink: nil reading handler")
	}
	if acks == nil {
		return nil, errors.New("uplink: nil ack handler")
	}
	if codecs == nil {
		return nil, errors.New("uplink: nil codec registry")
	}
	if events == nil {
		return nil, errors.New("uplink: nil event sink")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ingest{
		resolver: resolver,
		readings: readings,
		acks:     acks,
		codecs:   codecs,
		events:   events,
		logger:   logger,
	}, nil
}

// HandleUplink routes one frame. Frames from unmapped destinations and
// frames on unassigned channels are dropped with a log line, not an
// error: a misbehaving device must not poison the ingest pipeline.
func (i *Ingest) HandleUplink(ctx context.Context, frame Frame) error {
	if frame.Destination == "" {
		return errors.New("uplink: empty destination")
	}
	space, err := i.resolver.SpaceForDestination(ctx, frame.Destination)
	if err != nil {
		return err
	}
	if space == nil {
		i.logger.Printf("uplink: frame from unmapped destination %s", frame.Destination)
		return nil
	}
	receivedAt := frame.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	switch frame.Channel {
	case devices.ChannelSensorReading:
		reading, err := devices.DecodeSensorReading(frame.Payload)
		if err != nil {
			return fmt.Errorf("uplink: decode sensor frame from %s: %w", frame.Destination, err)
		}
		if err := i.readings.HandleSensorReading(ctx, frame.Destination, reading, receivedAt); err != nil {
			return err
		}
		i.publish(ctx, space.TenantID, uplinkevents.SensorReadingReceived{
			EventID:     eventing.NewEventID(),
			TenantID:    space.TenantID,
			SpaceID:     space.ID,
			Destination: frame.Destination,
			Occupied:    reading.Occupied,
			BatteryMV:   reading.BatteryMV,
			Confidence:  reading.Confidence,
			OccurredAt:  receivedAt,
		})
		return nil

	case devices.ChannelAck:
		deviceType := space.DisplayDeviceType
		if frame.Destination == space.SensorDestination {
			deviceType = space.SensorDeviceType
		}
		codec, err := i.codecs.Lookup(deviceType)
		if err != nil {
			return fmt.Errorf("uplink: ack from %s: %w", frame.Destination, err)
		}
		ack, err := codec.DecodeAck(frame.Payload)
		if err != nil {
			return fmt.Errorf("uplink: decode ack from %s: %w", frame.Destination, err)
		}
		if err := i.acks.HandleAck(ctx, frame.Destination, ack); err != nil {
			return err
		}
		i.publish(ctx, space.TenantID, uplinkevents.AckReceived{
			EventID:     eventing.NewEventID(),
			TenantID:    space.TenantID,
			SpaceID:     space.ID,
			Destination: frame.Destination,
			Counter:     ack.Counter,
			Signature:   ack.Signature,
			OccurredAt:  receivedAt,
		})
		return nil

	default:
		i.logger.Printf("uplink: frame from %s on unassigned channel %d", frame.Destination, frame.Channel)
		return nil
	}
}

func (i *Ingest) publish(ctx context.Context, tenantID string, event any) {
	ctx = eventing.WithTenantID(ctx, tenantID)
	if err := i.events.Publish(ctx, event); err != nil {
		i.logger.Printf("uplink: publish %T: %v", event, err)
	}
}
