package mqtt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"parkfleet-cloud/internal/observability/metrics"
	uplinkapp "parkfleet-cloud/internal/uplink/application"
)

const defaultTopic = "application/+/device/+/event/up"

// Consumer subscribes to network server uplink topics on an MQTT broker
// and feeds frames into the ingest pipeline.
type Consumer struct {
	client mqtt.Client
	ingest *uplinkapp.Ingest
	topic  string
	logger *log.Logger
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithTopic overrides the uplink topic filter.
func WithTopic(topic string) ConsumerOption {
	return func(c *Consumer) {
		if topic != "" {
			c.topic = topic
		}
	}
}

// NewConsumer connects to the broker and constructs a consumer.
func NewConsumer(brokerURL, clientID string, ingest *uplinkapp.Ingest, logger *log.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if brokerURL == "" {
		return nil, errors.New("uplink mqtt: empty broker url")
	}
	if ingest == nil {
		return nil, errors.New("uplink mqtt: nil ingest")
	}
	if logger == nil {
		logger = log.Default()
	}
	parsed, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}
	server := parsed.Host
	switch parsed.Scheme {
	case "mqtt", "tcp", "":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	default:
		server = parsed.Scheme + "://" + server + parsed.Path
	}

	options := mqtt.NewClientOptions()
	options.AddBroker(server)
	options.SetClientID(clientID)
	options.SetAutoReconnect(true)
	options.OnConnect = func(mqtt.Client) { logger.Printf("uplink mqtt: connected to %s", server) }
	options.OnConnectionLost = func(_ mqtt.Client, err error) { logger.Printf("uplink mqtt: connection lost: %v", err) }
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		options.SetUsername(parsed.User.Username())
		options.SetPassword(password)
	}

	client := mqtt.NewClient(options)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	c := &Consumer{client: client, ingest: ingest, topic: defaultTopic, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type uplinkMessage struct {
	DevEUI     string `json:"devEui"`
	FPort      int    `json:"fPort"`
	Data       string `json:"data"`
	ReceivedAt string `json:"receivedAt"`
}

// Start subscribes to the uplink topic.
func (c *Consumer) Start(ctx context.Context) error {
	token := c.client.Subscribe(c.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.handle(ctx, msg)
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	c.logger.Printf("uplink mqtt: subscribed to %s", c.topic)
	return nil
}

// Close unsubscribes and disconnects.
func (c *Consumer) Close() {
	if token := c.client.Unsubscribe(c.topic); token.Wait() && token.Error() != nil {
		c.logger.Printf("uplink mqtt: unsubscribe: %v", token.Error())
	}
	c.client.Disconnect(250)
}

func (c *Consumer) handle(ctx context.Context, msg mqtt.Message) {
	start := time.Now()
	var parsed uplinkMessage
	if err := json.Unmarshal(msg.Payload(), &parsed); err != nil {
		metrics.IncIngestError("invalid_json")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		c.logger.Printf("uplink mqtt: invalid payload on %s: %v", msg.Topic(), err)
		return
	}
	if parsed.DevEUI == "" {
		// Fall back to the device id embedded in the topic.
		parsed.DevEUI = destinationFromTopic(msg.Topic())
	}
	payload, err := base64.StdEncoding.DecodeString(parsed.Data)
	if err != nil {
		metrics.IncIngestError("invalid_payload")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		c.logger.Printf("uplink mqtt: bad base64 from %s: %v", parsed.DevEUI, err)
		return
	}

	frame := uplinkapp.Frame{
		Destination: parsed.DevEUI,
		Channel:     parsed.FPort,
		Payload:     payload,
	}
	if parsed.ReceivedAt != "" {
		if receivedAt, err := time.Parse(time.RFC3339, parsed.ReceivedAt); err == nil {
			frame.ReceivedAt = receivedAt.UTC()
		}
	}

	if err := c.ingest.HandleUplink(ctx, frame); err != nil {
		metrics.IncIngestError("handler")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(start))
		c.logger.Printf("uplink mqtt: handle frame from %s: %v", frame.Destination, err)
		return
	}
	metrics.ObserveIngest(metrics.IngestResultSuccess, time.Since(start))
}

// destinationFromTopic extracts the device id from topics shaped like
// application/{app}/device/{devEui}/event/up.
func destinationFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "device" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
