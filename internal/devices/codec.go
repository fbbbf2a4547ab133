package devices

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Channel assignments shared by the deployed firmware builds.
const (
	ChannelSensorReading = 1
	ChannelAck           = 2
	ChannelDisplay       = 10
	ChannelLiveness      = 3
)

// Ack is a decoded acknowledgement frame.
type Ack struct {
	// Counter is the monotonically increasing ack counter maintained by
	// the device.
	Counter int64
	// Signature is the hex-encoded truncated digest of the payload the
	// device claims to have applied.
	Signature string
}

// Codec encodes downlink payloads and decodes acknowledgement frames for
// one device family.
type Codec interface {
	// DecodeAck parses an acknowledgement frame received on the ack channel.
	DecodeAck(data []byte) (Ack, error)
	// ExpectedPayload builds the downlink payload that moves the device to
	// the given display state, along with the channel it must be sent on.
	ExpectedPayload(state string) (payload []byte, channel int, err error)
	// LivenessPoll builds a no-op downlink used to trigger an ack without
	// changing device state.
	LivenessPoll() (payload []byte, channel int)
}

// ErrUnknownState is returned when a codec has no encoding for a state.
var ErrUnknownState = errors.New("devices: unknown display state")

// PayloadSignature computes the ack signature a device is expected to echo
// for a payload: the hex encoding of the first 4 bytes of its SHA1 digest.
func PayloadSignature(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:4])
}

// Registry maps device type tags to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry with the built-in codecs registered.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register("display-v1", DisplayV1Codec{})
	r.Register("sensor-v1", SensorV1Codec{})
	return r
}

// Register adds or replaces a codec for a device type tag.
func (r *Registry) Register(deviceType string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[deviceType] = codec
}

// Lookup returns the codec for the device type tag.
func (r *Registry) Lookup(deviceType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[deviceType]
	if !ok {
		return nil, fmt.Errorf("devices: no codec for type %q", deviceType)
	}
	return codec, nil
}

// Types lists registered device type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.codecs))
	for t := range r.codecs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func decodeAckFrame(data []byte) (Ack, error) {
	if len(data) != 8 {
		return Ack{}, fmt.Errorf("devices: ack frame must be 8 bytes, got %d", len(data))
	}
	counter := binary.BigEndian.Uint32(data[:4])
	return Ack{
		Counter:   int64(counter),
		Signature: hex.EncodeToString(data[4:8]),
	}, nil
}
