package devices

import (
	"errors"
	"fmt"
)

// SensorReading is a decoded occupancy sensor frame.
type SensorReading struct {
	Occupied   bool
	BatteryMV  int
	Confidence int
}

// SensorV1Codec handles the v1 magnetic occupancy sensor family. Sensors
// only receive liveness polls downlink; their primary traffic is uplink.
type SensorV1Codec struct{}

func (SensorV1Codec) DecodeAck(data []byte) (Ack, error) {
	return decodeAckFrame(data)
}

func (SensorV1Codec) ExpectedPayload(state string) ([]byte, int, error) {
	return nil, 0, errors.New("devices: sensor-v1 has no display payload")
}

func (SensorV1Codec) LivenessPoll() ([]byte, int) {
	return []byte{0x00}, ChannelLiveness
}

// DecodeSensorReading parses a v1 sensor frame: 1 byte occupancy flag,
// 2 bytes battery millivolts big-endian, 1 byte confidence percent.
func DecodeSensorReading(data []byte) (SensorReading, error) {
	if len(data) != 4 {
		return SensorReading{}, fmt.Errorf("devices: sensor frame must be 4 bytes, got %d", len(data))
	}
	return SensorReading{
		Occupied:   data[0] != 0,
		BatteryMV:  int(data[1])<<8 | int(data[2]),
		Confidence: int(data[3]),
	}, nil
}
