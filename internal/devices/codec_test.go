package devices

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func TestDecodeAckFrame(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x01, 0x2c, 0xde, 0xad, 0xbe, 0xef}
	ack, err := decodeAckFrame(frame)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Counter != 300 {
		t.Fatalf("expected counter 300, got %d", ack.Counter)
	}
	if ack.Signature != "deadbeef" {
		t.Fatalf("expected signature deadbeef, got %s", ack.Signature)
	}
}

func TestDecodeAckFrameRejectsBadLength(t *testing.T) {
	if _, err := decodeAckFrame([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for short frame")
	}
	if _, err := decodeAckFrame(make([]byte, 9)); err == nil {
		t.Fatal("expected error for long frame")
	}
}

func TestDisplayV1ExpectedPayload(t *testing.T) {
	codec := DisplayV1Codec{}

	cases := []struct {
		state string
		color byte
	}{
		{"FREE", colorGreen},
		{"OCCUPIED", colorRed},
		{"RESERVED", colorYellow},
		{"RESERVED_OCCUPIED", colorYellow},
		{"MAINTENANCE", colorOff},
	}
	for _, tc := range cases {
		payload, channel, err := codec.ExpectedPayload(tc.state)
		if err != nil {
			t.Fatalf("state %s: %v", tc.state, err)
		}
		if channel != ChannelDisplay {
			t.Fatalf("state %s: expected channel %d, got %d", tc.state, ChannelDisplay, channel)
		}
		if len(payload) != 2 || payload[0] != 0x01 || payload[1] != tc.color {
			t.Fatalf("state %s: unexpected payload %v", tc.state, payload)
		}
	}

	if _, _, err := codec.ExpectedPayload("BOGUS"); err != ErrUnknownState {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}

func TestPayloadSignatureMatchesAckEcho(t *testing.T) {
	payload := []byte{0x01, colorRed}
	sum := sha1.Sum(payload)
	want := hex.EncodeToString(sum[:4])
	if got := PayloadSignature(payload); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestDecodeSensorReading(t *testing.T) {
	reading, err := DecodeSensorReading([]byte{0x01, 0x0c, 0x80, 0x5f})
	if err != nil {
		t.Fatalf("decode sensor: %v", err)
	}
	if !reading.Occupied {
		t.Fatal("expected occupied")
	}
	if reading.BatteryMV != 3200 {
		t.Fatalf("expected 3200 mV, got %d", reading.BatteryMV)
	}
	if reading.Confidence != 95 {
		t.Fatalf("expected confidence 95, got %d", reading.Confidence)
	}

	if _, err := DecodeSensorReading([]byte{0x01}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Lookup("display-v1"); err != nil {
		t.Fatalf("lookup display-v1: %v", err)
	}
	if _, err := reg.Lookup("sensor-v1"); err != nil {
		t.Fatalf("lookup sensor-v1: %v", err)
	}
	if _, err := reg.Lookup("unknown-type"); err == nil {
		t.Fatal("expected error for unknown type")
	}
	types := reg.Types()
	if len(types) != 2 || types[0] != "display-v1" || types[1] != "sensor-v1" {
		t.Fatalf("unexpected types %v", types)
	}
}
