package devices

// Display state colors as rendered by the v1 indicator firmware.
const (
	colorGreen  = 0x01
	colorRed    = 0x02
	colorYellow = 0x03
	colorOff    = 0x00
)

// DisplayV1Codec handles the v1 parking indicator display family.
type DisplayV1Codec struct{}

func (DisplayV1Codec) DecodeAck(data []byte) (Ack, error) {
	return decodeAckFrame(data)
}

func (DisplayV1Codec) ExpectedPayload(state string) ([]byte, int, error) {
	var color byte
	switch state {
	case "FREE":
		color = colorGreen
	case "OCCUPIED":
		color = colorRed
	case "RESERVED", "RESERVED_OCCUPIED":
		color = colorYellow
	case "MAINTENANCE":
		color = colorOff
	default:
		return nil, 0, ErrUnknownState
	}
	return []byte{0x01, color}, ChannelDisplay, nil
}

func (DisplayV1Codec) LivenessPoll() ([]byte, int) {
	return []byte{0x00}, ChannelLiveness
}
