package roomlink

import "encoding/json"

// ChannelKind selects one of the two logical data channels.
type ChannelKind int

const (
	// ChannelLossy is best-effort: unordered, never retried, no sequence
	// numbers.
	ChannelLossy ChannelKind = iota

	// ChannelReliable is ordered and replayable after reconnect using
	// sequence numbers.
	ChannelReliable
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelLossy:
		return "lossy"
	case ChannelReliable:
		return "reliable"
	default:
		return "unknown"
	}
}

// DataPacket is the application-level unit carried over the data channels.
// Sequence is assigned at send time for reliable packets; 0 means "unset"
// (reliable sequences start at 1).
type DataPacket struct {
	Kind     ChannelKind `json:"kind"`
	SenderID string      `json:"senderId,omitempty"`
	Sequence uint32      `json:"seq,omitempty"`
	Payload  []byte      `json:"payload"`
}

// PacketCodec serializes packets for the wire. The concrete signaling wire
// schema is out of scope; callers interoperating with a particular server
// supply their own codec.
type PacketCodec interface {
	Marshal(packet *DataPacket) ([]byte, error)
	Unmarshal(data []byte) (*DataPacket, error)
}

type jsonPacketCodec struct{}

// NewJSONPacketCodec returns the default JSON codec.
func NewJSONPacketCodec() PacketCodec {
	return jsonPacketCodec{}
}

func (jsonPacketCodec) Marshal(packet *DataPacket) ([]byte, error) {
	return json.Marshal(packet)
}

func (jsonPacketCodec) Unmarshal(data []byte) (*DataPacket, error) {
	packet := &DataPacket{}
	if err := json.Unmarshal(data, packet); err != nil {
		return nil, err
	}
	return packet, nil
}
