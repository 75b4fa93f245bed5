package messaging

import (
	"github.com/goccy/go-json"
)

// Push frame types delivered over a live channel. Each frame carries the full
// entity so clients render without a second round-trip.
const (
	FrameMessageCreated = "message.created"
	FrameMessageRead    = "message.read"
)

type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewFrame encodes data into a ready-to-push frame payload.
func NewFrame(frameType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Data: raw})
}

// DecodeFrame parses a payload received from a channel.
func DecodeFrame(payload []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(payload, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// ReadReceipt is the message.read frame body: the peer's advanced cursor.
type ReadReceipt struct {
	ConversationID    int64  `json:"conversation_id"`
	ParticipantID     string `json:"participant_id"`
	LastReadMessageID int64  `json:"last_read_message_id"`
}

// PushEnvelope rides Redis between instances when the recipient's channel is
// bound elsewhere. MessageID is zero for frames that do not need a
// delivered-at stamp (read receipts).
type PushEnvelope struct {
	IdentityID string          `json:"identity_id"`
	MessageID  int64           `json:"message_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func encodeEnvelope(env PushEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses an instance-to-instance push envelope.
func DecodeEnvelope(body []byte) (*PushEnvelope, error) {
	env := &PushEnvelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, err
	}
	return env, nil
}

// PushChannelPrefix namespaces the per-identity Redis pub/sub channels.
const PushChannelPrefix = "msgpush:"

// PushChannel names the Redis channel carrying frames for one identity.
func PushChannel(identityID string) string {
	return PushChannelPrefix + identityID
}

// PushChannelPattern matches every per-identity push channel.
const PushChannelPattern = PushChannelPrefix + "*"
