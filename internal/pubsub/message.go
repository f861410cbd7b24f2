package pubsub

import "encoding/json"

// Control frame types sent by clients. Servers never send control frames;
// publication is server-initiated only.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Message is the wire format in both directions. Client control frames
// carry Type and Topic; server data frames carry Topic, Seq, and Payload.
type Message struct {
	Type    string          `json:"type,omitempty"`
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
