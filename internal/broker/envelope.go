package broker

import "encoding/json"

// Header is the request metadata every bot expects in front of a command.
type Header struct {
	Timestamp  int64          `json:"timestamp"`
	ReplyTo    string         `json:"reply_to"`
	MsgID      int64          `json:"msg_id"`
	NodeID     string         `json:"node_id"`
	Agent      string         `json:"agent"`
	Properties map[string]any `json:"properties"`
}

// Envelope is the wire form of an outbound command.
type Envelope struct {
	Header Header `json:"header"`
	Data   any    `json:"data"`
}

// Message is an inbound bot message handed to custom handlers.
type Message struct {
	Topic   string
	BotID   string
	Channel string
	Payload []byte
}

// normalizeReply returns payload as JSON, quoting it when the bot replied
// with something that is not valid JSON.
func normalizeReply(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
