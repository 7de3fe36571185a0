package stream

import (
	"fmt"
	"strings"
	"time"
)

// MessageType tags every frame on the wire.
type MessageType string

// Inbound frame types.
const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"
	TypeGetStats    MessageType = "get_stats"
)

// Outbound frame types.
const (
	TypeConnectionAck  MessageType = "connection_ack"
	TypeSubscribeAck   MessageType = "subscribe_ack"
	TypeUnsubscribeAck MessageType = "unsubscribe_ack"
	TypePong           MessageType = "pong"
	TypeData           MessageType = "data"
	TypeError          MessageType = "error"
	TypeStats          MessageType = "stats"
)

// Protocol error codes carried by error frames.
const (
	ErrCodeInvalidJSON        = "invalid_json"
	ErrCodeUnknownMessageType = "unknown_message_type"
	ErrCodeInvalidTopic       = "invalid_topic"
)

// InboundMessage is what clients send. Topic applies to subscribe and
// unsubscribe.
type InboundMessage struct {
	Type  MessageType `json:"type"`
	Topic string      `json:"topic,omitempty"`
}

// Frame is the outbound envelope. Payload shape depends on Type.
type Frame struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func ackFrame(t MessageType, topic string) Frame {
	return Frame{Type: t, Topic: topic, Timestamp: time.Now().UTC()}
}

func errorFrame(code, message string) Frame {
	return Frame{Type: TypeError, Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// QuoteTopic builds the canonical stock topic: stock.<SYMBOL>.<interval>.
func QuoteTopic(code, interval string) string {
	return fmt.Sprintf("stock.%s.%s", strings.ToUpper(code), interval)
}
