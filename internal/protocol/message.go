// Package protocol interprets the stream-cache control messages for one
// connection. Text frames carry JSON control messages (START, STOP, GET);
// binary frames carry payload appended to the stream bound by START.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType is the "type" field of a control message.
type MessageType string

const (
	TypeStart   MessageType = "START"
	TypeStarted MessageType = "STARTED"
	TypeStop    MessageType = "STOP"
	TypeStopped MessageType = "STOPPED"
	TypeGet     MessageType = "GET"
	TypeError   MessageType = "ERROR"

	// TypeBinary labels binary payload frames in errors and metrics; it never
	// appears on the wire.
	TypeBinary MessageType = "BINARY"
	// TypeUnknown labels frames whose type could not be recognised.
	TypeUnknown MessageType = "UNKNOWN"
)

// Message is the flat wire object. Absent optional fields are omitted.
type Message struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"streamId,omitempty"`
	Offset   int64       `json:"offset,omitempty"`
	Length   int64       `json:"length,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// Decode parses a text frame. Type names are matched case-insensitively.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed control message: %w", err)
	}
	msg.Type = MessageType(strings.ToUpper(strings.TrimSpace(string(msg.Type))))
	if msg.Type == "" {
		return Message{}, fmt.Errorf("control message missing type")
	}
	return msg, nil
}

// Encode renders msg as a text frame.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func Started(streamID string) Message {
	return Message{Type: TypeStarted, StreamID: streamID}
}

func Stopped(streamID string) Message {
	return Message{Type: TypeStopped, StreamID: streamID}
}

func Error(text string) Message {
	return Message{Type: TypeError, Message: text}
}
