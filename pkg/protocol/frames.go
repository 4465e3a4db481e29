// Package protocol defines the wire frames exchanged between the GradLink
// server and browser clients over WebSocket.
//
// All frames are JSON-encoded and carry a "type" tag that determines the
// rest of the shape. Inbound frames decode into a closed set of variants via
// DecodeFrame; outbound frames are built only through the Encode helpers so
// the server stamps sender identity itself instead of trusting the client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type tags.
const (
	TypeConnectionEstablished = "connection_established"
	TypeMessage               = "message"
	TypeReadReceipt           = "read_receipt"
	TypeTyping                = "typing"
)

var (
	// ErrMalformedFrame indicates a frame that could not be parsed or that
	// is missing a required field. The connection should survive it.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrameType indicates a well-formed frame with an
	// unrecognized type tag.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Role identifies which directory collection a user belongs to.
type Role string

const (
	RoleStudent Role = "Student"
	RoleAlumni  Role = "Alumni"
)

// ParseRole validates a role string from storage or a token claim.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleStudent, RoleAlumni:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// ChatMessage is the message payload carried by "message" frames and the
// REST message endpoints.
type ChatMessage struct {
	ID          string    `json:"id,omitempty"`
	Sender      string    `json:"sender"`
	SenderModel Role      `json:"senderModel,omitempty"`
	Receiver    string    `json:"receiver"`
	Content     string    `json:"content"`
	Read        bool      `json:"read,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

// Frame is the closed set of inbound frame variants. Only types in this
// package implement it.
type Frame interface {
	frameType() string
}

// MessageFrame asks the server to deliver a chat message to its receiver.
type MessageFrame struct {
	Message ChatMessage
}

// ReadReceiptFrame reports that the connected user read a message.
type ReadReceiptFrame struct {
	MessageID string
}

// TypingFrame reports that the connected user is typing to a recipient.
type TypingFrame struct {
	Recipient string
}

func (MessageFrame) frameType() string     { return TypeMessage }
func (ReadReceiptFrame) frameType() string { return TypeReadReceipt }
func (TypingFrame) frameType() string      { return TypeTyping }

// inboundEnvelope mirrors the union of client frame shapes.
type inboundEnvelope struct {
	Type      string       `json:"type"`
	Message   *ChatMessage `json:"message,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	Recipient string       `json:"recipient,omitempty"`
}

// DecodeFrame parses one inbound frame. It returns ErrMalformedFrame for
// unparseable input or a missing payload, and ErrUnknownFrameType for an
// unrecognized tag; callers drop the frame and keep reading either way.
func DecodeFrame(data []byte) (Frame, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeMessage:
		if env.Message == nil {
			return nil, fmt.Errorf("%w: message frame without message", ErrMalformedFrame)
		}
		return MessageFrame{Message: *env.Message}, nil
	case TypeReadReceipt:
		if env.MessageID == "" {
			return nil, fmt.Errorf("%w: read_receipt frame without messageId", ErrMalformedFrame)
		}
		return ReadReceiptFrame{MessageID: env.MessageID}, nil
	case TypeTyping:
		if env.Recipient == "" {
			return nil, fmt.Errorf("%w: typing frame without recipient", ErrMalformedFrame)
		}
		return TypingFrame{Recipient: env.Recipient}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}
}

// EncodeConnectionEstablished builds the greeting frame sent right after a
// successful handshake.
func EncodeConnectionEstablished(message string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{TypeConnectionEstablished, message})
}

// EncodeMessage builds an outbound message frame. The caller is expected to
// have stamped Sender and SenderModel from the authenticated connection.
func EncodeMessage(m ChatMessage) ([]byte, error) {
	return json.Marshal(struct {
		Type    string      `json:"type"`
		Message ChatMessage `json:"message"`
	}{TypeMessage, m})
}

// EncodeReadReceipt builds an outbound read receipt frame.
func EncodeReadReceipt(messageID, readerID string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
		ReaderID  string `json:"readerId"`
	}{TypeReadReceipt, messageID, readerID})
}

// EncodeTyping builds an outbound typing indicator frame.
func EncodeTyping(senderID, senderName string) ([]byte, error) {
	return json.Marshal(struct {
		Type       string `json:"type"`
		SenderID   string `json:"senderId"`
		SenderName string `json:"senderName"`
	}{TypeTyping, senderID, senderName})
}
