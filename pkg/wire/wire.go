// Package wire defines the message envelope and action names of the ops
// gateway's WebSocket protocol.
package wire

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the envelope.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Client-initiated actions.
const (
	ActionHealthCheck = "health.check"
	ActionSessionList = "session.list"
	ActionSessionGet  = "session.get"
	ActionThreadLogs  = "thread.logs"
)

// Error codes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

// Message is the envelope for every frame in both directions. Notifications
// reuse the bus event type as the action (session.updated, update.available).
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of a MessageTypeError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewResponse builds a response frame answering the request with the given ID.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeResponse,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewNotification builds a server push frame.
func NewNotification(action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MessageTypeNotification,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError builds an error frame answering the request with the given ID.
func NewError(id, action, code, message string) (*Message, error) {
	data, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeError,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload unmarshals the payload into v. A missing payload is not an
// error; v is left untouched.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
