// Package websocket defines the frame protocol of the webchat gateway:
// one JSON envelope for requests, responses, notifications and errors,
// plus the action vocabulary both sides speak.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType classifies a frame.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope every frame travels in. Requests carry an ID
// the response echoes; notifications have none.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewRequest builds a request frame.
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeRequest,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse builds the response to a request frame.
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

// NewNotification builds a server-push frame.
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

// NewError builds an error frame answering a request.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	data, err := json.Marshal(ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
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

// ParsePayload decodes the payload into v. A missing payload decodes to
// the zero value.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
