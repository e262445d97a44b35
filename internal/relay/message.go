package relay

import (
	"encoding/json"
	"fmt"

	"github.com/pagetrail/recorder/internal/models"
)

// Type is the message discriminant.
type Type string

const (
	TypeLoginState             Type = "LOGIN_STATE"
	TypeGetLoginState          Type = "GET_LOGIN_STATE"
	TypeLogin                  Type = "LOGIN"
	TypeLogout                 Type = "LOGOUT"
	TypeRecordingStatusChanged Type = "recordingStatusChanged"
	TypeStartRecording         Type = "startRecording"
	TypeStopRecording          Type = "stopRecording"
	TypeGetRecordingStatus     Type = "getRecordingStatus"
	TypeSendRecordingToServer  Type = "sendRecordingToServer"
)

// Message is the envelope carried between contexts.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message; payload may be nil.
func NewMessage(t Type, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

// LoginState is the LOGIN_STATE payload and the GET_LOGIN_STATE reply.
type LoginState = models.SessionState

// RecordingStatus is the recordingStatusChanged payload and getRecordingStatus reply.
type RecordingStatus = models.RecordingStatus

// Credentials is the LOGIN payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SendRecording is the sendRecordingToServer payload.
type SendRecording struct {
	Data models.UploadPayload `json:"data"`
}

// Ack is the generic reply for commands.
type Ack struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	IsRecording *bool  `json:"isRecording,omitempty"`
	RecordingID string `json:"recordingId,omitempty"`
}
