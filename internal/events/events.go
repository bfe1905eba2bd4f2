// Package events names the real-time events exchanged over the websocket
// and defines the payloads the server pushes.
package events

import (
	"encoding/json"

	"github.com/ekidigital/eki-chat-server/internal/models"
)

// Inbound.
const (
	Register     = "register"
	Offer        = "offer"
	Answer       = "answer"
	IceCandidate = "sendIceCandidateToSignalingServer"
	JoinRoom     = "joinRoom"
	LeaveRoom    = "leaveRoom"
	SendMessage  = "sendMessage"
	UpdateRead   = "updateReadStatus"
	MessageAck   = "messageReceived"
	CancelCall   = "cancel-call"
	EndCall      = "end-call"
)

// Outbound. joinRoom and leaveRoom are acknowledged under their own name;
// typing, cancel-call and end-call share their name with the inbound event
// they relay.
const (
	Registered     = "registered"
	UpdateStatus   = "updateStatus"
	IncomingCall   = "incoming-call"
	AnswerResponse = "answerResponse"
	IceFromServer  = "receivedIceCandidateFromServer"
	ReceiveMessage = "receiveMessage"
	MessageUpdated = "messageUpdated"
	StatusUpdated  = "messageStatusUpdated"
	UnreadUpdated  = "unreadMessagesUpdated"
	Typing         = "typing"
	Error          = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an Envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

type RegisteredPayload struct {
	Message string            `json:"message"`
	Status  models.UserStatus `json:"status"`
}

type StatusPayload struct {
	ID     string            `json:"id"`
	Status models.UserStatus `json:"status"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type MessagePayload struct {
	RoomID  string         `json:"roomId"`
	Message models.Message `json:"message"`
}

type StatusUpdatedPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []models.Message `json:"messages"`
}

type UnreadPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type IncomingCallPayload struct {
	Sender string          `json:"sender"`
	Room   string          `json:"room"`
	Target string          `json:"target"`
	Offer  json.RawMessage `json:"offer,omitempty"`
}

type AnswerPayload struct {
	Sender string          `json:"sender"`
	Answer json.RawMessage `json:"answer"`
}

type CandidatePayload struct {
	Sender    string          `json:"sender"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEndPayload struct {
	Sender string `json:"sender"`
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
