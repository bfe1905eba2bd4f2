package models

import (
	"encoding/json"
	"time"
)

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
)

type RoomType string

const (
	RoomSingle RoomType = "single"
	RoomGroup  RoomType = "group"
)

// MessageStatus only moves forward: sent, delivered, read.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessageDelivered:
		return 1
	case MessageRead:
		return 2
	default:
		return 0
	}
}

// Advance returns the later of s and next.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

type Device struct {
	Token    string    `json:"expoPushToken"`
	Platform string    `json:"platform"`
	LastUsed time.Time `json:"lastUsed"`
}

type User struct {
	Code      string     `json:"code"`
	Email     string     `json:"email,omitempty"`
	Status    UserStatus `json:"status"`
	Contacts  []string   `json:"contacts"`
	Devices   []Device   `json:"devices"`
	ChatRooms []string   `json:"chatRooms"`
	CreatedAt time.Time  `json:"timestamp"`
}

// HasContact reports whether code is in u's contact set.
func (u *User) HasContact(code string) bool {
	return contains(u.Contacts, code)
}

type Message struct {
	MessageID string        `json:"messageId"`
	ClientID  string        `json:"_id,omitempty"`
	RoomID    string        `json:"roomId"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver,omitempty"`
	Text      string        `json:"message"`
	Status    MessageStatus `json:"stat"`
	Timestamp time.Time     `json:"timestamp"`
	ReadBy    []string      `json:"readBy"`
}

// IsReadBy reports whether code is in the message's readBy set.
func (m *Message) IsReadBy(code string) bool {
	return contains(m.ReadBy, code)
}

// RoomDetails is free-form room metadata. GroupAdmins is lifted out of the
// map so the admin set can be checked against members; on the wire both are
// flattened into one JSON object.
type RoomDetails struct {
	GroupAdmins []string
	Extra       map[string]any
}

func (d RoomDetails) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+1)
	for k, v := range d.Extra {
		out[k] = v
	}
	if len(d.GroupAdmins) > 0 {
		out["groupAdmins"] = d.GroupAdmins
	}
	return json.Marshal(out)
}

func (d *RoomDetails) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.GroupAdmins = nil
	d.Extra = nil
	if admins, ok := raw["groupAdmins"].([]any); ok {
		for _, a := range admins {
			if s, ok := a.(string); ok && s != "" {
				d.GroupAdmins = append(d.GroupAdmins, s)
			}
		}
	}
	delete(raw, "groupAdmins")
	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

// IsAdmin reports whether code is listed in GroupAdmins.
func (d RoomDetails) IsAdmin(code string) bool {
	return contains(d.GroupAdmins, code)
}

type ChatRoom struct {
	RoomID      string      `json:"roomId"`
	Type        RoomType    `json:"type"`
	Members     []string    `json:"members"`
	ReadBy      []string    `json:"readBy"`
	RoomDetails RoomDetails `json:"roomDetails"`
	Messages    []Message   `json:"messages"`
	CreatedAt   time.Time   `json:"timestamp"`
}

// HasMember reports whether code is in the room's member set.
func (r *ChatRoom) HasMember(code string) bool {
	return contains(r.Members, code)
}

// LastMessage returns the most recent message, or nil for an empty room.
func (r *ChatRoom) LastMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// UnreadFor counts messages whose readBy set lacks code.
func (r *ChatRoom) UnreadFor(code string) int {
	n := 0
	for i := range r.Messages {
		if !r.Messages[i].IsReadBy(code) {
			n++
		}
	}
	return n
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
