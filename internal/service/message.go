package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/clock"
	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/metrics"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/presence"
	"github.com/ekidigital/eki-chat-server/internal/push"
	"github.com/ekidigital/eki-chat-server/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const roomLockStripes = 64

// Notifier sends push notifications without blocking the caller.
type Notifier interface {
	DispatchAsync(userID string, n push.Notification)
}

// MessageService appends messages, tracks delivery and read state and fans
// the results out to connected members.
type MessageService struct {
	dir    store.Directory
	rooms  *RoomService
	reg    *presence.Registry
	notify Notifier
	clock  clock.Clock

	// Append and fan-out for one room happen under the same stripe so every
	// recipient sees messages in append order.
	locks [roomLockStripes]sync.Mutex
}

func NewMessageService(dir store.Directory, rooms *RoomService, reg *presence.Registry, notify Notifier, clk clock.Clock) *MessageService {
	return &MessageService{dir: dir, rooms: rooms, reg: reg, notify: notify, clock: clk}
}

func (s *MessageService) lockRoom(roomID string) func() {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	mu := &s.locks[h.Sum32()%roomLockStripes]
	mu.Lock()
	return mu.Unlock
}

type AppendInput struct {
	RoomID   string          `json:"roomId" validate:"max=128"`
	Sender   string          `json:"sender" validate:"required,max=128"`
	Receiver string          `json:"receiver" validate:"max=128"`
	Text     string          `json:"text" validate:"required,max=10000"`
	Type     models.RoomType `json:"type" validate:"omitempty,oneof=single group"`
	ClientID string          `json:"_id" validate:"max=128"`
}

// UnmarshalJSON accepts the message body as "text" or, from older clients,
// as "message".
func (in *AppendInput) UnmarshalJSON(data []byte) error {
	type plain AppendInput
	var raw struct {
		plain
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*in = AppendInput(raw.plain)
	if in.Text == "" {
		in.Text = raw.Message
	}
	return nil
}

// resolveTarget picks the room a message goes to. A receiver always means
// the canonical two-party room; otherwise roomID must name an existing room
// the sender belongs to.
func (s *MessageService) resolveTarget(ctx context.Context, in AppendInput) (*models.ChatRoom, string, error) {
	if in.Receiver != "" {
		if err := checkPair(in.Sender, in.Receiver); err != nil {
			return nil, "", err
		}
		if in.Type == models.RoomGroup {
			return nil, "", validationf("group messages have no receiver")
		}
		want := CanonicalRoomID(in.Sender, in.Receiver)
		if in.RoomID != "" && in.RoomID != want {
			return nil, "", validationf("room %s does not match participants (want %s)", in.RoomID, want)
		}
		room, err := s.rooms.ResolveOrCreate(ctx, in.Sender, in.Receiver)
		return room, in.Receiver, err
	}
	if in.RoomID == "" {
		return nil, "", validationf("roomId or receiver is required")
	}
	room, err := s.dir.FindRoom(ctx, in.RoomID)
	if err != nil {
		return nil, "", err
	}
	if !room.HasMember(in.Sender) {
		return nil, "", fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, in.Sender, in.RoomID)
	}
	if room.Type == models.RoomGroup {
		return room, "", nil
	}
	for _, m := range room.Members {
		if m != in.Sender {
			return room, m, nil
		}
	}
	return nil, "", validationf("room %s has no other participant", in.RoomID)
}

// Append stores a new message and delivers it. Contacts and room links are
// recorded before the message so a failed call leaves nothing stored. The
// message is persisted before anything is sent; delivery problems are
// logged, not returned.
func (s *MessageService) Append(ctx context.Context, in AppendInput) (*models.Message, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	room, receiver, err := s.resolveTarget(ctx, in)
	if err != nil {
		return nil, err
	}

	sender, err := s.linkParticipants(ctx, room, in.Sender, receiver)
	if err != nil {
		return nil, err
	}

	unlock := s.lockRoom(room.RoomID)
	defer unlock()

	msg := models.Message{
		MessageID: uuid.NewString(),
		ClientID:  in.ClientID,
		Sender:    in.Sender,
		Receiver:  receiver,
		Text:      in.Text,
		Status:    models.MessageSent,
		Timestamp: s.clock.Now().UTC(),
		ReadBy:    []string{in.Sender},
	}
	stored, err := s.dir.AppendMessage(ctx, room.RoomID, msg)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	metrics.WsMessagesTotal.Inc()
	s.fanOut(room, *stored)
	if room.Type == models.RoomSingle {
		s.pushIfOffline(sender, receiver, *stored)
	}
	return stored, nil
}

// linkParticipants records the contact and room membership side effects of
// a message and returns the sender.
func (s *MessageService) linkParticipants(ctx context.Context, room *models.ChatRoom, sender, receiver string) (*models.User, error) {
	pairs := [][2]string{{sender, receiver}}
	if receiver != "" {
		pairs = append(pairs, [2]string{receiver, sender})
	}
	var senderUser *models.User
	for _, p := range pairs {
		u, err := s.dir.UpsertUser(ctx, p[0], store.UserPatch{})
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", p[0], err)
		}
		if p[0] == sender {
			senderUser = u
		}
		if p[1] != "" {
			if _, err := s.dir.AddContact(ctx, p[0], p[1]); err != nil {
				return nil, fmt.Errorf("add contact %s: %w", p[0], err)
			}
		}
		if err := s.dir.AddRoomToUser(ctx, p[0], room.RoomID); err != nil {
			return nil, fmt.Errorf("link room %s: %w", p[0], err)
		}
	}
	return senderUser, nil
}

func (s *MessageService) fanOut(room *models.ChatRoom, msg models.Message) {
	s.reg.Broadcast(room.RoomID, events.ReceiveMessage, msg)
	payload := events.MessagePayload{RoomID: room.RoomID, Message: msg}
	for _, m := range room.Members {
		s.reg.Emit(m, events.MessageUpdated, payload)
	}
}

func (s *MessageService) pushIfOffline(sender *models.User, receiver string, msg models.Message) {
	if s.notify == nil || receiver == "" {
		return
	}
	if _, online := s.reg.Lookup(receiver); online {
		return
	}
	title := sender.Email
	if title == "" {
		title = sender.Code
	}
	s.notify.DispatchAsync(receiver, push.Notification{
		Title: title,
		Body:  msg.Text,
		Data:  map[string]any{"roomId": msg.RoomID, "sender": msg.Sender},
	})
}

// MarkDelivered moves every sent message in the room to delivered and sends
// the updated messages to each member.
func (s *MessageService) MarkDelivered(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	if roomID == "" {
		return nil, validationf("roomId is required")
	}
	unlock := s.lockRoom(roomID)
	defer unlock()

	if _, err := s.dir.SetAllMessagesStatus(ctx, roomID, models.MessageDelivered); err != nil {
		return nil, err
	}
	room, err := s.dir.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.emitStatus(room)
	return room, nil
}

// MarkRead records that userID has read everything in the room.
func (s *MessageService) MarkRead(ctx context.Context, roomID, userID string) (*models.ChatRoom, error) {
	if roomID == "" || userID == "" {
		return nil, validationf("roomId and userId are required")
	}
	unlock := s.lockRoom(roomID)
	defer unlock()

	n, err := s.dir.MarkReadForUser(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	room, err := s.dir.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("room", roomID).Str("user", userID).Int64("marked", n).Msg("messages read")
	s.reg.Broadcast(roomID, events.UnreadUpdated, events.UnreadPayload{UserID: userID, RoomID: roomID})
	s.emitStatus(room)
	return room, nil
}

func (s *MessageService) emitStatus(room *models.ChatRoom) {
	payload := events.StatusUpdatedPayload{RoomID: room.RoomID, Messages: room.Messages}
	for _, m := range room.Members {
		s.reg.Emit(m, events.StatusUpdated, payload)
	}
}

type UnreadCount struct {
	RoomID      string `json:"roomId"`
	UnreadCount int    `json:"unreadCount"`
}

// UnreadCounts returns, per room of userID, the messages userID has not read.
func (s *MessageService) UnreadCounts(ctx context.Context, userID string) ([]UnreadCount, error) {
	if _, err := s.dir.FindUser(ctx, userID); err != nil {
		return nil, err
	}
	rooms, err := s.dir.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]UnreadCount, 0, len(rooms))
	for i := range rooms {
		out = append(out, UnreadCount{RoomID: rooms[i].RoomID, UnreadCount: rooms[i].UnreadFor(userID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

type LatestMessage struct {
	MessageID string    `json:"messageId"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver,omitempty"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomSummary struct {
	RoomID        string             `json:"roomId"`
	Type          models.RoomType    `json:"type"`
	RoomDetails   models.RoomDetails `json:"roomDetails"`
	LatestMessage *LatestMessage     `json:"latestMessage"`
}

// LatestMessages lists userID's rooms, most recently active first. Rooms
// without messages come last.
func (s *MessageService) LatestMessages(ctx context.Context, userID string) ([]RoomSummary, error) {
	if _, err := s.dir.FindUser(ctx, userID); err != nil {
		return nil, err
	}
	rooms, err := s.dir.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for i := range rooms {
		sum := RoomSummary{RoomID: rooms[i].RoomID, Type: rooms[i].Type, RoomDetails: rooms[i].RoomDetails}
		if last := rooms[i].LastMessage(); last != nil {
			sum.LatestMessage = &LatestMessage{
				MessageID: last.MessageID,
				Sender:    last.Sender,
				Receiver:  last.Receiver,
				Text:      last.Text,
				Timestamp: last.Timestamp,
			}
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LatestMessage, out[j].LatestMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Timestamp.After(b.Timestamp)
		}
	})
	return out, nil
}
