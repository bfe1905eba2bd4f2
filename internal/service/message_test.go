package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/clock"
	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/presence"
	"github.com/ekidigital/eki-chat-server/internal/store"
)

func TestAppend_FirstMessageCreatesRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: "hi", ClientID: "c1"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if msg.RoomID != "A_B" || msg.Status != models.MessageSent || msg.ClientID != "c1" {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.ReadBy) != 1 || msg.ReadBy[0] != "A" {
		t.Errorf("readBy = %v, want [A]", msg.ReadBy)
	}
	if !msg.Timestamp.Equal(env.clock.Now()) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, env.clock.Now())
	}

	room, err := env.dir.FindRoom(ctx, "A_B")
	if err != nil {
		t.Fatalf("FindRoom() error = %v", err)
	}
	if room.Type != models.RoomSingle || len(room.Members) != 2 || len(room.Messages) != 1 {
		t.Errorf("room = %+v", room)
	}
	for _, tc := range []struct{ user, contact string }{{"A", "B"}, {"B", "A"}} {
		u, err := env.dir.FindUser(ctx, tc.user)
		if err != nil {
			t.Fatalf("FindUser(%s) error = %v", tc.user, err)
		}
		if !u.HasContact(tc.contact) {
			t.Errorf("%s contacts = %v, want %s", tc.user, u.Contacts, tc.contact)
		}
		if len(u.ChatRooms) != 1 || u.ChatRooms[0] != "A_B" {
			t.Errorf("%s chatRooms = %v", tc.user, u.ChatRooms)
		}
	}

	// Second message reuses the room and does not duplicate links.
	if _, err := env.messages.Append(ctx, AppendInput{Sender: "B", Receiver: "A", Text: "hey"}); err != nil {
		t.Fatalf("Append() reply error = %v", err)
	}
	a, _ := env.dir.FindUser(ctx, "A")
	if len(a.Contacts) != 1 || len(a.ChatRooms) != 1 {
		t.Errorf("A after reply = %+v", a)
	}
}

func TestAppend_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.rooms.ResolveOrCreate(ctx, "A", "B")
	group := newGroup(t, env, "X", "Y")

	tests := []struct {
		name string
		in   AppendInput
		want error
	}{
		{"missing sender", AppendInput{Receiver: "B", Text: "hi"}, ErrValidation},
		{"missing text", AppendInput{Sender: "A", Receiver: "B"}, ErrValidation},
		{"no target", AppendInput{Sender: "A", Text: "hi"}, ErrValidation},
		{"self", AppendInput{Sender: "A", Receiver: "A", Text: "hi"}, ErrValidation},
		{"room mismatch", AppendInput{RoomID: "A_C", Sender: "A", Receiver: "B", Text: "hi"}, ErrValidation},
		{"group with receiver", AppendInput{Sender: "A", Receiver: "B", Text: "hi", Type: models.RoomGroup}, ErrValidation},
		{"bad type", AppendInput{Sender: "A", Receiver: "B", Text: "hi", Type: "broadcast"}, ErrValidation},
		{"unknown room", AppendInput{RoomID: "nope", Sender: "A", Text: "hi"}, ErrNotFound},
		{"not a member", AppendInput{RoomID: group.RoomID, Sender: "A", Text: "hi"}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.messages.Append(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("Append() error = %v, want %v", err, tt.want)
			}
		})
	}

	room, _ := env.dir.FindRoom(ctx, "A_B")
	if len(room.Messages) != 0 {
		t.Errorf("rejected messages were stored: %v", room.Messages)
	}
}

func TestAppendInput_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"text", `{"sender":"A","receiver":"B","text":"hi"}`, "hi"},
		{"message", `{"sender":"A","receiver":"B","message":"hi"}`, "hi"},
		{"text wins", `{"sender":"A","text":"new","message":"old"}`, "new"},
		{"neither", `{"sender":"A"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in AppendInput
			if err := json.Unmarshal([]byte(tt.data), &in); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if in.Text != tt.want || in.Sender != "A" {
				t.Errorf("input = %+v, want text %q", in, tt.want)
			}
		})
	}
}

func TestAppend_ByRoomID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.rooms.ResolveOrCreate(ctx, "A", "B")

	msg, err := env.messages.Append(ctx, AppendInput{RoomID: "A_B", Sender: "B", Text: "yo"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if msg.Receiver != "A" {
		t.Errorf("receiver = %q, want A", msg.Receiver)
	}

	group := newGroup(t, env, "X", "Y")
	msg, err = env.messages.Append(ctx, AppendInput{RoomID: group.RoomID, Sender: "Y", Text: "all", Type: models.RoomGroup})
	if err != nil {
		t.Fatalf("Append(group) error = %v", err)
	}
	if msg.Receiver != "" {
		t.Errorf("group receiver = %q, want empty", msg.Receiver)
	}
	if env.notifier.count() != 1 {
		t.Errorf("pushes = %d, want only the single-room one", env.notifier.count())
	}
}

func TestAppend_FanOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b := &fakeConn{}
	env.reg.Register("B", b)
	env.reg.JoinRoom("A_B", b)

	if _, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	received := b.named(events.ReceiveMessage)
	if len(received) != 1 {
		t.Fatalf("receiveMessage frames = %d, want 1", len(received))
	}
	var flat models.Message
	if err := json.Unmarshal(received[0].Data, &flat); err != nil {
		t.Fatalf("decode receiveMessage: %v", err)
	}
	if flat.RoomID != "A_B" || flat.Text != "hi" {
		t.Errorf("receiveMessage = %+v", flat)
	}

	updated := b.named(events.MessageUpdated)
	if len(updated) != 1 {
		t.Fatalf("messageUpdated frames = %d, want 1", len(updated))
	}
	var payload events.MessagePayload
	if err := json.Unmarshal(updated[0].Data, &payload); err != nil {
		t.Fatalf("decode messageUpdated: %v", err)
	}
	if payload.RoomID != "A_B" || payload.Message.MessageID != flat.MessageID {
		t.Errorf("messageUpdated = %+v", payload)
	}

	if env.notifier.count() != 0 {
		t.Errorf("pushes = %d, want 0 for an online receiver", env.notifier.count())
	}
}

func TestAppend_PushesOfflineReceiver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _ = env.dir.UpsertUser(ctx, "A", store.UserPatch{Email: "a@example.com"})

	if _, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: "are you there"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("pushes = %d, want 1", env.notifier.count())
	}
	got := env.notifier.sent[0]
	if got.user != "B" || got.n.Title != "a@example.com" || got.n.Body != "are you there" {
		t.Errorf("push = %+v", got)
	}
	if got.n.Data["roomId"] != "A_B" || got.n.Data["sender"] != "A" {
		t.Errorf("push data = %v", got.n.Data)
	}
}

func TestAppend_TimestampsNeverGoBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: "1"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	env.clock.Advance(-time.Minute)
	second, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: "2"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Errorf("second timestamp %v before first %v", second.Timestamp, first.Timestamp)
	}
	if first.MessageID == second.MessageID {
		t.Error("message ids collide")
	}
}

func TestMarkDelivered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two"} {
		if _, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: text}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	a := &fakeConn{}
	env.reg.Register("A", a)

	for i := 0; i < 2; i++ {
		room, err := env.messages.MarkDelivered(ctx, "A_B")
		if err != nil {
			t.Fatalf("MarkDelivered() #%d error = %v", i, err)
		}
		for _, m := range room.Messages {
			if m.Status != models.MessageDelivered {
				t.Errorf("#%d status = %s, want delivered", i, m.Status)
			}
		}
	}
	frames := a.named(events.StatusUpdated)
	if len(frames) != 2 {
		t.Fatalf("messageStatusUpdated frames = %d, want 2", len(frames))
	}
	var payload events.StatusUpdatedPayload
	if err := json.Unmarshal(frames[1].Data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.RoomID != "A_B" || len(payload.Messages) != 2 {
		t.Errorf("payload = %+v", payload)
	}

	if _, err := env.messages.MarkDelivered(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDelivered(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: text}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if _, err := env.messages.Append(ctx, AppendInput{Sender: "B", Receiver: "A", Text: "reply"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	counts, err := env.messages.UnreadCounts(ctx, "B")
	if err != nil {
		t.Fatalf("UnreadCounts() error = %v", err)
	}
	if len(counts) != 1 || counts[0].UnreadCount != 3 {
		t.Errorf("B unread = %+v, want 3", counts)
	}

	watcher := &fakeConn{}
	env.reg.JoinRoom("A_B", watcher)

	room, err := env.messages.MarkRead(ctx, "A_B", "B")
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	for _, m := range room.Messages {
		if !m.IsReadBy("B") {
			t.Errorf("message %q not read by B", m.Text)
		}
		if m.Status != models.MessageSent {
			t.Errorf("message %q status = %s, want sent", m.Text, m.Status)
		}
	}
	if n := len(watcher.named(events.UnreadUpdated)); n != 1 {
		t.Errorf("unreadMessagesUpdated frames = %d, want 1", n)
	}

	counts, _ = env.messages.UnreadCounts(ctx, "B")
	if counts[0].UnreadCount != 0 {
		t.Errorf("B unread after read = %d", counts[0].UnreadCount)
	}

	room, _ = env.messages.MarkDelivered(ctx, "A_B")
	for _, m := range room.Messages {
		if m.Status != models.MessageDelivered || !m.IsReadBy("B") {
			t.Errorf("message %q after delivered = %s %v", m.Text, m.Status, m.ReadBy)
		}
	}

	if _, err := env.messages.MarkRead(ctx, "A_B", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("MarkRead(no user) error = %v, want ErrValidation", err)
	}
}

func TestMarkRead_GroupLeavesStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group := newGroup(t, env, "a", "b", "c")

	if _, err := env.messages.Append(ctx, AppendInput{RoomID: group.RoomID, Sender: "a", Text: "hi all", Type: models.RoomGroup}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	room, err := env.messages.MarkRead(ctx, group.RoomID, "b")
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	msg := room.Messages[0]
	if msg.Status != models.MessageSent || !msg.IsReadBy("b") || msg.IsReadBy("c") {
		t.Errorf("after b reads: status=%s readBy=%v", msg.Status, msg.ReadBy)
	}

	room, err = env.messages.MarkDelivered(ctx, group.RoomID)
	if err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	if got := room.Messages[0].Status; got != models.MessageDelivered {
		t.Errorf("status after delivered = %s, want delivered", got)
	}
	if got := room.UnreadFor("c"); got != 1 {
		t.Errorf("UnreadFor(c) = %d, want 1", got)
	}
}

// linkFailDir fails contact links after the room is resolved.
type linkFailDir struct {
	*store.Memory
}

func (d linkFailDir) AddContact(context.Context, string, string) (bool, error) {
	return false, errors.New("contacts unavailable")
}

func TestAppend_LinkFailureStoresNothing(t *testing.T) {
	dir := linkFailDir{store.NewMemory()}
	clk := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	reg := presence.NewRegistry()
	rooms := NewRoomService(dir, clk)
	messages := NewMessageService(dir, rooms, reg, &fakeNotifier{}, clk)
	ctx := context.Background()

	watcher := &fakeConn{}
	reg.JoinRoom("A_B", watcher)

	if _, err := messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: "hi"}); err == nil {
		t.Fatal("Append() error = nil, want link failure")
	}
	room, err := dir.FindRoom(ctx, "A_B")
	if err != nil {
		t.Fatalf("FindRoom() error = %v", err)
	}
	if len(room.Messages) != 0 {
		t.Errorf("messages stored after failed append: %v", room.Messages)
	}
	if n := len(watcher.named(events.ReceiveMessage)); n != 0 {
		t.Errorf("receiveMessage frames = %d, want 0", n)
	}
}

func TestUnreadCounts_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.messages.UnreadCounts(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UnreadCounts() error = %v, want ErrNotFound", err)
	}
}

func TestLatestMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "B", Text: "old"}); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.messages.Append(ctx, AppendInput{Sender: "A", Receiver: "C", Text: "new"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.rooms.ResolveOrCreate(ctx, "A", "D"); err != nil {
		t.Fatal(err)
	}
	_ = env.dir.AddRoomToUser(ctx, "A", "A_D")

	got, err := env.messages.LatestMessages(ctx, "A")
	if err != nil {
		t.Fatalf("LatestMessages() error = %v", err)
	}
	var order []string
	for _, s := range got {
		order = append(order, s.RoomID)
	}
	if strings.Join(order, ",") != "A_C,A_B,A_D" {
		t.Errorf("order = %v, want A_C,A_B,A_D", order)
	}
	if got[0].LatestMessage == nil || got[0].LatestMessage.Text != "new" {
		t.Errorf("latest = %+v", got[0].LatestMessage)
	}
	if got[2].LatestMessage != nil {
		t.Errorf("empty room latest = %+v, want nil", got[2].LatestMessage)
	}

	empty := newTestEnv(t)
	_, _ = empty.dir.UpsertUser(ctx, "solo", store.UserPatch{})
	got, err = empty.messages.LatestMessages(ctx, "solo")
	if err != nil || len(got) != 0 {
		t.Errorf("LatestMessages(no rooms) = %v, %v, want empty", got, err)
	}
}
