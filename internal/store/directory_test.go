package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/models"
)

// testDirectory runs the behaviour every Directory implementation must share.
func testDirectory(t *testing.T, newDir func(t *testing.T) Directory) {
	ctx := context.Background()

	t.Run("upsert user", func(t *testing.T) {
		d := newDir(t)
		u, err := d.UpsertUser(ctx, "alice", UserPatch{})
		if err != nil {
			t.Fatalf("UpsertUser() error = %v", err)
		}
		if u.Status != models.StatusOffline {
			t.Errorf("new user status = %v, want offline", u.Status)
		}
		u, err = d.UpsertUser(ctx, "alice", UserPatch{Email: "a@example.com", Status: models.StatusOnline})
		if err != nil {
			t.Fatalf("UpsertUser() error = %v", err)
		}
		if u.Email != "a@example.com" || u.Status != models.StatusOnline {
			t.Errorf("user = %+v, want email and online", u)
		}
		u, _ = d.UpsertUser(ctx, "alice", UserPatch{})
		if u.Email != "a@example.com" {
			t.Errorf("empty patch cleared email: %q", u.Email)
		}
		got, err := d.FindUserByEmail(ctx, "A@example.com")
		if err != nil || got.Code != "alice" {
			t.Errorf("FindUserByEmail() = %v, %v", got, err)
		}
		if _, err := d.FindUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindUser(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("device upsert by token", func(t *testing.T) {
		d := newDir(t)
		if err := d.AddDevice(ctx, "ghost", models.Device{Token: "t"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AddDevice(missing user) error = %v, want ErrNotFound", err)
		}
		_, _ = d.UpsertUser(ctx, "bob", UserPatch{})
		first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		later := first.Add(time.Hour)
		if err := d.AddDevice(ctx, "bob", models.Device{Token: "ExponentPushToken[1]", Platform: "ios", LastUsed: first}); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
		if err := d.AddDevice(ctx, "bob", models.Device{Token: "ExponentPushToken[1]", Platform: "android", LastUsed: later}); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
		if err := d.AddDevice(ctx, "bob", models.Device{Token: "ExponentPushToken[2]", LastUsed: later}); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
		u, _ := d.FindUser(ctx, "bob")
		if len(u.Devices) != 2 {
			t.Fatalf("devices = %d, want 2", len(u.Devices))
		}
		if u.Devices[0].Platform != "android" || !u.Devices[0].LastUsed.Equal(later) {
			t.Errorf("device not refreshed: %+v", u.Devices[0])
		}

		removed, err := d.RemoveDeviceByToken(ctx, "bob", "ExponentPushToken[1]")
		if err != nil || !removed {
			t.Errorf("RemoveDeviceByToken() = %v, %v", removed, err)
		}
		removed, _ = d.RemoveDeviceByToken(ctx, "bob", "ExponentPushToken[1]")
		if removed {
			t.Error("second RemoveDeviceByToken() should report false")
		}
		u, _ = d.FindUser(ctx, "bob")
		if len(u.Devices) != 1 || u.Devices[0].Token != "ExponentPushToken[2]" {
			t.Errorf("devices after prune = %+v", u.Devices)
		}
	})

	t.Run("contacts and rooms are sets", func(t *testing.T) {
		d := newDir(t)
		_, _ = d.UpsertUser(ctx, "a", UserPatch{})
		added, err := d.AddContact(ctx, "a", "b")
		if err != nil || !added {
			t.Fatalf("AddContact() = %v, %v", added, err)
		}
		added, _ = d.AddContact(ctx, "a", "b")
		if added {
			t.Error("duplicate AddContact() should report false")
		}
		_ = d.AddRoomToUser(ctx, "a", "a_b")
		_ = d.AddRoomToUser(ctx, "a", "a_b")
		u, _ := d.FindUser(ctx, "a")
		if len(u.Contacts) != 1 || len(u.ChatRooms) != 1 {
			t.Errorf("user = %+v, want one contact and one room", u)
		}
		_ = d.RemoveRoomFromUser(ctx, "a", "a_b")
		u, _ = d.FindUser(ctx, "a")
		if len(u.ChatRooms) != 0 {
			t.Errorf("chatRooms = %v, want empty", u.ChatRooms)
		}
	})

	t.Run("create room if absent is idempotent", func(t *testing.T) {
		d := newDir(t)
		room := models.ChatRoom{RoomID: "a_b", Type: models.RoomSingle, Members: []string{"a", "b"}, ReadBy: []string{"a"}}

		var wg sync.WaitGroup
		var mu sync.Mutex
		creations := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, created, err := d.CreateRoomIfAbsent(ctx, room)
				if err != nil {
					t.Errorf("CreateRoomIfAbsent() error = %v", err)
					return
				}
				if created {
					mu.Lock()
					creations++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if creations != 1 {
			t.Errorf("rooms created = %d, want 1", creations)
		}
		got, err := d.FindRoom(ctx, "a_b")
		if err != nil {
			t.Fatalf("FindRoom() error = %v", err)
		}
		if len(got.Members) != 2 || len(got.Messages) != 0 {
			t.Errorf("room = %+v", got)
		}
		if err := d.CreateRoom(ctx, room); !errors.Is(err, ErrConflict) {
			t.Errorf("CreateRoom(duplicate) error = %v, want ErrConflict", err)
		}
	})

	t.Run("admins stay members", func(t *testing.T) {
		d := newDir(t)
		room := models.ChatRoom{
			RoomID:      "grp0000001",
			Type:        models.RoomGroup,
			Members:     []string{"x", "y"},
			RoomDetails: models.RoomDetails{GroupAdmins: []string{"x", "stranger"}, Extra: map[string]any{"name": "trip"}},
		}
		if err := d.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom() error = %v", err)
		}
		got, _ := d.FindRoom(ctx, "grp0000001")
		if len(got.RoomDetails.GroupAdmins) != 1 || got.RoomDetails.GroupAdmins[0] != "x" {
			t.Errorf("admins = %v, want [x]", got.RoomDetails.GroupAdmins)
		}
		if got.RoomDetails.Extra["name"] != "trip" {
			t.Errorf("details = %v", got.RoomDetails.Extra)
		}

		got, err := d.UpdateRoom(ctx, "grp0000001", func(r *models.ChatRoom) error {
			r.Members = append(r.Members, "z")
			r.RoomDetails.GroupAdmins = append(r.RoomDetails.GroupAdmins, "z")
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateRoom() error = %v", err)
		}
		if !got.HasMember("z") || !got.RoomDetails.IsAdmin("z") {
			t.Errorf("room after add = %+v", got)
		}
		got, _ = d.UpdateRoom(ctx, "grp0000001", func(r *models.ChatRoom) error {
			r.Members = []string{"x", "y"}
			return nil
		})
		if got.RoomDetails.IsAdmin("z") {
			t.Error("removed member kept admin rights")
		}

		boom := errors.New("boom")
		if _, err := d.UpdateRoom(ctx, "grp0000001", func(r *models.ChatRoom) error {
			r.Members = nil
			return boom
		}); !errors.Is(err, boom) {
			t.Errorf("UpdateRoom() error = %v, want boom", err)
		}
		got, _ = d.FindRoom(ctx, "grp0000001")
		if len(got.Members) != 2 {
			t.Errorf("aborted mutation changed members: %v", got.Members)
		}
		if _, err := d.UpdateRoom(ctx, "missing", func(*models.ChatRoom) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateRoom(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("append keeps timestamps ordered", func(t *testing.T) {
		d := newDir(t)
		_, _, _ = d.CreateRoomIfAbsent(ctx, models.ChatRoom{RoomID: "a_b", Type: models.RoomSingle, Members: []string{"a", "b"}})
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		stamps := []time.Time{base, base.Add(-time.Minute), base.Add(time.Minute)}
		for i, ts := range stamps {
			_, err := d.AppendMessage(ctx, "a_b", models.Message{
				MessageID: fmt.Sprintf("m%d", i),
				Sender:    "a",
				Receiver:  "b",
				Text:      "hi",
				Status:    models.MessageSent,
				Timestamp: ts,
				ReadBy:    []string{"a"},
			})
			if err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
		}
		room, _ := d.FindRoom(ctx, "a_b")
		if len(room.Messages) != 3 {
			t.Fatalf("messages = %d, want 3", len(room.Messages))
		}
		for i := 1; i < len(room.Messages); i++ {
			if room.Messages[i].Timestamp.Before(room.Messages[i-1].Timestamp) {
				t.Errorf("message %d goes back in time", i)
			}
			if room.Messages[i].MessageID != fmt.Sprintf("m%d", i) {
				t.Errorf("message %d id = %s", i, room.Messages[i].MessageID)
			}
		}
		if _, err := d.AppendMessage(ctx, "a_b", models.Message{MessageID: "m0", Sender: "a", Status: models.MessageSent, Timestamp: base}); !errors.Is(err, ErrConflict) {
			t.Errorf("duplicate message id error = %v, want ErrConflict", err)
		}
		if _, err := d.AppendMessage(ctx, "nope", models.Message{MessageID: "x", Timestamp: base}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AppendMessage(missing room) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("status only moves forward", func(t *testing.T) {
		d := newDir(t)
		_, _, _ = d.CreateRoomIfAbsent(ctx, models.ChatRoom{RoomID: "a_b", Type: models.RoomSingle, Members: []string{"a", "b"}})
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i, sender := range []string{"a", "b", "a"} {
			_, _ = d.AppendMessage(ctx, "a_b", models.Message{
				MessageID: fmt.Sprintf("s%d", i), Sender: sender, Text: "x",
				Status: models.MessageSent, Timestamp: now, ReadBy: []string{sender},
			})
		}

		// b reads: readBy grows, status is untouched.
		n, err := d.MarkReadForUser(ctx, "a_b", "b")
		if err != nil {
			t.Fatalf("MarkReadForUser() error = %v", err)
		}
		if n != 2 {
			t.Errorf("MarkReadForUser() = %d, want 2", n)
		}
		if _, err := d.SetAllMessagesStatus(ctx, "a_b", models.MessageDelivered); err != nil {
			t.Fatalf("SetAllMessagesStatus() error = %v", err)
		}
		n, _ = d.SetAllMessagesStatus(ctx, "a_b", models.MessageDelivered)
		if n != 0 {
			t.Errorf("second SetAllMessagesStatus() changed %d messages", n)
		}

		room, _ := d.FindRoom(ctx, "a_b")
		for i, m := range room.Messages {
			if m.Status != models.MessageDelivered {
				t.Errorf("message %d status = %v, want delivered", i, m.Status)
			}
			if !m.IsReadBy("b") || !m.IsReadBy(m.Sender) {
				t.Errorf("message %d readBy = %v", i, m.ReadBy)
			}
		}
		if got := room.UnreadFor("a"); got != 1 {
			t.Errorf("UnreadFor(a) = %d, want 1", got)
		}
	})

	t.Run("delete user drops memberships", func(t *testing.T) {
		d := newDir(t)
		_, _ = d.UpsertUser(ctx, "gone", UserPatch{})
		_ = d.CreateRoom(ctx, models.ChatRoom{
			RoomID: "grp0000002", Type: models.RoomGroup, Members: []string{"gone", "stay"},
			RoomDetails: models.RoomDetails{GroupAdmins: []string{"gone"}},
		})
		if err := d.DeleteUser(ctx, "gone"); err != nil {
			t.Fatalf("DeleteUser() error = %v", err)
		}
		if _, err := d.FindUser(ctx, "gone"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindUser() after delete error = %v", err)
		}
		room, _ := d.FindRoom(ctx, "grp0000002")
		if room.HasMember("gone") || room.RoomDetails.IsAdmin("gone") {
			t.Errorf("room still references deleted user: %+v", room)
		}
		rooms, _ := d.RoomsForUser(ctx, "stay")
		if len(rooms) != 1 {
			t.Errorf("RoomsForUser(stay) = %d rooms, want 1", len(rooms))
		}
		if err := d.DeleteUser(ctx, "gone"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteUser() error = %v, want ErrNotFound", err)
		}
	})
}

func TestNormalizeAdmins(t *testing.T) {
	room := models.ChatRoom{
		Members:     []string{"a", "b"},
		RoomDetails: models.RoomDetails{GroupAdmins: []string{"a", "c", "a", "b"}},
	}
	normalizeAdmins(&room)
	got := room.RoomDetails.GroupAdmins
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("normalizeAdmins() = %v, want [a b]", got)
	}
}
