// Package store is the Directory Store: the single source of truth for
// users, rooms and messages. Every method is atomic with respect to the
// document it mutates, so callers never need their own locking.
package store

import (
	"context"
	"errors"

	"github.com/ekidigital/eki-chat-server/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// UserPatch is applied by UpsertUser. Zero fields leave the stored value
// alone; a newly created user defaults to offline.
type UserPatch struct {
	Email  string
	Status models.UserStatus
}

// RoomMutation edits a room in place inside UpdateRoom. It receives the room
// without messages; returning an error aborts the update.
type RoomMutation func(room *models.ChatRoom) error

type Directory interface {
	FindUser(ctx context.Context, code string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpsertUser(ctx context.Context, code string, patch UserPatch) (*models.User, error)
	// AddDevice inserts the device, or refreshes platform and lastUsed when
	// the user already has the token.
	AddDevice(ctx context.Context, code string, device models.Device) error
	RemoveDeviceByToken(ctx context.Context, code, token string) (bool, error)
	AddContact(ctx context.Context, code, contact string) (bool, error)
	AddRoomToUser(ctx context.Context, code, roomID string) error
	RemoveRoomFromUser(ctx context.Context, code, roomID string) error
	// DeleteUser removes the user and its room memberships. Messages stay.
	DeleteUser(ctx context.Context, code string) error

	FindRoom(ctx context.Context, roomID string) (*models.ChatRoom, error)
	// CreateRoomIfAbsent inserts room unless one with the same id exists,
	// and returns whichever room is stored. created is false when the room
	// was already there.
	CreateRoomIfAbsent(ctx context.Context, room models.ChatRoom) (stored *models.ChatRoom, created bool, err error)
	// CreateRoom fails with ErrConflict if the id is taken.
	CreateRoom(ctx context.Context, room models.ChatRoom) error
	// UpdateRoom runs mutate under the room's write lock and persists
	// membership, admins and details. Admins that are not members are
	// dropped.
	UpdateRoom(ctx context.Context, roomID string, mutate RoomMutation) (*models.ChatRoom, error)
	RoomsForUser(ctx context.Context, code string) ([]models.ChatRoom, error)

	// AppendMessage stores msg at the end of the room. The stored timestamp
	// is never earlier than the previous message's.
	AppendMessage(ctx context.Context, roomID string, msg models.Message) (*models.Message, error)
	// SetAllMessagesStatus advances every message in the room to status;
	// later statuses are kept.
	SetAllMessagesStatus(ctx context.Context, roomID string, status models.MessageStatus) (int64, error)
	// MarkReadForUser adds code to readBy on every message lacking it.
	// Message status is left alone; read state is per reader.
	MarkReadForUser(ctx context.Context, roomID, code string) (int64, error)
}

func normalizeAdmins(room *models.ChatRoom) {
	admins := room.RoomDetails.GroupAdmins[:0:0]
	seen := make(map[string]struct{}, len(room.RoomDetails.GroupAdmins))
	for _, a := range room.RoomDetails.GroupAdmins {
		if _, dup := seen[a]; dup || !room.HasMember(a) {
			continue
		}
		seen[a] = struct{}{}
		admins = append(admins, a)
	}
	room.RoomDetails.GroupAdmins = admins
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
