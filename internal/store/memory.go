package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/models"
)

// Memory is a process-local Directory. A single mutex serializes every
// write, which gives the same per-document atomicity Postgres provides.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*models.User
	rooms map[string]*models.ChatRoom
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]*models.User),
		rooms: make(map[string]*models.ChatRoom),
		now:   time.Now,
	}
}

func (m *Memory) FindUser(_ context.Context, code string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[code]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if email != "" && strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertUser(_ context.Context, code string, patch UserPatch) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[code]
	if !ok {
		u = &models.User{
			Code:      code,
			Status:    models.StatusOffline,
			Contacts:  []string{},
			Devices:   []models.Device{},
			ChatRooms: []string{},
			CreatedAt: m.now(),
		}
		m.users[code] = u
	}
	if patch.Email != "" {
		u.Email = patch.Email
	}
	if patch.Status != "" {
		u.Status = patch.Status
	}
	return cloneUser(u), nil
}

func (m *Memory) AddDevice(_ context.Context, code string, device models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[code]
	if !ok {
		return ErrNotFound
	}
	for i := range u.Devices {
		if u.Devices[i].Token == device.Token {
			u.Devices[i].LastUsed = device.LastUsed
			if device.Platform != "" {
				u.Devices[i].Platform = device.Platform
			}
			return nil
		}
	}
	u.Devices = append(u.Devices, device)
	return nil
}

func (m *Memory) RemoveDeviceByToken(_ context.Context, code, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[code]
	if !ok {
		return false, nil
	}
	for i := range u.Devices {
		if u.Devices[i].Token == token {
			u.Devices = append(u.Devices[:i], u.Devices[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AddContact(_ context.Context, code, contact string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[code]
	if !ok {
		return false, ErrNotFound
	}
	if u.HasContact(contact) {
		return false, nil
	}
	u.Contacts = append(u.Contacts, contact)
	return true, nil
}

func (m *Memory) AddRoomToUser(_ context.Context, code, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[code]
	if !ok {
		return ErrNotFound
	}
	for _, r := range u.ChatRooms {
		if r == roomID {
			return nil
		}
	}
	u.ChatRooms = append(u.ChatRooms, roomID)
	return nil
}

func (m *Memory) RemoveRoomFromUser(_ context.Context, code, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[code]
	if !ok {
		return nil
	}
	u.ChatRooms = without(u.ChatRooms, roomID)
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[code]; !ok {
		return ErrNotFound
	}
	for _, r := range m.rooms {
		if r.HasMember(code) {
			r.Members = without(r.Members, code)
			r.RoomDetails.GroupAdmins = without(r.RoomDetails.GroupAdmins, code)
		}
	}
	delete(m.users, code)
	return nil
}

func (m *Memory) FindRoom(_ context.Context, roomID string) (*models.ChatRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoom(r, true), nil
}

func (m *Memory) CreateRoomIfAbsent(_ context.Context, room models.ChatRoom) (*models.ChatRoom, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[room.RoomID]; ok {
		return cloneRoom(r, true), false, nil
	}
	stored := m.insertRoom(room)
	return cloneRoom(stored, true), true, nil
}

func (m *Memory) CreateRoom(_ context.Context, room models.ChatRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.RoomID]; ok {
		return ErrConflict
	}
	m.insertRoom(room)
	return nil
}

func (m *Memory) insertRoom(room models.ChatRoom) *models.ChatRoom {
	stored := cloneRoom(&room, false)
	stored.Members = dedupe(stored.Members)
	stored.ReadBy = dedupe(stored.ReadBy)
	stored.Messages = []models.Message{}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	normalizeAdmins(stored)
	m.rooms[room.RoomID] = stored
	return stored
}

func (m *Memory) UpdateRoom(_ context.Context, roomID string, mutate RoomMutation) (*models.ChatRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	work := cloneRoom(r, false)
	if err := mutate(work); err != nil {
		return nil, err
	}
	r.Members = dedupe(work.Members)
	r.RoomDetails = work.RoomDetails
	normalizeAdmins(r)
	return cloneRoom(r, true), nil
}

func (m *Memory) RoomsForUser(_ context.Context, code string) ([]models.ChatRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ChatRoom
	for _, r := range m.rooms {
		if r.HasMember(code) {
			out = append(out, *cloneRoom(r, true))
		}
	}
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, roomID string, msg models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range r.Messages {
		if r.Messages[i].MessageID == msg.MessageID {
			return nil, ErrConflict
		}
	}
	if last := r.LastMessage(); last != nil && msg.Timestamp.Before(last.Timestamp) {
		msg.Timestamp = last.Timestamp
	}
	msg.RoomID = roomID
	msg.ReadBy = dedupe(msg.ReadBy)
	r.Messages = append(r.Messages, msg)
	out := cloneMessage(msg)
	return &out, nil
}

func (m *Memory) SetAllMessagesStatus(_ context.Context, roomID string, status models.MessageStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	var n int64
	for i := range r.Messages {
		next := r.Messages[i].Status.Advance(status)
		if next != r.Messages[i].Status {
			r.Messages[i].Status = next
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkReadForUser(_ context.Context, roomID, code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	var n int64
	for i := range r.Messages {
		msg := &r.Messages[i]
		if !msg.IsReadBy(code) {
			msg.ReadBy = append(msg.ReadBy, code)
			n++
		}
	}
	return n, nil
}

func without(set []string, v string) []string {
	out := make([]string, 0, len(set))
	for _, s := range set {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneUser(u *models.User) *models.User {
	out := *u
	out.Contacts = cloneStrings(u.Contacts)
	out.ChatRooms = cloneStrings(u.ChatRooms)
	out.Devices = make([]models.Device, len(u.Devices))
	copy(out.Devices, u.Devices)
	return &out
}

func cloneMessage(m models.Message) models.Message {
	m.ReadBy = cloneStrings(m.ReadBy)
	return m
}

func cloneRoom(r *models.ChatRoom, withMessages bool) *models.ChatRoom {
	out := *r
	out.Members = cloneStrings(r.Members)
	out.ReadBy = cloneStrings(r.ReadBy)
	out.RoomDetails.GroupAdmins = cloneStrings(r.RoomDetails.GroupAdmins)
	if r.RoomDetails.Extra != nil {
		out.RoomDetails.Extra = make(map[string]any, len(r.RoomDetails.Extra))
		for k, v := range r.RoomDetails.Extra {
			out.RoomDetails.Extra[k] = v
		}
	}
	out.Messages = nil
	if withMessages {
		out.Messages = make([]models.Message, len(r.Messages))
		for i := range r.Messages {
			out.Messages[i] = cloneMessage(r.Messages[i])
		}
	}
	return &out
}
