package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ekidigital/eki-chat-server/internal/clock"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/store"

	"github.com/rs/zerolog/log"
)

const (
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	roomIDLength   = 10
)

// RoomService resolves, creates and administers chat rooms.
type RoomService struct {
	dir   store.Directory
	clock clock.Clock
	newID func() (string, error)
}

func NewRoomService(dir store.Directory, clk clock.Clock) *RoomService {
	return &RoomService{dir: dir, clock: clk, newID: randomRoomID}
}

// CanonicalRoomID is the id of the two-party room between a and b: both
// codes in sorted order joined by "_".
func CanonicalRoomID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}

func randomRoomID() (string, error) {
	base := big.NewInt(int64(len(roomIDAlphabet)))
	var sb strings.Builder
	sb.Grow(roomIDLength)
	for i := 0; i < roomIDLength; i++ {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		sb.WriteByte(roomIDAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func checkPair(a, b string) error {
	if a == "" || b == "" {
		return validationf("both participants are required")
	}
	if a == b {
		return validationf("a room needs two different participants")
	}
	return nil
}

// ResolveOrCreate returns the two-party room between a and b, creating it
// if neither has messaged the other yet. Concurrent callers all get the
// same room.
func (s *RoomService) ResolveOrCreate(ctx context.Context, a, b string) (*models.ChatRoom, error) {
	if err := checkPair(a, b); err != nil {
		return nil, err
	}
	room, created, err := s.dir.CreateRoomIfAbsent(ctx, models.ChatRoom{
		RoomID:    CanonicalRoomID(a, b),
		Type:      models.RoomSingle,
		Members:   []string{a, b},
		ReadBy:    []string{a},
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve room: %w", err)
	}
	if created {
		log.Info().Str("room", room.RoomID).Msg("created single room")
	}
	return room, nil
}

func (s *RoomService) ResolveByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	if roomID == "" {
		return nil, validationf("roomId is required")
	}
	return s.dir.FindRoom(ctx, roomID)
}

// GetRoom returns roomID for userID. When the room does not exist yet and
// otherUserID is given, the canonical two-party room is created instead.
func (s *RoomService) GetRoom(ctx context.Context, userID, roomID, otherUserID string) (*models.ChatRoom, error) {
	if _, err := s.dir.FindUser(ctx, userID); err != nil {
		return nil, err
	}
	room, err := s.dir.FindRoom(ctx, roomID)
	switch {
	case err == nil:
		if !room.HasMember(userID) {
			return nil, fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, userID, roomID)
		}
		return room, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	case otherUserID == "":
		return nil, err
	}
	if want := CanonicalRoomID(userID, otherUserID); roomID != want {
		return nil, validationf("room %s does not match participants (want %s)", roomID, want)
	}
	return s.ResolveOrCreate(ctx, userID, otherUserID)
}

type CreateGroupInput struct {
	Members     []string           `json:"members" validate:"max=512,dive,required,max=128"`
	RoomDetails models.RoomDetails `json:"roomDetails"`
}

// CreateGroup creates a group owned by creator. The creator is always a
// member and an admin; requested admins that are not members are dropped.
func (s *RoomService) CreateGroup(ctx context.Context, creator string, in CreateGroupInput) (*models.ChatRoom, error) {
	if creator == "" {
		return nil, validationf("userId is required")
	}
	if err := Validate(in); err != nil {
		return nil, err
	}
	if _, err := s.dir.FindUser(ctx, creator); err != nil {
		return nil, err
	}

	members := append([]string{creator}, in.Members...)
	members = uniqueNonEmpty(members)
	admins := []string{creator}
	for _, a := range in.RoomDetails.GroupAdmins {
		if contains(members, a) {
			admins = append(admins, a)
		}
	}
	room := models.ChatRoom{
		Type:        models.RoomGroup,
		Members:     members,
		ReadBy:      []string{},
		RoomDetails: models.RoomDetails{GroupAdmins: uniqueNonEmpty(admins), Extra: in.RoomDetails.Extra},
		CreatedAt:   s.clock.Now(),
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		room.RoomID, err = s.newID()
		if err != nil {
			return nil, err
		}
		err = s.dir.CreateRoom(ctx, room)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		log.Warn().Str("room", room.RoomID).Msg("group id collision")
	}
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrRoomAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	for _, m := range members {
		if err := s.dir.AddRoomToUser(ctx, m, room.RoomID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("link member %s: %w", m, err)
		}
	}
	return s.dir.FindRoom(ctx, room.RoomID)
}

// requireAdmin checks that actor may administer room.
func requireAdmin(room *models.ChatRoom, actor string) error {
	if room.Type != models.RoomGroup || !room.RoomDetails.IsAdmin(actor) {
		return fmt.Errorf("%w: %s is not an admin of %s", ErrForbidden, actor, room.RoomID)
	}
	return nil
}

// dropMember removes user from room, refusing to strand the remaining
// members without an admin.
func dropMember(room *models.ChatRoom, user string) error {
	remaining := remove(room.Members, user)
	admins := remove(room.RoomDetails.GroupAdmins, user)
	if room.RoomDetails.IsAdmin(user) && len(admins) == 0 && len(remaining) > 0 {
		return ErrLastAdmin
	}
	room.Members = remaining
	room.RoomDetails.GroupAdmins = admins
	return nil
}

// AddUser lets an admin add user to a group. Unknown users are created.
func (s *RoomService) AddUser(ctx context.Context, roomID, admin, user string) (*models.ChatRoom, error) {
	if user == "" {
		return nil, validationf("userId is required")
	}
	room, err := s.dir.UpdateRoom(ctx, roomID, func(r *models.ChatRoom) error {
		if err := requireAdmin(r, admin); err != nil {
			return err
		}
		if !r.HasMember(user) {
			r.Members = append(r.Members, user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.dir.UpsertUser(ctx, user, store.UserPatch{}); err != nil {
		return nil, err
	}
	if err := s.dir.AddRoomToUser(ctx, user, roomID); err != nil {
		return nil, err
	}
	return room, nil
}

// RemoveUser lets an admin remove user from a group.
func (s *RoomService) RemoveUser(ctx context.Context, roomID, admin, user string) (*models.ChatRoom, error) {
	if user == "" {
		return nil, validationf("userId is required")
	}
	room, err := s.dir.UpdateRoom(ctx, roomID, func(r *models.ChatRoom) error {
		if err := requireAdmin(r, admin); err != nil {
			return err
		}
		if !r.HasMember(user) {
			return fmt.Errorf("%w: %s is not a member of %s", ErrNotFound, user, roomID)
		}
		return dropMember(r, user)
	})
	if err != nil {
		return nil, err
	}
	if err := s.dir.RemoveRoomFromUser(ctx, user, roomID); err != nil {
		return nil, err
	}
	return room, nil
}

// ExitRoom removes user from a group it belongs to.
func (s *RoomService) ExitRoom(ctx context.Context, roomID, user string) (*models.ChatRoom, error) {
	room, err := s.dir.UpdateRoom(ctx, roomID, func(r *models.ChatRoom) error {
		if r.Type != models.RoomGroup {
			return validationf("cannot exit a two-party room")
		}
		if !r.HasMember(user) {
			return fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, user, roomID)
		}
		return dropMember(r, user)
	})
	if err != nil {
		return nil, err
	}
	if err := s.dir.RemoveRoomFromUser(ctx, user, roomID); err != nil {
		return nil, err
	}
	return room, nil
}

// EditRoom replaces the free-form details of a room. Group admins are kept
// as they are.
func (s *RoomService) EditRoom(ctx context.Context, roomID, actor string, details models.RoomDetails) (*models.ChatRoom, error) {
	return s.dir.UpdateRoom(ctx, roomID, func(r *models.ChatRoom) error {
		switch {
		case r.Type == models.RoomGroup:
			if err := requireAdmin(r, actor); err != nil {
				return err
			}
		case !r.HasMember(actor):
			return fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, actor, roomID)
		}
		r.RoomDetails.Extra = details.Extra
		return nil
	})
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func remove(set []string, v string) []string {
	out := make([]string, 0, len(set))
	for _, s := range set {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func uniqueNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
