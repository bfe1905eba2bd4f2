package service

import (
	"context"
	"fmt"

	"github.com/ekidigital/eki-chat-server/internal/clock"
	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/presence"
	"github.com/ekidigital/eki-chat-server/internal/store"

	"github.com/rs/zerolog/log"
)

// PresenceService flips users online and offline as their connections come
// and go and tells their contacts.
type PresenceService struct {
	dir   store.Directory
	reg   *presence.Registry
	clock clock.Clock
}

func NewPresenceService(dir store.Directory, reg *presence.Registry, clk clock.Clock) *PresenceService {
	return &PresenceService{dir: dir, reg: reg, clock: clk}
}

type RegisterInput struct {
	UserID    string `json:"userId" validate:"required,max=128"`
	Email     string `json:"userEmail" validate:"omitempty,email"`
	PushToken string `json:"pushToken" validate:"max=256"`
	Platform  string `json:"platform" validate:"max=32"`
}

// Register marks the user online, records its push device and binds conn.
// A previous connection of the same user is closed.
func (s *PresenceService) Register(ctx context.Context, in RegisterInput, conn presence.Conn) (*models.User, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	user, err := s.dir.UpsertUser(ctx, in.UserID, store.UserPatch{Email: in.Email, Status: models.StatusOnline})
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if in.PushToken != "" {
		dev := models.Device{Token: in.PushToken, Platform: in.Platform, LastUsed: s.clock.Now()}
		if err := s.dir.AddDevice(ctx, in.UserID, dev); err != nil {
			return nil, fmt.Errorf("add device: %w", err)
		}
	}
	if prev := s.reg.Register(in.UserID, conn); prev != nil && prev != conn {
		s.reg.LeaveAll(prev)
		prev.Close()
		log.Info().Str("user", in.UserID).Msg("replaced previous session")
	}
	s.broadcast(user, models.StatusOnline)
	return user, nil
}

// Unregister marks the user offline unless conn was already replaced by a
// newer session.
func (s *PresenceService) Unregister(ctx context.Context, userID string, conn presence.Conn) error {
	if userID == "" || !s.reg.Unregister(userID, conn) {
		return nil
	}
	user, err := s.dir.UpsertUser(ctx, userID, store.UserPatch{Status: models.StatusOffline})
	if err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	s.broadcast(user, models.StatusOffline)
	return nil
}

// broadcast tells every connected contact about user's new status.
func (s *PresenceService) broadcast(user *models.User, status models.UserStatus) {
	payload := events.StatusPayload{ID: user.Code, Status: status}
	for _, contact := range user.Contacts {
		s.reg.Emit(contact, events.UpdateStatus, payload)
	}
}
