package service

import (
	"context"
	"fmt"

	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/store"
)

// UserService covers account lookups and contact management.
type UserService struct {
	dir store.Directory
}

func NewUserService(dir store.Directory) *UserService {
	return &UserService{dir: dir}
}

func (s *UserService) Get(ctx context.Context, code string) (*models.User, error) {
	if code == "" {
		return nil, validationf("userId is required")
	}
	return s.dir.FindUser(ctx, code)
}

func (s *UserService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := Validate(struct {
		Email string `validate:"required,email"`
	}{email}); err != nil {
		return nil, err
	}
	return s.dir.FindUserByEmail(ctx, email)
}

// AddContact adds contact to code's contacts. Both users must exist.
func (s *UserService) AddContact(ctx context.Context, code, contact string) (*models.User, error) {
	if contact == "" {
		return nil, validationf("contactId is required")
	}
	if code == contact {
		return nil, validationf("cannot add yourself as a contact")
	}
	if _, err := s.dir.FindUser(ctx, code); err != nil {
		return nil, err
	}
	if _, err := s.dir.FindUser(ctx, contact); err != nil {
		return nil, fmt.Errorf("contact %s: %w", contact, err)
	}
	added, err := s.dir.AddContact(ctx, code, contact)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, fmt.Errorf("%w: contact already exists", ErrConflict)
	}
	return s.dir.FindUser(ctx, code)
}

// Delete removes the user and its room memberships. Messages it sent stay.
func (s *UserService) Delete(ctx context.Context, code string) error {
	if code == "" {
		return validationf("userId is required")
	}
	return s.dir.DeleteUser(ctx, code)
}

// Rooms returns the ids of the rooms code belongs to.
func (s *UserService) Rooms(ctx context.Context, code string) ([]string, error) {
	u, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	return u.ChatRooms, nil
}
