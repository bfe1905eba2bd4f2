package service

import (
	"errors"
	"fmt"

	"github.com/ekidigital/eki-chat-server/internal/push"
	"github.com/ekidigital/eki-chat-server/internal/store"
)

// Business errors. Handlers map them to HTTP status codes with errors.Is;
// the websocket gateway turns them into error events.
var (
	ErrNotFound   = store.ErrNotFound
	ErrConflict   = store.ErrConflict
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")

	ErrLastAdmin         = fmt.Errorf("%w: group would be left without an admin", ErrConflict)
	ErrRoomAlreadyExists = fmt.Errorf("%w: room already exists", ErrConflict)

	ErrUnreachable = push.ErrUnreachable
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
