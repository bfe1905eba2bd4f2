package server

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/ekidigital/eki-chat-server/internal/auth"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/service"
	"github.com/ekidigital/eki-chat-server/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// TypingLister reports who is typing in a room.
type TypingLister interface {
	List(ctx context.Context, roomID string) ([]string, error)
}

// Handler groups the HTTP handlers over the service layer.
type Handler struct {
	users    *service.UserService
	rooms    *service.RoomService
	messages *service.MessageService
	typing   TypingLister
	calls    *auth.Issuer
}

func NewHandler(users *service.UserService, rooms *service.RoomService, messages *service.MessageService, typing TypingLister, calls *auth.Issuer) *Handler {
	return &Handler{users: users, rooms: rooms, messages: messages, typing: typing, calls: calls}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrValidation), errors.Is(err, signaling.ErrValidation),
		errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// bind decodes the JSON body into v and validates it.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	if err := service.Validate(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) Unread(c *gin.Context) {
	counts, err := h.messages.UnreadCounts(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, "unread", err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) FindUser(c *gin.Context) {
	user, err := h.users.FindByEmail(c.Request.Context(), c.Query("email"))
	if err != nil {
		respondError(c, "find user", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, "get user", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) AddContact(c *gin.Context) {
	var req struct {
		ContactID string `json:"contactId" validate:"required,max=128"`
	}
	if !bind(c, &req) {
		return
	}
	user, err := h.users.AddContact(c.Request.Context(), c.Param("userId"), req.ContactID)
	if err != nil {
		respondError(c, "add contact", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) DeleteUser(c *gin.Context) {
	if err := h.users.Delete(c.Request.Context(), c.Param("userId")); err != nil {
		respondError(c, "delete user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

func (h *Handler) UserRooms(c *gin.Context) {
	rooms, err := h.users.Rooms(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, "user rooms", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		UserID      string             `json:"userId" validate:"required,max=128"`
		Members     []string           `json:"members"`
		RoomDetails models.RoomDetails `json:"roomDetails"`
	}
	if !bind(c, &req) {
		return
	}
	room, err := h.rooms.CreateGroup(c.Request.Context(), req.UserID, service.CreateGroupInput{
		Members:     req.Members,
		RoomDetails: req.RoomDetails,
	})
	if err != nil {
		respondError(c, "create room", err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) EditRoom(c *gin.Context) {
	var req struct {
		UserID      string             `json:"userId" validate:"required,max=128"`
		RoomDetails models.RoomDetails `json:"roomDetails"`
	}
	if !bind(c, &req) {
		return
	}
	room, err := h.rooms.EditRoom(c.Request.Context(), c.Param("roomId"), req.UserID, req.RoomDetails)
	if err != nil {
		respondError(c, "edit room", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) ExitRoom(c *gin.Context) {
	room, err := h.rooms.ExitRoom(c.Request.Context(), c.Param("roomId"), c.Param("userId"))
	if err != nil {
		respondError(c, "exit room", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type memberRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

func (h *Handler) AddUser(c *gin.Context) {
	var req memberRequest
	if !bind(c, &req) {
		return
	}
	room, err := h.rooms.AddUser(c.Request.Context(), c.Param("roomId"), c.Param("adminId"), req.UserID)
	if err != nil {
		respondError(c, "add user", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) RemoveUser(c *gin.Context) {
	var req memberRequest
	if !bind(c, &req) {
		return
	}
	room, err := h.rooms.RemoveUser(c.Request.Context(), c.Param("roomId"), c.Param("adminId"), req.UserID)
	if err != nil {
		respondError(c, "remove user", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// GetRoom returns the room with its messages newest first.
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("userId"), c.Param("roomId"), c.Query("otherUserId"))
	if err != nil {
		respondError(c, "get room", err)
		return
	}
	sort.SliceStable(room.Messages, func(i, j int) bool {
		return room.Messages[i].Timestamp.After(room.Messages[j].Timestamp)
	})
	c.JSON(http.StatusOK, room)
}

func (h *Handler) ChatRoomID(c *gin.Context) {
	a, b := c.Query("userId"), c.Query("otherUserId")
	if a == "" || b == "" || a == b {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and a different otherUserId are required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": service.CanonicalRoomID(a, b)})
}

func (h *Handler) LastMessages(c *gin.Context) {
	rooms, err := h.messages.LatestMessages(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, "last message", err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *Handler) MarkAsRead(c *gin.Context) {
	var req struct {
		RoomID string `json:"roomId" validate:"required,max=128"`
		UserID string `json:"userId" validate:"required,max=128"`
	}
	if !bind(c, &req) {
		return
	}
	if _, err := h.messages.MarkRead(c.Request.Context(), req.RoomID, req.UserID); err != nil {
		respondError(c, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "messages marked as read"})
}

func (h *Handler) Typing(c *gin.Context) {
	users := []string{}
	if h.typing != nil {
		var err error
		users, err = h.typing.List(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			respondError(c, "typing", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": c.Param("roomId"), "users": users})
}

func (h *Handler) CallToken(c *gin.Context) {
	var req struct {
		Room string `json:"room" validate:"required,max=128"`
		User string `json:"user" validate:"required,max=128"`
	}
	if !bind(c, &req) {
		return
	}
	tok, err := h.calls.Issue(req.Room, req.User)
	if err != nil {
		respondError(c, "call token", err)
		return
	}
	c.JSON(http.StatusOK, tok)
}
