// Package ws is the websocket gateway. It decodes inbound event envelopes,
// hands them to the services and reports failures back as error events.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/mw"
	"github.com/ekidigital/eki-chat-server/internal/presence"
	"github.com/ekidigital/eki-chat-server/internal/service"
	"github.com/ekidigital/eki-chat-server/internal/signaling"

	"github.com/rs/zerolog/log"
)

const defaultEventTimeout = 10 * time.Second

var errRateLimited = errors.New("too many events")

// TypingTracker records typing markers. The gateway relays typing events
// without one.
type TypingTracker interface {
	Set(ctx context.Context, roomID, userID string, isTyping bool) error
}

type Options struct {
	Registry *presence.Registry
	Presence *service.PresenceService
	Rooms    *service.RoomService
	Messages *service.MessageService
	Relay    *signaling.Relay
	Typing   TypingTracker
	Limiter  *mw.RL
	// EventTimeout bounds the work done for one inbound event.
	EventTimeout time.Duration
}

type handler func(ctx context.Context, c *Client, data json.RawMessage) error

type Gateway struct {
	reg      *presence.Registry
	presence *service.PresenceService
	rooms    *service.RoomService
	messages *service.MessageService
	relay    *signaling.Relay
	typing   TypingTracker
	limiter  *mw.RL
	timeout  time.Duration
	handlers map[string]handler
}

func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		reg:      opts.Registry,
		presence: opts.Presence,
		rooms:    opts.Rooms,
		messages: opts.Messages,
		relay:    opts.Relay,
		typing:   opts.Typing,
		limiter:  opts.Limiter,
		timeout:  opts.EventTimeout,
	}
	if g.timeout <= 0 {
		g.timeout = defaultEventTimeout
	}
	g.handlers = map[string]handler{
		events.Register:     g.onRegister,
		events.JoinRoom:     g.onJoinRoom,
		events.LeaveRoom:    g.onLeaveRoom,
		events.SendMessage:  g.onSendMessage,
		events.UpdateRead:   g.onUpdateRead,
		events.MessageAck:   g.onMessageReceived,
		events.Typing:       g.onTyping,
		events.Offer:        g.onOffer,
		events.Answer:       g.onAnswer,
		events.IceCandidate: g.onIceCandidate,
		events.CancelCall:   g.onCancelCall,
		events.EndCall:      g.onEndCall,
	}
	return g
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, frame []byte) {
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		c.reply(events.Error, events.ErrorPayload{Message: "malformed envelope"})
		return
	}
	h, ok := g.handlers[env.Event]
	if !ok {
		c.reply(events.Error, events.ErrorPayload{Event: env.Event, Message: "unknown event"})
		return
	}
	if g.limiter != nil {
		key := "ws|" + c.User()
		if c.User() == "" {
			key = "ws|" + c.addr
		}
		if !g.limiter.Allow(key) {
			c.reply(events.Error, events.ErrorPayload{Event: env.Event, Message: errRateLimited.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := h(ctx, c, env.Data); err != nil {
		log.Debug().Err(err).Str("event", env.Event).Str("user", c.User()).Msg("event rejected")
		c.reply(events.Error, events.ErrorPayload{Event: env.Event, Message: err.Error()})
	}
}

// disconnect releases everything the connection held.
func (g *Gateway) disconnect(c *Client) {
	g.reg.LeaveAll(c)
	user := c.User()
	if user == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.presence.Unregister(ctx, user, c); err != nil {
		log.Error().Err(err).Str("user", user).Msg("unregister failed")
	}
}

// Shutdown closes every registered connection.
func (g *Gateway) Shutdown() {
	for _, conn := range g.reg.Close() {
		conn.Close()
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrValidation, err)
	}
	return service.Validate(v)
}

// identity returns the user acting on c. A registered connection may only
// act as itself; an unregistered one is trusted with what it claims.
func identity(c *Client, claimed string) (string, error) {
	if user := c.User(); user != "" {
		if claimed != "" && claimed != user {
			return "", fmt.Errorf("%w: connection is registered as %s", service.ErrForbidden, user)
		}
		return user, nil
	}
	if claimed == "" {
		return "", fmt.Errorf("%w: register first", service.ErrValidation)
	}
	return claimed, nil
}

func (g *Gateway) onRegister(ctx context.Context, c *Client, data json.RawMessage) error {
	var in service.RegisterInput
	if err := decode(data, &in); err != nil {
		return err
	}
	if prev := c.User(); prev != "" && prev != in.UserID {
		if err := g.presence.Unregister(ctx, prev, c); err != nil {
			return err
		}
	}
	if _, err := g.presence.Register(ctx, in, c); err != nil {
		return err
	}
	c.setUser(in.UserID)
	c.reply(events.Registered, events.RegisteredPayload{Message: "User registered", Status: models.StatusOnline})
	return nil
}

type roomIn struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
}

// onJoinRoom subscribes c to a room channel. A registered user may not
// watch an existing room it is not a member of; rooms that do not exist yet
// can be watched ahead of their first message.
func (g *Gateway) onJoinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	var in roomIn
	if err := decode(data, &in); err != nil {
		return err
	}
	if user := c.User(); user != "" {
		room, err := g.rooms.ResolveByID(ctx, in.RoomID)
		switch {
		case err == nil && !room.HasMember(user):
			return fmt.Errorf("%w: %s is not a member of %s", service.ErrForbidden, user, in.RoomID)
		case err != nil && !errors.Is(err, service.ErrNotFound):
			return err
		}
	}
	g.reg.JoinRoom(in.RoomID, c)
	c.reply(events.JoinRoom, events.RoomPayload{RoomID: in.RoomID})
	return nil
}

func (g *Gateway) onLeaveRoom(_ context.Context, c *Client, data json.RawMessage) error {
	var in roomIn
	if err := decode(data, &in); err != nil {
		return err
	}
	g.reg.LeaveRoom(in.RoomID, c)
	c.reply(events.LeaveRoom, events.RoomPayload{RoomID: in.RoomID})
	return nil
}

func (g *Gateway) onSendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var in service.AppendInput
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", service.ErrValidation, err)
	}
	sender, err := identity(c, in.Sender)
	if err != nil {
		return err
	}
	in.Sender = sender
	_, err = g.messages.Append(ctx, in)
	return err
}

type readIn struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"max=128"`
}

func (g *Gateway) onUpdateRead(ctx context.Context, c *Client, data json.RawMessage) error {
	var in readIn
	if err := decode(data, &in); err != nil {
		return err
	}
	user, err := identity(c, in.UserID)
	if err != nil {
		return err
	}
	_, err = g.messages.MarkRead(ctx, in.RoomID, user)
	return err
}

type deliveredIn struct {
	NewMessage struct {
		RoomID string `json:"roomId" validate:"required,max=128"`
	} `json:"newMessage"`
	UserID string `json:"userId" validate:"max=128"`
}

func (g *Gateway) onMessageReceived(ctx context.Context, _ *Client, data json.RawMessage) error {
	var in deliveredIn
	if err := decode(data, &in); err != nil {
		return err
	}
	_, err := g.messages.MarkDelivered(ctx, in.NewMessage.RoomID)
	return err
}

type typingIn struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	UserID   string `json:"userId" validate:"max=128"`
	IsTyping bool   `json:"isTyping"`
}

func (g *Gateway) onTyping(ctx context.Context, c *Client, data json.RawMessage) error {
	var in typingIn
	if err := decode(data, &in); err != nil {
		return err
	}
	user, err := identity(c, in.UserID)
	if err != nil {
		return err
	}
	if g.typing != nil {
		if err := g.typing.Set(ctx, in.RoomID, user, in.IsTyping); err != nil {
			log.Warn().Err(err).Str("room", in.RoomID).Msg("typing marker not stored")
		}
	}
	g.reg.Broadcast(in.RoomID, events.Typing, events.TypingPayload{RoomID: in.RoomID, UserID: user, IsTyping: in.IsTyping})
	return nil
}

type offerIn struct {
	Target      string          `json:"target" validate:"required,max=128"`
	Room        string          `json:"room" validate:"max=128"`
	LocalUserID string          `json:"localUserId" validate:"max=128"`
	Offer       json.RawMessage `json:"offer"`
}

func (g *Gateway) onOffer(ctx context.Context, c *Client, data json.RawMessage) error {
	var in offerIn
	if err := decode(data, &in); err != nil {
		return err
	}
	caller, err := identity(c, in.LocalUserID)
	if err != nil {
		return err
	}
	return g.relay.Offer(ctx, caller, in.Target, in.Room, in.Offer)
}

type answerIn struct {
	Target      string          `json:"target" validate:"required,max=128"`
	LocalUserID string          `json:"localUserId" validate:"max=128"`
	Answer      json.RawMessage `json:"answer"`
}

func (g *Gateway) onAnswer(_ context.Context, c *Client, data json.RawMessage) error {
	var in answerIn
	if err := decode(data, &in); err != nil {
		return err
	}
	sender, err := identity(c, in.LocalUserID)
	if err != nil {
		return err
	}
	return g.relay.Answer(sender, in.Target, in.Answer)
}

type candidateIn struct {
	Target      string          `json:"target" validate:"required,max=128"`
	LocalUserID string          `json:"localUserId" validate:"max=128"`
	Candidate   json.RawMessage `json:"candidate"`
}

func (g *Gateway) onIceCandidate(_ context.Context, c *Client, data json.RawMessage) error {
	var in candidateIn
	if err := decode(data, &in); err != nil {
		return err
	}
	sender, err := identity(c, in.LocalUserID)
	if err != nil {
		return err
	}
	return g.relay.IceCandidate(sender, in.Target, in.Candidate)
}

type hangUpIn struct {
	Target    string `json:"target" validate:"required,max=128"`
	LocalUser string `json:"localUser" validate:"max=128"`
}

func (g *Gateway) onCancelCall(_ context.Context, c *Client, data json.RawMessage) error {
	var in hangUpIn
	if err := decode(data, &in); err != nil {
		return err
	}
	sender, err := identity(c, in.LocalUser)
	if err != nil {
		return err
	}
	return g.relay.Cancel(sender, in.Target)
}

func (g *Gateway) onEndCall(_ context.Context, c *Client, data json.RawMessage) error {
	var in hangUpIn
	if err := decode(data, &in); err != nil {
		return err
	}
	sender, err := identity(c, in.LocalUser)
	if err != nil {
		return err
	}
	return g.relay.End(sender, in.Target)
}
