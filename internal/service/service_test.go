package service

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/clock"
	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/presence"
	"github.com/ekidigital/eki-chat-server/internal/push"
	"github.com/ekidigital/eki-chat-server/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []events.Envelope
	closed bool
}

func (c *fakeConn) Send(frame []byte) bool {
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// named returns the frames received for event.
func (c *fakeConn) named(event string) []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Envelope
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type sentPush struct {
	user string
	n    push.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentPush
}

func (f *fakeNotifier) DispatchAsync(userID string, n push.Notification) {
	f.mu.Lock()
	f.sent = append(f.sent, sentPush{user: userID, n: n})
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testEnv struct {
	dir      *store.Memory
	clock    *clock.FakeClock
	reg      *presence.Registry
	notifier *fakeNotifier
	rooms    *RoomService
	messages *MessageService
	presence *PresenceService
	users    *UserService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		dir:      store.NewMemory(),
		clock:    clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		reg:      presence.NewRegistry(),
		notifier: &fakeNotifier{},
	}
	env.rooms = NewRoomService(env.dir, env.clock)
	env.messages = NewMessageService(env.dir, env.rooms, env.reg, env.notifier, env.clock)
	env.presence = NewPresenceService(env.dir, env.reg, env.clock)
	env.users = NewUserService(env.dir)
	return env
}
