// Package signaling relays WebRTC call setup between peers. Apart from the
// ringing timers that cancel unanswered calls it keeps no state.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/clock"
	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/metrics"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/presence"
	"github.com/ekidigital/eki-chat-server/internal/push"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultRingTimeout = 45 * time.Second

var ErrValidation = errors.New("validation failed")

// Outcomes recorded in call_attempts_total.
const (
	OutcomeForwarded  = "forwarded"
	OutcomeRinging    = "ringing"
	OutcomeAnswered   = "answered"
	OutcomeDeclined   = "declined"
	OutcomeCancelled  = "cancelled"
	OutcomeTimedOut   = "timed_out"
	OutcomeSuperseded = "superseded"
)

// Presence is the part of the registry the relay needs.
type Presence interface {
	Lookup(userID string) (presence.Conn, bool)
	Emit(userID, event string, payload any) bool
}

type UserFinder interface {
	FindUser(ctx context.Context, code string) (*models.User, error)
}

type Pusher interface {
	DispatchAsync(userID string, n push.Notification)
}

type ringing struct {
	caller string
	target string
	room   string
	timer  clock.Timer
}

type Relay struct {
	reg     Presence
	users   UserFinder
	push    Pusher
	clock   clock.Clock
	timeout time.Duration

	mu    sync.Mutex
	rings map[string]*ringing // keyed by target
}

func NewRelay(reg Presence, users UserFinder, pusher Pusher, clk clock.Clock, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultRingTimeout
	}
	return &Relay{
		reg:     reg,
		users:   users,
		push:    pusher,
		clock:   clk,
		timeout: timeout,
		rings:   make(map[string]*ringing),
	}
}

func checkPeers(sender, target string) error {
	if sender == "" || target == "" {
		return fmt.Errorf("%w: sender and target are required", ErrValidation)
	}
	if sender == target {
		return fmt.Errorf("%w: cannot call yourself", ErrValidation)
	}
	return nil
}

// parseDescription checks that raw is a session description with parsable
// SDP. An empty raw is allowed when optional is set.
func parseDescription(raw json.RawMessage, optional bool) error {
	if len(raw) == 0 || string(raw) == "null" {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: session description is required", ErrValidation)
	}
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return fmt.Errorf("%w: session description: %v", ErrValidation, err)
	}
	if _, err := sd.Unmarshal(); err != nil {
		return fmt.Errorf("%w: sdp: %v", ErrValidation, err)
	}
	return nil
}

// Offer rings target. A connected target gets the offer directly; otherwise
// it is woken by a push and the call is cancelled if nobody answers in time.
func (r *Relay) Offer(ctx context.Context, caller, target, room string, offer json.RawMessage) error {
	if err := checkPeers(caller, target); err != nil {
		return err
	}
	if err := parseDescription(offer, true); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.stopLocked(target, "")
	r.mu.Unlock()
	r.supersede(prev, caller)

	if _, online := r.reg.Lookup(target); online {
		r.reg.Emit(target, events.IncomingCall, events.IncomingCallPayload{
			Sender: caller,
			Room:   room,
			Target: target,
			Offer:  offer,
		})
		metrics.CallAttemptsTotal.WithLabelValues(OutcomeForwarded).Inc()
		return nil
	}

	r.pushIncoming(ctx, caller, target, room)

	ring := &ringing{caller: caller, target: target, room: room}
	r.mu.Lock()
	prev = r.stopLocked(target, "")
	ring.timer = r.clock.AfterFunc(r.timeout, func() { r.expire(ring) })
	r.rings[target] = ring
	r.mu.Unlock()
	r.supersede(prev, caller)
	metrics.CallAttemptsTotal.WithLabelValues(OutcomeRinging).Inc()
	log.Info().Str("caller", caller).Str("target", target).Str("room", room).Msg("ringing offline target")
	return nil
}

func (r *Relay) pushIncoming(ctx context.Context, caller, target, room string) {
	if r.push == nil {
		return
	}
	name := caller
	if r.users != nil {
		if u, err := r.users.FindUser(ctx, caller); err == nil && u.Email != "" {
			name = u.Email
		}
	}
	r.push.DispatchAsync(target, push.Notification{
		Title:      "Incoming Call",
		Body:       name + " is calling you!",
		Sticky:     true,
		Priority:   "high",
		CategoryID: "incoming_call",
		Data: map[string]any{
			"caller":     caller,
			"room":       room,
			"categoryId": "incoming_call",
			"actions": []map[string]string{
				{"title": "Accept", "action": "accept_call"},
				{"title": "Decline", "action": "decline_call"},
			},
		},
	})
}

// expire fires when a ring was not answered in time.
func (r *Relay) expire(ring *ringing) {
	r.mu.Lock()
	if r.rings[ring.target] != ring {
		r.mu.Unlock()
		return
	}
	delete(r.rings, ring.target)
	r.mu.Unlock()

	metrics.CallAttemptsTotal.WithLabelValues(OutcomeTimedOut).Inc()
	log.Info().Str("caller", ring.caller).Str("target", ring.target).Msg("call timed out")
	payload := events.CallEndPayload{Sender: ring.caller, Reason: "timeout"}
	r.reg.Emit(ring.caller, events.CancelCall, payload)
	r.reg.Emit(ring.target, events.CancelCall, payload)
}

// stopLocked clears the ring addressed to target and reports what it was.
// A non-empty caller only clears a ring placed by that caller.
func (r *Relay) stopLocked(target, caller string) *ringing {
	ring, ok := r.rings[target]
	if !ok || (caller != "" && ring.caller != caller) {
		return nil
	}
	ring.timer.Stop()
	delete(r.rings, target)
	return ring
}

// supersede tells the caller of an evicted ring that its call is over.
func (r *Relay) supersede(prev *ringing, caller string) {
	if prev == nil || prev.caller == caller {
		return
	}
	metrics.CallAttemptsTotal.WithLabelValues(OutcomeSuperseded).Inc()
	log.Info().Str("caller", prev.caller).Str("target", prev.target).Str("by", caller).Msg("ring superseded")
	r.reg.Emit(prev.caller, events.CancelCall, events.CallEndPayload{Sender: prev.target, Reason: "superseded"})
}

// Answer forwards the callee's answer to the caller.
func (r *Relay) Answer(sender, target string, answer json.RawMessage) error {
	if err := checkPeers(sender, target); err != nil {
		return err
	}
	if err := parseDescription(answer, false); err != nil {
		return err
	}
	r.mu.Lock()
	ring := r.stopLocked(sender, target)
	r.mu.Unlock()
	if ring != nil {
		metrics.CallAttemptsTotal.WithLabelValues(OutcomeAnswered).Inc()
	}
	r.reg.Emit(target, events.AnswerResponse, events.AnswerPayload{Sender: sender, Answer: answer})
	return nil
}

// IceCandidate forwards a trickled candidate to the other peer.
func (r *Relay) IceCandidate(sender, target string, candidate json.RawMessage) error {
	if err := checkPeers(sender, target); err != nil {
		return err
	}
	if len(candidate) > 0 && string(candidate) != "null" {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(candidate, &init); err != nil {
			return fmt.Errorf("%w: ice candidate: %v", ErrValidation, err)
		}
	}
	r.reg.Emit(target, events.IceFromServer, events.CandidatePayload{Sender: sender, Candidate: candidate})
	return nil
}

// Cancel stops a call before it is answered. Either side may cancel; the
// callee cancelling counts as a decline. Rings between other users are left
// alone.
func (r *Relay) Cancel(sender, target string) error {
	return r.hangUp(events.CancelCall, sender, target)
}

// End finishes a call in progress.
func (r *Relay) End(sender, target string) error {
	return r.hangUp(events.EndCall, sender, target)
}

func (r *Relay) hangUp(event, sender, target string) error {
	if err := checkPeers(sender, target); err != nil {
		return err
	}
	r.mu.Lock()
	outgoing := r.stopLocked(target, sender)
	incoming := r.stopLocked(sender, target)
	r.mu.Unlock()

	switch {
	case incoming != nil:
		metrics.CallAttemptsTotal.WithLabelValues(OutcomeDeclined).Inc()
	case outgoing != nil:
		metrics.CallAttemptsTotal.WithLabelValues(OutcomeCancelled).Inc()
	}

	payload := events.CallEndPayload{Sender: sender}
	r.reg.Emit(target, event, payload)
	r.reg.Emit(sender, event, payload)
	return nil
}

// Ringing reports whether a call to target is waiting to be answered.
func (r *Relay) Ringing(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rings[target]
	return ok
}

// Close stops every pending ring.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for target := range r.rings {
		r.stopLocked(target, "")
	}
}
