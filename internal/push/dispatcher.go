// Package push delivers notifications to a user's Expo devices. It batches,
// retries with exponential backoff and prunes tokens the provider reports
// as no longer registered.
package push

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/metrics"
	"github.com/ekidigital/eki-chat-server/internal/models"
	"github.com/ekidigital/eki-chat-server/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	BatchSize   = 100
	MaxAttempts = 5
)

var (
	ErrNoValidDevices = errors.New("no valid push devices")
	ErrUnreachable    = errors.New("push provider unreachable")
)

// DeviceStore is the subset of the directory the dispatcher needs.
type DeviceStore interface {
	FindUser(ctx context.Context, code string) (*models.User, error)
	RemoveDeviceByToken(ctx context.Context, code, token string) (bool, error)
}

type Sender interface {
	Send(ctx context.Context, msgs []Message) ([]Ticket, error)
}

type Notification struct {
	Title      string
	Body       string
	Data       map[string]any
	Sticky     bool
	Priority   string
	CategoryID string
}

type Result struct {
	BatchesSent    int `json:"batchesSent"`
	BatchesDropped int `json:"batchesDropped"`
	TokensPruned   int `json:"tokensPruned"`
}

type Dispatcher struct {
	devices  DeviceStore
	sender   Sender
	newTimer func() backoff.Timer
	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(d *Dispatcher) { d.newTimer = newTimer }
}

func NewDispatcher(devices DeviceStore, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{devices: devices, sender: sender}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsExpoToken reports whether token has an Expo push token prefix.
func IsExpoToken(token string) bool {
	return strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")
}

// schedule waits 2s, 4s, 8s and 16s between the five attempts.
func schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, MaxAttempts-1)
}

// Dispatch sends n to every valid device of userID and waits for all
// batches. Retries run to completion even if ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, n Notification) (Result, error) {
	var res Result
	user, err := d.devices.FindUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return res, ErrNoValidDevices
	}
	if err != nil {
		return res, err
	}

	msgs := d.messages(user.Devices, n)
	if len(msgs) == 0 {
		return res, ErrNoValidDevices
	}

	sendCtx := context.WithoutCancel(ctx)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		pruned int64
	)
	for start := 0; start < len(msgs); start += BatchSize {
		end := min(start+BatchSize, len(msgs))
		batch := msgs[start:end]
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, err := d.sendBatch(sendCtx, userID, batch)
			atomic.AddInt64(&pruned, int64(count))
			mu.Lock()
			if err != nil {
				res.BatchesDropped++
			} else {
				res.BatchesSent++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	res.TokensPruned = int(pruned)
	if res.BatchesSent == 0 {
		return res, ErrUnreachable
	}
	return res, nil
}

// DispatchAsync runs Dispatch in the background. Wait drains it.
func (d *Dispatcher) DispatchAsync(userID string, n Notification) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		res, err := d.Dispatch(context.Background(), userID, n)
		switch {
		case errors.Is(err, ErrNoValidDevices):
			log.Debug().Str("user", userID).Msg("push skipped: no valid devices")
		case err != nil:
			log.Warn().Err(err).Str("user", userID).Int("dropped", res.BatchesDropped).Msg("push dispatch failed")
		default:
			log.Debug().Str("user", userID).Int("batches", res.BatchesSent).Int("pruned", res.TokensPruned).Msg("push dispatched")
		}
	}()
}

// Wait blocks until every DispatchAsync call has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) messages(devices []models.Device, n Notification) []Message {
	seen := make(map[string]struct{}, len(devices))
	out := make([]Message, 0, len(devices))
	for _, dev := range devices {
		if !IsExpoToken(dev.Token) {
			continue
		}
		if _, dup := seen[dev.Token]; dup {
			continue
		}
		seen[dev.Token] = struct{}{}
		out = append(out, Message{
			To:         dev.Token,
			Sound:      "default",
			Title:      n.Title,
			Body:       n.Body,
			Data:       n.Data,
			Sticky:     n.Sticky,
			Priority:   n.Priority,
			CategoryID: n.CategoryID,
		})
	}
	return out
}

func (d *Dispatcher) sendBatch(ctx context.Context, userID string, batch []Message) (int, error) {
	var tickets []Ticket
	attempt := 0
	op := func() error {
		attempt++
		metrics.PushAttemptsTotal.Inc()
		t, err := d.sender.Send(ctx, batch)
		if err != nil {
			return err
		}
		tickets = t
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("user", userID).Int("attempt", attempt).Dur("retry_in", wait).Msg("push batch failed")
	}

	var timer backoff.Timer
	if d.newTimer != nil {
		timer = d.newTimer()
	}
	if err := backoff.RetryNotifyWithTimer(op, schedule(), notify, timer); err != nil {
		metrics.PushBatchesTotal.WithLabelValues("dropped").Inc()
		log.Error().Err(err).Str("user", userID).Int("size", len(batch)).Msg("push batch dropped after max attempts")
		return 0, err
	}
	metrics.PushBatchesTotal.WithLabelValues("sent").Inc()
	return d.prune(ctx, userID, batch, tickets), nil
}

// prune removes every token whose ticket says DeviceNotRegistered. Each
// removal runs on its own; one failure does not stop the others.
func (d *Dispatcher) prune(ctx context.Context, userID string, batch []Message, tickets []Ticket) int {
	var (
		wg      sync.WaitGroup
		removed int64
	)
	for i, t := range tickets {
		if i >= len(batch) || !t.deviceGone() {
			continue
		}
		token := batch[i].To
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.devices.RemoveDeviceByToken(ctx, userID, token)
			if err != nil {
				log.Error().Err(err).Str("user", userID).Str("token", token).Msg("prune push token")
				return
			}
			if ok {
				atomic.AddInt64(&removed, 1)
				metrics.PushTokensPruned.Inc()
				log.Info().Str("user", userID).Str("token", token).Msg("pruned unregistered push token")
			}
		}()
	}
	wg.Wait()
	return int(removed)
}
