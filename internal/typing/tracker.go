// Package typing keeps short-lived "user is typing" markers in Redis so any
// instance can answer who is typing in a room.
package typing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/clock"

	"github.com/go-redis/redis/v8"
)

const DefaultTTL = 5 * time.Second

// Connect opens a client for addr and checks it answers.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Tracker stores one sorted set per room. Members are user codes scored by
// the unix millisecond at which their marker expires.
type Tracker struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock clock.Clock
}

func NewTracker(rdb *redis.Client, ttl time.Duration, clk clock.Clock) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{rdb: rdb, ttl: ttl, clock: clk}
}

func roomKey(roomID string) string { return "typing:" + roomID }

// Set marks userID as typing in roomID, or clears the marker.
func (t *Tracker) Set(ctx context.Context, roomID, userID string, isTyping bool) error {
	key := roomKey(roomID)
	if !isTyping {
		return t.rdb.ZRem(ctx, key, userID).Err()
	}
	expires := t.clock.Now().Add(t.ttl).UnixMilli()
	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(expires), Member: userID})
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set typing %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// List returns the users whose markers in roomID have not expired.
func (t *Tracker) List(ctx context.Context, roomID string) ([]string, error) {
	key := roomKey(roomID)
	now := strconv.FormatInt(t.clock.Now().UnixMilli(), 10)
	if err := t.rdb.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("prune typing %s: %w", roomID, err)
	}
	users, err := t.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list typing %s: %w", roomID, err)
	}
	return users, nil
}
