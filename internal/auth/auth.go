// Package auth issues access tokens for the media server that carries calls.
// Tokens follow the LiveKit claim layout: issuer is the API key, subject is
// the participant identity and a "video" grant names the room.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/clock"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/webrtc/v4"
)

const DefaultTTL = 20 * time.Minute

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrValidation   = errors.New("validation failed")
)

type VideoGrant struct {
	RoomJoin     bool   `json:"roomJoin"`
	Room         string `json:"room"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type Claims struct {
	Video *VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// CallToken is what a client needs to join a call.
type CallToken struct {
	Token      string             `json:"token"`
	Room       string             `json:"room"`
	Server     string             `json:"server"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type Issuer struct {
	apiKey     string
	secret     string
	server     string
	ttl        time.Duration
	iceServers []webrtc.ICEServer
	clock      clock.Clock
}

func NewIssuer(apiKey, secret, server string, ttl time.Duration, stunURLs []string, clk clock.Clock) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var ice []webrtc.ICEServer
	if len(stunURLs) > 0 {
		ice = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &Issuer{apiKey: apiKey, secret: secret, server: server, ttl: ttl, iceServers: ice, clock: clk}
}

// Issue signs a token letting identity join room.
func (i *Issuer) Issue(room, identity string) (*CallToken, error) {
	if room == "" || identity == "" {
		return nil, fmt.Errorf("%w: room and identity are required", ErrValidation)
	}
	now := i.clock.Now()
	claims := Claims{
		Video: &VideoGrant{RoomJoin: true, Room: room, CanPublish: true, CanSubscribe: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.secret))
	if err != nil {
		return nil, fmt.Errorf("sign call token: %w", err)
	}
	return &CallToken{Token: signed, Room: room, Server: i.server, ICEServers: i.iceServers}, nil
}

// Parse verifies a token issued by Issue.
func (i *Issuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(i.secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.apiKey),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Video == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
