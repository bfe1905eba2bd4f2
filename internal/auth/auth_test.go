package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/clock"
)

func newTestIssuer(secret string) (*Issuer, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewIssuer("devkey", secret, "wss://media.example.com", 0, []string{"stun:stun.l.google.com:19302"}, clk), clk
}

func TestIssue(t *testing.T) {
	tests := []struct {
		name     string
		room     string
		identity string
		wantErr  bool
	}{
		{"valid", "room-1", "alice", false},
		{"no room", "", "alice", true},
		{"no identity", "room-1", "", true},
	}

	iss, _ := newTestIssuer("test-secret")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := iss.Issue(tt.room, tt.identity)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Issue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrValidation) {
				t.Errorf("Issue() error = %v, want ErrValidation", err)
			}
			if tt.wantErr {
				return
			}
			if tok.Token == "" || tok.Room != tt.room || tok.Server != "wss://media.example.com" {
				t.Errorf("Issue() = %+v", tok)
			}
			if len(tok.ICEServers) != 1 || tok.ICEServers[0].URLs[0] != "stun:stun.l.google.com:19302" {
				t.Errorf("ice servers = %+v", tok.ICEServers)
			}
		})
	}
}

func TestParse(t *testing.T) {
	iss, _ := newTestIssuer("test-secret")
	tok, err := iss.Issue("room-1", "alice")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	other, _ := newTestIssuer("wrong-secret")

	tests := []struct {
		name    string
		issuer  *Issuer
		token   string
		wantErr bool
	}{
		{"valid token", iss, tok.Token, false},
		{"wrong secret", other, tok.Token, true},
		{"garbage", iss, "invalid.token.here", true},
		{"empty", iss, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := tt.issuer.Parse(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
				}
				return
			}
			if claims.Subject != "alice" || claims.Issuer != "devkey" {
				t.Errorf("claims = %+v", claims.RegisteredClaims)
			}
			g := claims.Video
			if !g.RoomJoin || g.Room != "room-1" || !g.CanPublish || !g.CanSubscribe {
				t.Errorf("grant = %+v", g)
			}
		})
	}
}

func TestParse_Expired(t *testing.T) {
	iss, clk := newTestIssuer("test-secret")
	tok, err := iss.Issue("room-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(DefaultTTL - time.Minute)
	if _, err := iss.Parse(tok.Token); err != nil {
		t.Errorf("Parse() before expiry error = %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := iss.Parse(tok.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse() after expiry error = %v, want ErrInvalidToken", err)
	}
}
