package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/store"
	"github.com/eldtechnologies/arena/internal/store/storetest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header         string
		id, token, jti string
		ok             bool
	}{
		{"Bearer a:b", "a", "b", "", true},
		{"Bearer a:b:c", "a", "b", "c", true},
		{"Bearer a", "", "", "", false},
		{"Bearer a:b:c:d", "", "", "", false},
		{"Basic a:b", "", "", "", false},
		{"", "", "", "", false},
	}
	for _, tt := range tests {
		id, token, jti, ok := ParseBearer(tt.header)
		if ok != tt.ok || id != tt.id || token != tt.token || jti != tt.jti {
			t.Errorf("ParseBearer(%q) = %q %q %q %v", tt.header, id, token, jti, ok)
		}
	}
}

func TestAuthenticatePair(t *testing.T) {
	ctx := context.Background()
	s := NewState(storetest.New(t), Options{})
	creds := s.Credentials()

	if err := s.Authenticate(ctx, creds.Bearer(false)); err != nil {
		t.Fatalf("valid pair rejected: %v", err)
	}
	if err := s.Authenticate(ctx, "Bearer "+creds.InvocationID+":wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := s.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	rotated := s.Rotate()
	if rotated.CallbackToken == creds.CallbackToken || rotated.InvocationID != creds.InvocationID {
		t.Fatal("rotate should replace the token and keep the invocation id")
	}
	if err := s.Authenticate(ctx, creds.Bearer(false)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old token should be rejected after rotate, got %v", err)
	}
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := NewState(storetest.New(t), Options{Now: c.now})
	header := s.Credentials().Bearer(false)

	c.advance(29 * time.Minute)
	if err := s.Authenticate(ctx, header); err != nil {
		t.Fatalf("within window: %v", err)
	}
	// Each success slides the window forward.
	c.advance(29 * time.Minute)
	if err := s.Authenticate(ctx, header); err != nil {
		t.Fatalf("window should have slid: %v", err)
	}
	c.advance(31 * time.Minute)
	if err := s.Authenticate(ctx, header); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJTIRotatesAndRejectsReplay(t *testing.T) {
	ctx := context.Background()
	s := NewState(storetest.New(t), Options{})
	first := s.Credentials()

	if err := s.Authenticate(ctx, first.Bearer(true)); err != nil {
		t.Fatal(err)
	}
	second := s.Credentials()
	if second.JTI == first.JTI {
		t.Fatal("jti should rotate after use")
	}
	if err := s.Authenticate(ctx, first.Bearer(true)); !errors.Is(err, ErrJTIReused) {
		t.Fatalf("expected ErrJTIReused, got %v", err)
	}
	if err := s.Authenticate(ctx, first.Bearer(false)+":made-up"); !errors.Is(err, ErrInvalidJTI) {
		t.Fatalf("expected ErrInvalidJTI, got %v", err)
	}
	if err := s.Authenticate(ctx, second.Bearer(true)); err != nil {
		t.Fatalf("fresh jti rejected: %v", err)
	}
}

func TestJTIReplayAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	kv := storetest.New(t)
	opts := Options{InvocationID: "inv-1", CallbackToken: "tok-1"}
	a := NewState(kv, opts)
	b := NewState(kv, opts)

	creds := a.Credentials()
	if err := a.Authenticate(ctx, creds.Bearer(true)); err != nil {
		t.Fatal(err)
	}
	if err := b.Authenticate(ctx, creds.Bearer(true)); !errors.Is(err, ErrJTIReused) {
		t.Fatalf("replay on another process should fail with ErrJTIReused, got %v", err)
	}
	if err := b.Authenticate(ctx, creds.Bearer(false)); err != nil {
		t.Fatalf("shared pair without jti should pass on any process: %v", err)
	}
}

func TestAuthenticateSurfacesSubstrateOutage(t *testing.T) {
	ctx := context.Background()
	kv := storetest.New(t)
	s := NewState(kv, Options{})
	kv.SetAvailable(false)

	if err := s.Authenticate(ctx, s.Credentials().Bearer(true)); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestWsSessions(t *testing.T) {
	c := newClock()
	s := NewState(storetest.New(t), Options{Now: c.now})

	sess := s.IssueWsSession(IdentityHuman, "r1")
	got, err := s.ValidateWsSession(sess.Token, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity != IdentityHuman {
		t.Fatalf("unexpected identity %q", got.Identity)
	}
	if _, err := s.ValidateWsSession(sess.Token, "r2"); !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("expected ErrRoomMismatch, got %v", err)
	}
	if _, err := s.ValidateWsSession("nope", "r1"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}

	c.advance(SessionTTL)
	if _, err := s.ValidateWsSession(sess.Token, "r1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestResolveSender(t *testing.T) {
	roster := models.NewRoster("清风", "明月")

	p, err := ResolveSender(IdentityAgent, "清风", roster, "guest")
	if err != nil || p.Kind != models.KindAgent {
		t.Fatalf("agent connection speaking as agent: %+v %v", p, err)
	}
	if _, err := ResolveSender(IdentityHuman, "清风", roster, "guest"); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("human impersonating agent should fail, got %v", err)
	}
	if _, err := ResolveSender(IdentityHuman, "system", roster, "guest"); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("human impersonating system should fail, got %v", err)
	}
	p, err = ResolveSender(IdentityHuman, "  ", roster, "guest")
	if err != nil || p.Name != "guest" || p.Kind != models.KindHuman {
		t.Fatalf("blank sender should become the guest: %+v %v", p, err)
	}
}
