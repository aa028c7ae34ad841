package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/arena/internal/store"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token_expired")
	ErrInvalidJTI   = errors.New("invalid_jti")
	ErrJTIReused    = errors.New("jti_reused")
)

const (
	// TokenTTL is the sliding window of the callback credential.
	TokenTTL = 30 * time.Minute
	// JTITTL bounds how long a consumed nonce is remembered.
	JTITTL = TokenTTL
)

// Credentials is the current callback credential handed to agent processes.
type Credentials struct {
	InvocationID  string `json:"invocationId"`
	CallbackToken string `json:"callbackToken"`
	JTI           string `json:"jti"`
}

// Bearer renders the Authorization header value, with the nonce when withJTI is set.
func (c Credentials) Bearer(withJTI bool) string {
	v := "Bearer " + c.InvocationID + ":" + c.CallbackToken
	if withJTI && c.JTI != "" {
		v += ":" + c.JTI
	}
	return v
}

// Options configures a State.
type Options struct {
	// InvocationID and CallbackToken pin the credential pair, so several server
	// processes can accept the same caller. Empty values are generated.
	InvocationID  string
	CallbackToken string
	TokenTTL      time.Duration
	SessionTTL    time.Duration
	Now           func() time.Time
}

// State owns the process's callback credential, its rotating nonce and the
// WebSocket sessions issued by this process. Consumed nonces are recorded in
// the substrate so replays are refused by every process sharing it.
type State struct {
	kv         store.KV
	tokenTTL   time.Duration
	sessionTTL time.Duration
	now        func() time.Time

	mu            sync.Mutex
	invocationID  string
	callbackToken string
	jti           string
	lastUsed      time.Time
	sessions      map[string]Session
}

// NewState creates the auth state. Construct it once per process.
func NewState(kv store.KV, opts Options) *State {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &State{
		kv:            kv,
		tokenTTL:      opts.TokenTTL,
		sessionTTL:    opts.SessionTTL,
		now:           now,
		invocationID:  opts.InvocationID,
		callbackToken: opts.CallbackToken,
		jti:           uuid.NewString(),
		sessions:      make(map[string]Session),
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = TokenTTL
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = SessionTTL
	}
	if s.invocationID == "" {
		s.invocationID = uuid.NewString()
	}
	if s.callbackToken == "" {
		s.callbackToken = uuid.NewString()
	}
	s.lastUsed = now()
	return s
}

// Credentials returns the current credential and nonce.
func (s *State) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentialsLocked()
}

func (s *State) credentialsLocked() Credentials {
	return Credentials{InvocationID: s.invocationID, CallbackToken: s.callbackToken, JTI: s.jti}
}

// Rotate issues a new callback token and nonce and restarts the window.
func (s *State) Rotate() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbackToken = uuid.NewString()
	s.jti = uuid.NewString()
	s.lastUsed = s.now()
	return s.credentialsLocked()
}

// ParseBearer splits "Bearer <invocationId>:<callbackToken>[:<jti>]".
func ParseBearer(header string) (id, token, jti string, ok bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", "", "", false
	}
	parts := strings.Split(strings.TrimSpace(header[len(prefix):]), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", false
	}
	id, token = parts[0], parts[1]
	if len(parts) == 3 {
		jti = parts[2]
	}
	return id, token, jti, true
}

// Authenticate checks an Authorization header value. A request without a
// nonce skips replay protection but must still carry the current pair.
func (s *State) Authenticate(ctx context.Context, header string) error {
	id, token, jti, ok := ParseBearer(header)
	if !ok {
		return ErrUnauthorized
	}

	s.mu.Lock()
	if id != s.invocationID || token != s.callbackToken {
		s.mu.Unlock()
		return ErrUnauthorized
	}
	if s.now().Sub(s.lastUsed) > s.tokenTTL {
		s.mu.Unlock()
		return ErrTokenExpired
	}
	s.mu.Unlock()

	if jti != "" {
		if err := s.consume(ctx, jti); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.lastUsed = s.now()
	s.mu.Unlock()
	return nil
}

// consume enforces single use of a nonce: already consumed anywhere, not the
// current nonce, or lost the conditional set to a concurrent request.
func (s *State) consume(ctx context.Context, jti string) error {
	key := store.JTIKey(jti)
	used, err := s.kv.Exists(ctx, key)
	if err != nil {
		return err
	}
	if used {
		return ErrJTIReused
	}

	s.mu.Lock()
	current := s.jti
	s.mu.Unlock()
	if jti != current {
		return ErrInvalidJTI
	}

	first, err := s.kv.SetNX(ctx, key, "1", JTITTL)
	if err != nil {
		return err
	}
	if !first {
		return ErrJTIReused
	}

	s.mu.Lock()
	if s.jti == jti {
		s.jti = uuid.NewString()
	}
	s.mu.Unlock()
	return nil
}
