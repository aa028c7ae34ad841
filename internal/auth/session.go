package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/arena/internal/models"
)

var (
	ErrInvalidSession   = errors.New("invalid_session")
	ErrSessionExpired   = errors.New("session_expired")
	ErrRoomMismatch     = errors.New("session_room_mismatch")
	ErrIdentityMismatch = errors.New("identity_mismatch")
)

// SessionTTL is the absolute lifetime of a WebSocket session token.
const SessionTTL = 24 * time.Hour

// Identity is the validated class of a WebSocket connection.
type Identity string

const (
	IdentityHuman Identity = "human"
	IdentityAgent Identity = "agent"
)

// Session is an issued WebSocket session.
type Session struct {
	Token     string    `json:"token"`
	Identity  Identity  `json:"identity"`
	RoomID    string    `json:"roomId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueWsSession creates a session token bound to one identity and one room.
func (s *State) IssueWsSession(identity Identity, roomID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for tok, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, tok)
		}
	}

	sess := Session{
		Token:     uuid.NewString(),
		Identity:  identity,
		RoomID:    roomID,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	s.sessions[sess.Token] = sess
	return sess
}

// ValidateWsSession checks a token presented for roomID.
func (s *State) ValidateWsSession(token, roomID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrInvalidSession
	}
	if !s.now().Before(sess.ExpiresAt) {
		delete(s.sessions, token)
		return Session{}, ErrSessionExpired
	}
	if sess.RoomID != roomID {
		return Session{}, ErrRoomMismatch
	}
	return sess, nil
}

// ResolveSender turns a client-declared sender name into a participant. Only
// agent-identity connections may speak as a roster agent, and nobody may
// speak as the system.
func ResolveSender(identity Identity, from string, roster *models.Roster, guest string) (models.Participant, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		from = guest
	}
	if from == models.SystemName {
		return models.Participant{}, ErrIdentityMismatch
	}
	if roster.IsAgent(from) {
		if identity != IdentityAgent {
			return models.Participant{}, ErrIdentityMismatch
		}
		return models.Agent(from), nil
	}
	return models.Human(from), nil
}
