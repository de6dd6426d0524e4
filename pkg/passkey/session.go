package passkey

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a ceremony session is missing,
// already used or expired
var ErrSessionNotFound = errors.New("passkey ceremony session not found")

// ceremony names the purpose a session was begun for, so a registration
// session cannot complete a login
type ceremony string

const (
	ceremonyRegistration ceremony = "registration"
	ceremonyLogin        ceremony = "login"
)

type session struct {
	accountID uuid.UUID
	purpose   ceremony
	name      string
	data      webauthn.SessionData
	expiresAt time.Time
}

// SessionStore holds in-flight ceremony sessions. Sessions are single use:
// Take returns a session at most once.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a session store with the given session lifetime
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl == 0 {
		ttl = DefaultCeremonyTimeout
	}
	return &SessionStore{
		sessions: make(map[string]session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Put stores a ceremony session and returns its opaque ID. The name is
// carried through registration ceremonies and is empty for logins.
func (s *SessionStore) Put(ctx context.Context, accountID uuid.UUID, purpose ceremony, name string, data webauthn.SessionData) string {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()
	s.sessions[id] = session{
		accountID: accountID,
		purpose:   purpose,
		name:      name,
		data:      data,
		expiresAt: s.now().Add(s.ttl),
	}
	return id
}

// Take removes and returns the session, enforcing single use. The purpose
// and account must match those recorded when the ceremony began.
func (s *SessionStore) Take(ctx context.Context, id string, accountID uuid.UUID, purpose ceremony) (webauthn.SessionData, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[id]
	if !ok {
		return webauthn.SessionData{}, "", ErrSessionNotFound
	}
	delete(s.sessions, id)

	if s.now().After(stored.expiresAt) || stored.purpose != purpose || stored.accountID != accountID {
		return webauthn.SessionData{}, "", ErrSessionNotFound
	}
	return stored.data, stored.name, nil
}

func (s *SessionStore) evictExpired() {
	now := s.now()
	for id, stored := range s.sessions {
		if now.After(stored.expiresAt) {
			delete(s.sessions, id)
		}
	}
}
