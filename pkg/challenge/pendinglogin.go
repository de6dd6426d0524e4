package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verifactor/verifactor/pkg/mfa"
)

// ErrPendingLoginNotFound is returned when a pending login is missing,
// expired or already completed
var ErrPendingLoginNotFound = errors.New("pending login not found")

// DefaultPendingLoginTTL bounds how long a half-authenticated login may
// linger before the user must start over
const DefaultPendingLoginTTL = 10 * time.Minute

// PendingLogin is a login that passed the first factor and awaits a second
type PendingLogin struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Email     string
	Username  string

	// SelectedMethod is set once the user picks how to verify
	SelectedMethod mfa.Method

	// PasskeySessionID tracks an in-flight passkey ceremony for this login
	PasskeySessionID string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// PendingLoginStore holds pending logins between first-factor success and
// second-factor verification
type PendingLoginStore interface {
	// Create stores a new pending login
	Create(ctx context.Context, pending *PendingLogin) error

	// Get returns an unexpired pending login, or ErrPendingLoginNotFound
	Get(ctx context.Context, id uuid.UUID) (*PendingLogin, error)

	// Update persists mutations to a pending login
	Update(ctx context.Context, pending *PendingLogin) error

	// Complete removes the pending login, enforcing single use. Completing
	// an already-completed login returns ErrPendingLoginNotFound.
	Complete(ctx context.Context, id uuid.UUID) error
}

// InMemPendingLoginStore is an in-memory implementation of PendingLoginStore
type InMemPendingLoginStore struct {
	mu      sync.Mutex
	pending map[uuid.UUID]PendingLogin
	now     func() time.Time
}

// NewInMemPendingLoginStore creates a new in-memory pending login store
func NewInMemPendingLoginStore() *InMemPendingLoginStore {
	return &InMemPendingLoginStore{
		pending: make(map[uuid.UUID]PendingLogin),
		now:     time.Now,
	}
}

func (s *InMemPendingLoginStore) Create(ctx context.Context, pending *PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()
	s.pending[pending.ID] = *pending
	return nil
}

func (s *InMemPendingLoginStore) Get(ctx context.Context, id uuid.UUID) (*PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.pending[id]
	if !ok || s.now().After(stored.ExpiresAt) {
		return nil, ErrPendingLoginNotFound
	}
	copied := stored
	return &copied, nil
}

func (s *InMemPendingLoginStore) Update(ctx context.Context, pending *PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.pending[pending.ID]
	if !ok || s.now().After(stored.ExpiresAt) {
		return ErrPendingLoginNotFound
	}
	s.pending[pending.ID] = *pending
	return nil
}

func (s *InMemPendingLoginStore) Complete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.pending[id]
	if !ok || s.now().After(stored.ExpiresAt) {
		return ErrPendingLoginNotFound
	}
	delete(s.pending, id)
	return nil
}

func (s *InMemPendingLoginStore) evictExpired() {
	now := s.now()
	for id, stored := range s.pending {
		if now.After(stored.ExpiresAt) {
			delete(s.pending, id)
		}
	}
}
