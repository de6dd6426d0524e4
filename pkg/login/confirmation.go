package login

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// confirmationKey identifies a confirmation receipt by account and session
type confirmationKey struct {
	accountID uuid.UUID
	sessionID string
}

// ConfirmationService tracks recent password confirmations per session.
// Sensitive operations require a fresh confirmation before they proceed.
type ConfirmationService struct {
	checker PasswordChecker
	window  time.Duration

	mu       sync.Mutex
	receipts map[confirmationKey]time.Time
	now      func() time.Time
}

// ConfirmationOption configures a ConfirmationService
type ConfirmationOption func(*ConfirmationService)

// WithConfirmationClock overrides the time source, used in tests
func WithConfirmationClock(now func() time.Time) ConfirmationOption {
	return func(s *ConfirmationService) {
		s.now = now
	}
}

// NewConfirmationService creates a new ConfirmationService
func NewConfirmationService(checker PasswordChecker, window time.Duration, opts ...ConfirmationOption) *ConfirmationService {
	s := &ConfirmationService{
		checker:  checker,
		window:   window,
		receipts: make(map[confirmationKey]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Confirm verifies the password and on success records a receipt for the session
func (s *ConfirmationService) Confirm(ctx context.Context, accountID uuid.UUID, sessionID, password string) (bool, error) {
	match, err := s.checker.CheckPassword(ctx, accountID, password)
	if err != nil {
		return false, fmt.Errorf("failed to confirm password: %w", err)
	}
	if !match {
		return false, nil
	}

	s.mu.Lock()
	s.receipts[confirmationKey{accountID: accountID, sessionID: sessionID}] = s.now()
	s.mu.Unlock()
	return true, nil
}

// IsConfirmed reports whether the session holds an unexpired confirmation receipt
func (s *ConfirmationService) IsConfirmed(ctx context.Context, accountID uuid.UUID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := confirmationKey{accountID: accountID, sessionID: sessionID}
	confirmedAt, ok := s.receipts[key]
	if !ok {
		return false
	}
	if s.now().Sub(confirmedAt) > s.window {
		delete(s.receipts, key)
		return false
	}
	return true
}

// Invalidate drops any confirmation receipt held by the session
func (s *ConfirmationService) Invalidate(ctx context.Context, accountID uuid.UUID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.receipts, confirmationKey{accountID: accountID, sessionID: sessionID})
}
