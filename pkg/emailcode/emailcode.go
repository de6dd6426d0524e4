// Package emailcode delivers and verifies one-time codes sent by email.
package emailcode

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verifactor/verifactor/pkg/errors"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/notification"
	"github.com/verifactor/verifactor/pkg/ratelimit"
	"github.com/verifactor/verifactor/pkg/secrets"
	"github.com/verifactor/verifactor/pkg/utils"
)

const (
	// DefaultCodeLength is the number of digits in a generated code
	DefaultCodeLength = 6

	// DefaultCodeValidity is how long a delivered code stays verifiable
	DefaultCodeValidity = 10 * time.Minute

	// saveRetries bounds the retry loop around version conflicts
	saveRetries = 3
)

// Service generates, delivers and verifies email one-time codes
type Service struct {
	repository   mfa.Repository
	encryptor    *secrets.EncryptionService
	notifier     *notification.Manager
	limiter      ratelimit.Limiter
	notifyLimit  int
	notifyWindow time.Duration
	codeLength   int
	codeValidity time.Duration
	now          func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithCodeLength sets the number of digits in generated codes
func WithCodeLength(length int) Option {
	return func(s *Service) {
		s.codeLength = length
	}
}

// WithCodeValidity sets how long a delivered code stays verifiable
func WithCodeValidity(validity time.Duration) Option {
	return func(s *Service) {
		s.codeValidity = validity
	}
}

// WithNotifyLimit sets the delivery rate limit applied per throttle key
func WithNotifyLimit(limit int, window time.Duration) Option {
	return func(s *Service) {
		s.notifyLimit = limit
		s.notifyWindow = window
	}
}

// WithClock overrides the time source, used in tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a new email code service
func NewService(repository mfa.Repository, encryptor *secrets.EncryptionService, notifier *notification.Manager, limiter ratelimit.Limiter, opts ...Option) *Service {
	s := &Service{
		repository:   repository,
		encryptor:    encryptor,
		notifier:     notifier,
		limiter:      limiter,
		notifyLimit:  2,
		notifyWindow: time.Minute,
		codeLength:   DefaultCodeLength,
		codeValidity: DefaultCodeValidity,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send generates a fresh code, stores it on the account's record and emails
// it to the given address. When throttleKey is non-empty, deliveries are
// rate limited per key and a limited request returns a RATE_LIMITED error
// carrying the retry-after seconds.
func (s *Service) Send(ctx context.Context, accountID uuid.UUID, email, throttleKey string) error {
	if throttleKey != "" && s.limiter != nil {
		decision, err := s.limiter.Attempt(ctx, "email-notify:"+throttleKey, s.notifyLimit, s.notifyWindow)
		if err != nil {
			return fmt.Errorf("failed to check notify rate limit: %w", err)
		}
		if !decision.Allowed {
			slog.Warn("Email code delivery rate limited", "throttleKey", throttleKey)
			return errors.RateLimited(decision.RetryAfter)
		}
	}

	code := utils.GenerateRandomDigits(s.codeLength)

	encryptedCode, err := s.encryptor.Encrypt(code)
	if err != nil {
		return fmt.Errorf("failed to encrypt email code: %w", err)
	}

	expiresAt := s.now().UTC().Add(s.codeValidity)
	if err := s.store(ctx, accountID, encryptedCode, expiresAt); err != nil {
		return err
	}

	err = s.notifier.Send(notification.TwoFactorCodeNotice, notification.NotificationData{
		To: email,
		Data: map[string]string{
			"Code":      code,
			"ExpiresIn": fmt.Sprintf("%d minutes", int(s.codeValidity.Minutes())),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send email code: %w", err)
	}

	slog.Info("Sent email code", "accountID", accountID, "email", utils.MaskEmail(email))
	return nil
}

func (s *Service) store(ctx context.Context, accountID uuid.UUID, encryptedCode string, expiresAt time.Time) error {
	for attempt := 0; attempt < saveRetries; attempt++ {
		record, err := s.repository.GetOrNew(ctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to load two-factor record: %w", err)
		}

		record.EmailCode = encryptedCode
		record.EmailCodeExpiresAt = &expiresAt

		err = s.repository.Save(ctx, record)
		if err == nil {
			return nil
		}
		if err != mfa.ErrVersionConflict {
			return fmt.Errorf("failed to store email code: %w", err)
		}
	}
	return fmt.Errorf("failed to store email code: %w", mfa.ErrVersionConflict)
}

// Verify checks the submitted code against the account's stored code.
// A verified code is cleared so it cannot be replayed.
func (s *Service) Verify(ctx context.Context, accountID uuid.UUID, code string) error {
	for attempt := 0; attempt < saveRetries; attempt++ {
		record, err := s.repository.Get(ctx, accountID)
		if err != nil {
			if err == mfa.ErrRecordNotFound {
				return errors.AuthFailed()
			}
			return fmt.Errorf("failed to load two-factor record: %w", err)
		}

		if record.EmailCode == "" || record.EmailCodeExpiresAt == nil {
			return errors.AuthFailed()
		}
		if s.now().UTC().After(*record.EmailCodeExpiresAt) {
			return errors.Expired("email code")
		}

		storedCode, err := s.encryptor.Decrypt(record.EmailCode)
		if err != nil {
			return fmt.Errorf("failed to decrypt email code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(storedCode), []byte(code)) != 1 {
			return errors.AuthFailed()
		}

		// Single use: clear the code before reporting success
		record.EmailCode = ""
		record.EmailCodeExpiresAt = nil

		err = s.repository.Save(ctx, record)
		if err == nil {
			return nil
		}
		if err != mfa.ErrVersionConflict {
			return fmt.Errorf("failed to clear email code: %w", err)
		}
	}
	return fmt.Errorf("failed to clear email code: %w", mfa.ErrVersionConflict)
}
