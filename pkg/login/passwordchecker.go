package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// PasswordChecker verifies an account's current password
type PasswordChecker interface {
	// CheckPassword verifies the password against the account's stored credential
	CheckPassword(ctx context.Context, accountID uuid.UUID, password string) (bool, error)
}

// DefaultPasswordChecker verifies passwords against a credential repository
type DefaultPasswordChecker struct {
	repository CredentialRepository
	hasher     PasswordHasher
}

// NewDefaultPasswordChecker creates a new DefaultPasswordChecker
func NewDefaultPasswordChecker(repository CredentialRepository, hasher PasswordHasher) *DefaultPasswordChecker {
	return &DefaultPasswordChecker{
		repository: repository,
		hasher:     hasher,
	}
}

// CheckPassword implements PasswordChecker.CheckPassword
func (c *DefaultPasswordChecker) CheckPassword(ctx context.Context, accountID uuid.UUID, password string) (bool, error) {
	hash, err := c.repository.GetPasswordHash(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			slog.Warn("Password check for unknown account", "accountID", accountID)
			return false, nil
		}
		return false, fmt.Errorf("failed to load password hash: %w", err)
	}

	match, err := c.hasher.Verify(password, hash)
	if err != nil {
		return false, fmt.Errorf("failed to verify password: %w", err)
	}
	return match, nil
}
