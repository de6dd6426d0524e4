package login

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrAccountNotFound is returned when no credential exists for an account
var ErrAccountNotFound = errors.New("account not found")

// CredentialRepository provides access to stored password credentials
type CredentialRepository interface {
	// GetPasswordHash returns the stored password hash for an account
	GetPasswordHash(ctx context.Context, accountID uuid.UUID) (string, error)

	// SetPasswordHash stores the password hash for an account
	SetPasswordHash(ctx context.Context, accountID uuid.UUID, hash string) error
}

// InMemCredentialRepository is an in-memory implementation of CredentialRepository
type InMemCredentialRepository struct {
	mu     sync.RWMutex
	hashes map[uuid.UUID]string
}

// NewInMemCredentialRepository creates a new in-memory credential repository
func NewInMemCredentialRepository() *InMemCredentialRepository {
	return &InMemCredentialRepository{
		hashes: make(map[uuid.UUID]string),
	}
}

func (r *InMemCredentialRepository) GetPasswordHash(ctx context.Context, accountID uuid.UUID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hash, ok := r.hashes[accountID]
	if !ok {
		return "", ErrAccountNotFound
	}
	return hash, nil
}

func (r *InMemCredentialRepository) SetPasswordHash(ctx context.Context, accountID uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hashes[accountID] = hash
	return nil
}
