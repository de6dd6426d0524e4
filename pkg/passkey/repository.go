package passkey

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCredentialNotFound is returned when no matching credential exists
var ErrCredentialNotFound = errors.New("passkey credential not found")

// Repository provides access to stored passkey credentials
type Repository interface {
	// ListByAccount returns all credentials registered to an account
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Credential, error)

	// GetByCredentialID returns the credential with the given WebAuthn
	// credential ID, or ErrCredentialNotFound
	GetByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error)

	// Create stores a new credential
	Create(ctx context.Context, credential *Credential) error

	// Update persists mutations to an existing credential (name, sign
	// count, last-used timestamp)
	Update(ctx context.Context, credential *Credential) error

	// Delete removes a credential owned by the account
	Delete(ctx context.Context, accountID, id uuid.UUID) error

	// CountByAccount returns how many credentials the account holds
	CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
}

// InMemRepository is an in-memory implementation of Repository
type InMemRepository struct {
	mu          sync.RWMutex
	credentials map[uuid.UUID]Credential
}

// NewInMemRepository creates a new in-memory credential repository
func NewInMemRepository() *InMemRepository {
	return &InMemRepository{
		credentials: make(map[uuid.UUID]Credential),
	}
}

func (r *InMemRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Credential
	for _, c := range r.credentials {
		if c.AccountID == accountID {
			result = append(result, c)
		}
	}
	return result, nil
}

func (r *InMemRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.credentials {
		if bytes.Equal(c.Credential.ID, credentialID) {
			copied := c
			return &copied, nil
		}
	}
	return nil, ErrCredentialNotFound
}

func (r *InMemRepository) Create(ctx context.Context, credential *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = time.Now().UTC()
	}
	r.credentials[credential.ID] = *credential
	return nil
}

func (r *InMemRepository) Update(ctx context.Context, credential *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.credentials[credential.ID]
	if !ok || stored.AccountID != credential.AccountID {
		return ErrCredentialNotFound
	}
	r.credentials[credential.ID] = *credential
	return nil
}

func (r *InMemRepository) Delete(ctx context.Context, accountID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.credentials[id]
	if !ok || stored.AccountID != accountID {
		return ErrCredentialNotFound
	}
	delete(r.credentials, id)
	return nil
}

func (r *InMemRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, c := range r.credentials {
		if c.AccountID == accountID {
			count++
		}
	}
	return count, nil
}
