package mfa

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemRepository is an in-memory implementation of Repository,
// suitable for tests and demos
type InMemRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
}

// NewInMemRepository creates a new in-memory repository
func NewInMemRepository() *InMemRepository {
	return &InMemRepository{
		records: make(map[uuid.UUID]Record),
	}
}

func (r *InMemRepository) Get(ctx context.Context, accountID uuid.UUID) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[accountID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	copied := record
	return &copied, nil
}

func (r *InMemRepository) GetOrNew(ctx context.Context, accountID uuid.UUID) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[accountID]
	if !ok {
		return NewRecord(accountID), nil
	}
	copied := record
	return &copied, nil
}

func (r *InMemRepository) Save(ctx context.Context, record *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored, exists := r.records[record.AccountID]

	if record.Version == 0 {
		if exists {
			return ErrVersionConflict
		}
		record.CreatedAt = now
	} else {
		if !exists || stored.Version != record.Version {
			return ErrVersionConflict
		}
		record.CreatedAt = stored.CreatedAt
	}

	record.Version++
	record.UpdatedAt = now
	r.records[record.AccountID] = *record
	return nil
}

func (r *InMemRepository) Delete(ctx context.Context, accountID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, accountID)
	return nil
}
