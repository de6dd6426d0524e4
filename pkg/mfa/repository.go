package mfa

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrRecordNotFound is returned when no record exists for an account
	ErrRecordNotFound = errors.New("two-factor record not found")

	// ErrVersionConflict is returned when a Save loses a concurrent update race
	ErrVersionConflict = errors.New("two-factor record version conflict")
)

// Repository provides access to per-account two-factor records.
//
// Save performs a compare-and-swap on the record's Version: a record with
// Version zero is inserted, any other version must match the stored row or
// Save returns ErrVersionConflict. On success the record's Version is
// incremented in place.
type Repository interface {
	// Get returns the record for an account, or ErrRecordNotFound
	Get(ctx context.Context, accountID uuid.UUID) (*Record, error)

	// GetOrNew returns the stored record, or a fresh zero-version record
	// when none exists yet
	GetOrNew(ctx context.Context, accountID uuid.UUID) (*Record, error)

	// Save persists the record conditionally on its Version
	Save(ctx context.Context, record *Record) error

	// Delete removes the record for an account. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, accountID uuid.UUID) error
}

// NewRecord returns an empty, never-persisted record for an account
func NewRecord(accountID uuid.UUID) *Record {
	return &Record{AccountID: accountID}
}
