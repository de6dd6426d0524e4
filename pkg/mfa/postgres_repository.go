package mfa

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *pgxpool.Pool) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	return &PostgresRepository{db: db}, nil
}

const selectRecordSQL = `
SELECT account_id, totp_secret, totp_confirmed_at,
       email_enabled_at, email_confirmed_at, email_code, email_code_expires_at,
       recovery_codes, version, created_at, updated_at
FROM two_factor_records
WHERE account_id = $1`

func (r *PostgresRepository) Get(ctx context.Context, accountID uuid.UUID) (*Record, error) {
	record := Record{}
	err := r.db.QueryRow(ctx, selectRecordSQL, accountID).Scan(
		&record.AccountID, &record.TotpSecret, &record.TotpConfirmedAt,
		&record.EmailEnabledAt, &record.EmailConfirmedAt, &record.EmailCode, &record.EmailCodeExpiresAt,
		&record.RecoveryCodes, &record.Version, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get two-factor record: %w", err)
	}
	return &record, nil
}

func (r *PostgresRepository) GetOrNew(ctx context.Context, accountID uuid.UUID) (*Record, error) {
	record, err := r.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return NewRecord(accountID), nil
		}
		return nil, err
	}
	return record, nil
}

func (r *PostgresRepository) Save(ctx context.Context, record *Record) error {
	if record.Version == 0 {
		return r.insert(ctx, record)
	}
	return r.update(ctx, record)
}

func (r *PostgresRepository) insert(ctx context.Context, record *Record) error {
	const insertSQL = `
INSERT INTO two_factor_records (
    account_id, totp_secret, totp_confirmed_at,
    email_enabled_at, email_confirmed_at, email_code, email_code_expires_at,
    recovery_codes, version, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, now(), now())
ON CONFLICT (account_id) DO NOTHING
RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, insertSQL,
		record.AccountID, record.TotpSecret, record.TotpConfirmedAt,
		record.EmailEnabledAt, record.EmailConfirmedAt, record.EmailCode, record.EmailCodeExpiresAt,
		record.RecoveryCodes,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict target hit: someone else inserted first
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to insert two-factor record: %w", err)
	}

	record.Version = 1
	return nil
}

func (r *PostgresRepository) update(ctx context.Context, record *Record) error {
	const updateSQL = `
UPDATE two_factor_records SET
    totp_secret = $2, totp_confirmed_at = $3,
    email_enabled_at = $4, email_confirmed_at = $5,
    email_code = $6, email_code_expires_at = $7,
    recovery_codes = $8,
    version = version + 1, updated_at = now()
WHERE account_id = $1 AND version = $9
RETURNING updated_at`

	err := r.db.QueryRow(ctx, updateSQL,
		record.AccountID, record.TotpSecret, record.TotpConfirmedAt,
		record.EmailEnabledAt, record.EmailConfirmedAt, record.EmailCode, record.EmailCodeExpiresAt,
		record.RecoveryCodes, record.Version,
	).Scan(&record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to update two-factor record: %w", err)
	}

	record.Version++
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM two_factor_records WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete two-factor record: %w", err)
	}
	return nil
}
