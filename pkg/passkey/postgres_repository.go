package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository using PostgreSQL. The WebAuthn
// credential is stored as a JSONB document alongside the lookup columns.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL credential repository
func NewPostgresRepository(db *pgxpool.Pool) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Credential, error) {
	rows, err := r.db.Query(ctx, `
SELECT id, account_id, name, credential, created_at, last_used_at
FROM passkey_credentials
WHERE account_id = $1
ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkey credentials: %w", err)
	}
	defer rows.Close()

	var result []Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *credential)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	row := r.db.QueryRow(ctx, `
SELECT id, account_id, name, credential, created_at, last_used_at
FROM passkey_credentials
WHERE credential_id = $1`, credentialID)

	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return credential, nil
}

func (r *PostgresRepository) Create(ctx context.Context, credential *Credential) error {
	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	raw, err := json.Marshal(credential.Credential)
	if err != nil {
		return fmt.Errorf("failed to marshal passkey credential: %w", err)
	}

	err = r.db.QueryRow(ctx, `
INSERT INTO passkey_credentials (id, account_id, name, credential_id, credential, created_at)
VALUES ($1, $2, $3, $4, $5, now())
RETURNING created_at`,
		credential.ID, credential.AccountID, credential.Name, credential.Credential.ID, raw,
	).Scan(&credential.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create passkey credential: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, credential *Credential) error {
	raw, err := json.Marshal(credential.Credential)
	if err != nil {
		return fmt.Errorf("failed to marshal passkey credential: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
UPDATE passkey_credentials
SET name = $3, credential = $4, last_used_at = $5
WHERE id = $1 AND account_id = $2`,
		credential.ID, credential.AccountID, credential.Name, raw, credential.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to update passkey credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, accountID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
DELETE FROM passkey_credentials WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete passkey credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (r *PostgresRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
SELECT count(*) FROM passkey_credentials WHERE account_id = $1`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count passkey credentials: %w", err)
	}
	return count, nil
}

func scanCredential(row pgx.Row) (*Credential, error) {
	var credential Credential
	var raw []byte
	if err := row.Scan(&credential.ID, &credential.AccountID, &credential.Name,
		&raw, &credential.CreatedAt, &credential.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan passkey credential: %w", err)
	}

	var stored webauthn.Credential
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal passkey credential: %w", err)
	}
	credential.Credential = stored
	return &credential, nil
}
