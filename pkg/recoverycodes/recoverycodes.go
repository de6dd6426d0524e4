// Package recoverycodes manages single-use fallback codes an account can
// redeem when no other second factor is available.
package recoverycodes

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/verifactor/verifactor/pkg/errors"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/secrets"
	"github.com/verifactor/verifactor/pkg/utils"
)

const (
	// DefaultNumberOfCodes is how many codes a generation produces
	DefaultNumberOfCodes = 8

	// codeSegmentLength is the length of each half of a code
	codeSegmentLength = 10

	// saveRetries bounds the retry loop around version conflicts
	saveRetries = 3
)

// Vault generates, lists and consumes recovery codes
type Vault struct {
	repository    mfa.Repository
	encryptor     *secrets.EncryptionService
	numberOfCodes int
}

// VaultOption configures a Vault
type VaultOption func(*Vault)

// WithNumberOfCodes sets how many codes a generation produces
func WithNumberOfCodes(n int) VaultOption {
	return func(v *Vault) {
		v.numberOfCodes = n
	}
}

// NewVault creates a new recovery code vault
func NewVault(repository mfa.Repository, encryptor *secrets.EncryptionService, opts ...VaultOption) *Vault {
	v := &Vault{
		repository:    repository,
		encryptor:     encryptor,
		numberOfCodes: DefaultNumberOfCodes,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// newCode produces one code in the segment-segment format
func newCode() string {
	return utils.GenerateUppercaseString(codeSegmentLength) + "-" + utils.GenerateUppercaseString(codeSegmentLength)
}

// normalizeCode reduces a code to its canonical form for comparison:
// uppercase with dashes and whitespace removed, so "abcd0-1234" and
// "ABCD0-1234" redeem the same stored code.
func normalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		if r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Generate creates a fresh code set for the account, replacing any existing
// set atomically. Returns the plaintext codes exactly once; afterwards they
// are only readable through List.
func (v *Vault) Generate(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	for attempt := 0; attempt < saveRetries; attempt++ {
		record, err := v.repository.GetOrNew(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load two-factor record: %w", err)
		}

		old := map[string]bool{}
		if record.RecoveryCodes != "" {
			oldCodes, err := v.decode(record.RecoveryCodes)
			if err != nil {
				return nil, err
			}
			for _, code := range oldCodes {
				old[code] = true
			}
		}

		codes := make([]string, 0, v.numberOfCodes)
		for len(codes) < v.numberOfCodes {
			code := newCode()
			// Regeneration must not reissue a code from the old set
			if old[code] {
				continue
			}
			codes = append(codes, code)
		}

		encrypted, err := v.encode(codes)
		if err != nil {
			return nil, err
		}
		record.RecoveryCodes = encrypted

		err = v.repository.Save(ctx, record)
		if err == nil {
			slog.Info("Generated recovery codes", "accountID", accountID, "count", len(codes))
			return codes, nil
		}
		if err != mfa.ErrVersionConflict {
			return nil, fmt.Errorf("failed to store recovery codes: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to store recovery codes: %w", mfa.ErrVersionConflict)
}

// List returns the account's remaining unredeemed codes
func (v *Vault) List(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	record, err := v.repository.Get(ctx, accountID)
	if err != nil {
		if err == mfa.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if record.RecoveryCodes == "" {
		return nil, nil
	}
	return v.decode(record.RecoveryCodes)
}

// Consume redeems one recovery code. The submitted code is matched after
// normalization, so casing and dashes do not matter. A redeemed code is
// removed from the set so it cannot be used again; when the submitted code
// appears more than once only a single copy is removed.
func (v *Vault) Consume(ctx context.Context, accountID uuid.UUID, code string) error {
	code = normalizeCode(code)

	for attempt := 0; attempt < saveRetries; attempt++ {
		record, err := v.repository.Get(ctx, accountID)
		if err != nil {
			if err == mfa.ErrRecordNotFound {
				return errors.AuthFailed()
			}
			return fmt.Errorf("failed to load two-factor record: %w", err)
		}
		if record.RecoveryCodes == "" {
			return errors.AuthFailed()
		}

		codes, err := v.decode(record.RecoveryCodes)
		if err != nil {
			return err
		}

		matched := -1
		for i, candidate := range codes {
			if subtle.ConstantTimeCompare([]byte(normalizeCode(candidate)), []byte(code)) == 1 {
				matched = i
				break
			}
		}
		if matched < 0 {
			return errors.AuthFailed()
		}

		remaining := append(codes[:matched:matched], codes[matched+1:]...)
		encrypted, err := v.encode(remaining)
		if err != nil {
			return err
		}
		record.RecoveryCodes = encrypted

		err = v.repository.Save(ctx, record)
		if err == nil {
			slog.Info("Consumed recovery code", "accountID", accountID, "remaining", len(remaining))
			return nil
		}
		if err != mfa.ErrVersionConflict {
			return fmt.Errorf("failed to update recovery codes: %w", err)
		}
	}
	return fmt.Errorf("failed to update recovery codes: %w", mfa.ErrVersionConflict)
}

// Disable removes all recovery codes from the account
func (v *Vault) Disable(ctx context.Context, accountID uuid.UUID) error {
	for attempt := 0; attempt < saveRetries; attempt++ {
		record, err := v.repository.Get(ctx, accountID)
		if err != nil {
			if err == mfa.ErrRecordNotFound {
				return nil
			}
			return fmt.Errorf("failed to load two-factor record: %w", err)
		}
		if record.RecoveryCodes == "" {
			return nil
		}

		record.RecoveryCodes = ""
		err = v.repository.Save(ctx, record)
		if err == nil {
			return nil
		}
		if err != mfa.ErrVersionConflict {
			return fmt.Errorf("failed to clear recovery codes: %w", err)
		}
	}
	return fmt.Errorf("failed to clear recovery codes: %w", mfa.ErrVersionConflict)
}

func (v *Vault) encode(codes []string) (string, error) {
	raw, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal recovery codes: %w", err)
	}
	encrypted, err := v.encryptor.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt recovery codes: %w", err)
	}
	return encrypted, nil
}

func (v *Vault) decode(encrypted string) ([]string, error) {
	raw, err := v.encryptor.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt recovery codes: %w", err)
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recovery codes: %w", err)
	}
	return codes, nil
}
