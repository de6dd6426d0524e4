package passkey

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/verifactor/verifactor/pkg/errors"
)

// Config carries the relying-party settings for WebAuthn ceremonies
type Config struct {
	RelyingPartyID   string
	RelyingPartyName string
	Origins          []string
	CeremonyTimeout  time.Duration
	MaxPasskeys      int
}

// Service runs WebAuthn ceremonies and manages stored credentials
type Service struct {
	webAuthn    *webauthn.WebAuthn
	repository  Repository
	sessions    *SessionStore
	maxPasskeys int
}

// NewService creates a passkey service for the given relying party
func NewService(cfg Config, repository Repository) (*Service, error) {
	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RelyingPartyName,
		RPID:          cfg.RelyingPartyID,
		RPOrigins:     cfg.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}

	maxPasskeys := cfg.MaxPasskeys
	if maxPasskeys == 0 {
		maxPasskeys = DefaultMaxPasskeys
	}

	return &Service{
		webAuthn:    webAuthn,
		repository:  repository,
		sessions:    NewSessionStore(cfg.CeremonyTimeout),
		maxPasskeys: maxPasskeys,
	}, nil
}

// List returns the account's registered passkeys
func (s *Service) List(ctx context.Context, accountID uuid.UUID) ([]Credential, error) {
	return s.repository.ListByAccount(ctx, accountID)
}

// Enabled reports whether the account has at least one registered passkey
func (s *Service) Enabled(ctx context.Context, accountID uuid.UUID) (bool, error) {
	count, err := s.repository.CountByAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateName canonicalizes a passkey name and enforces per-account
// uniqueness. exclude identifies a credential whose current name does not
// count as taken, so a rename to the same name (or a case change) passes.
func (s *Service) validateName(ctx context.Context, accountID uuid.UUID, name string, exclude uuid.UUID) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.ValidationFailed("name", "name is required")
	}
	if len(name) > MaxNameLength {
		return "", errors.ValidationFailed("name", fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}

	existing, err := s.repository.ListByAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("failed to list passkeys: %w", err)
	}
	for _, c := range existing {
		if c.ID == exclude {
			continue
		}
		if strings.EqualFold(c.Name, name) {
			return "", errors.ValidationFailed("name", "a passkey with this name already exists")
		}
	}
	return name, nil
}

// BeginRegistration starts a registration ceremony for a new passkey and
// returns the creation options plus an opaque session ID the caller must
// present to FinishRegistration.
func (s *Service) BeginRegistration(ctx context.Context, accountID uuid.UUID, username, name string) (*protocol.CredentialCreation, string, error) {
	name, err := s.validateName(ctx, accountID, name, uuid.Nil)
	if err != nil {
		return nil, "", err
	}

	existing, err := s.repository.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list passkeys: %w", err)
	}
	if len(existing) >= s.maxPasskeys {
		return nil, "", errors.New(errors.ErrCodeLimitExceeded,
			fmt.Sprintf("an account may register at most %d passkeys", s.maxPasskeys))
	}

	// Exclude already-registered credentials so the authenticator refuses
	// to create a duplicate
	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, c := range existing {
		exclusions = append(exclusions, c.Credential.Descriptor())
	}

	user := &webauthnUser{accountID: accountID, name: username, credentials: existing}
	creation, sessionData, err := s.webAuthn.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin passkey registration: %w", err)
	}

	sessionID := s.sessions.Put(ctx, accountID, ceremonyRegistration, name, *sessionData)
	return creation, sessionID, nil
}

// FinishRegistration completes a registration ceremony and stores the new
// credential. The ceremony session is consumed whether or not the
// attestation verifies.
func (s *Service) FinishRegistration(ctx context.Context, accountID uuid.UUID, sessionID string, response *protocol.ParsedCredentialCreationData) (*Credential, error) {
	sessionData, name, err := s.sessions.Take(ctx, sessionID, accountID, ceremonyRegistration)
	if err != nil {
		return nil, errors.New(errors.ErrCodeCeremonyFailed, "no pending registration ceremony")
	}

	existing, err := s.repository.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	if len(existing) >= s.maxPasskeys {
		return nil, errors.New(errors.ErrCodeLimitExceeded,
			fmt.Sprintf("an account may register at most %d passkeys", s.maxPasskeys))
	}

	user := &webauthnUser{accountID: accountID, name: name, credentials: existing}
	webauthnCredential, err := s.webAuthn.CreateCredential(user, sessionData, response)
	if err != nil {
		slog.Warn("Passkey attestation failed", "accountID", accountID, "error", err)
		return nil, errors.New(errors.ErrCodeCeremonyFailed, "passkey attestation failed")
	}

	credential := &Credential{
		AccountID:  accountID,
		Name:       name,
		Credential: *webauthnCredential,
	}
	if err := s.repository.Create(ctx, credential); err != nil {
		return nil, fmt.Errorf("failed to store passkey: %w", err)
	}

	slog.Info("Registered passkey", "accountID", accountID, "name", name)
	return credential, nil
}

// BeginLogin starts an assertion ceremony scoped to the account's
// registered passkeys, for passkey as a second factor.
func (s *Service) BeginLogin(ctx context.Context, accountID uuid.UUID) (*protocol.CredentialAssertion, string, error) {
	existing, err := s.repository.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list passkeys: %w", err)
	}
	if len(existing) == 0 {
		return nil, "", errors.New(errors.ErrCodeMethodNotEnabled, "no passkeys registered")
	}

	user := &webauthnUser{accountID: accountID, credentials: existing}
	assertion, sessionData, err := s.webAuthn.BeginLogin(user)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin passkey login: %w", err)
	}

	sessionID := s.sessions.Put(ctx, accountID, ceremonyLogin, "", *sessionData)
	return assertion, sessionID, nil
}

// FinishLogin completes an account-scoped assertion ceremony. On success
// the stored credential's sign count and last-used time are updated.
func (s *Service) FinishLogin(ctx context.Context, accountID uuid.UUID, sessionID string, response *protocol.ParsedCredentialAssertionData) (*Credential, error) {
	sessionData, _, err := s.sessions.Take(ctx, sessionID, accountID, ceremonyLogin)
	if err != nil {
		return nil, errors.New(errors.ErrCodeCeremonyFailed, "no pending login ceremony")
	}

	existing, err := s.repository.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}

	user := &webauthnUser{accountID: accountID, credentials: existing}
	validated, err := s.webAuthn.ValidateLogin(user, sessionData, response)
	if err != nil {
		slog.Warn("Passkey assertion failed", "accountID", accountID, "error", err)
		return nil, errors.New(errors.ErrCodeCeremonyFailed, "passkey assertion failed")
	}

	return s.touchCredential(ctx, validated)
}

// BeginDiscoverableLogin starts a usernameless assertion ceremony, for
// passkey as a single factor.
func (s *Service) BeginDiscoverableLogin(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	assertion, sessionData, err := s.webAuthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin discoverable login: %w", err)
	}

	sessionID := s.sessions.Put(ctx, uuid.Nil, ceremonyLogin, "", *sessionData)
	return assertion, sessionID, nil
}

// FinishDiscoverableLogin completes a usernameless ceremony and returns
// the account the asserted credential belongs to.
func (s *Service) FinishDiscoverableLogin(ctx context.Context, sessionID string, response *protocol.ParsedCredentialAssertionData) (uuid.UUID, error) {
	sessionData, _, err := s.sessions.Take(ctx, sessionID, uuid.Nil, ceremonyLogin)
	if err != nil {
		return uuid.Nil, errors.New(errors.ErrCodeCeremonyFailed, "no pending login ceremony")
	}

	var accountID uuid.UUID
	handler := s.discoverableUserHandler(ctx, &accountID)

	validated, err := s.webAuthn.ValidateDiscoverableLogin(handler, sessionData, response)
	if err != nil {
		slog.Warn("Discoverable passkey assertion failed", "error", err)
		return uuid.Nil, errors.New(errors.ErrCodeCeremonyFailed, "passkey assertion failed")
	}

	if _, err := s.touchCredential(ctx, validated); err != nil {
		return uuid.Nil, err
	}
	return accountID, nil
}

// discoverableUserHandler resolves the asserted user handle to an account's
// credentials, on the ceremony's own context
func (s *Service) discoverableUserHandler(ctx context.Context, accountID *uuid.UUID) webauthn.DiscoverableUserHandler {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		id, err := uuid.FromBytes(userHandle)
		if err != nil {
			return nil, fmt.Errorf("invalid user handle: %w", err)
		}
		credentials, err := s.repository.ListByAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(credentials) == 0 {
			return nil, ErrCredentialNotFound
		}
		*accountID = id
		return &webauthnUser{accountID: id, credentials: credentials}, nil
	}
}

// touchCredential updates the stored credential after a verified assertion
func (s *Service) touchCredential(ctx context.Context, validated *webauthn.Credential) (*Credential, error) {
	stored, err := s.repository.GetByCredentialID(ctx, validated.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load asserted passkey: %w", err)
	}

	now := time.Now().UTC()
	stored.Credential.Authenticator = validated.Authenticator
	stored.LastUsedAt = &now
	if err := s.repository.Update(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to update passkey: %w", err)
	}
	return stored, nil
}

// Rename changes a passkey's user-facing label
func (s *Service) Rename(ctx context.Context, accountID, id uuid.UUID, name string) (*Credential, error) {
	name, err := s.validateName(ctx, accountID, name, id)
	if err != nil {
		return nil, err
	}

	existing, err := s.repository.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	for i := range existing {
		if existing[i].ID == id {
			existing[i].Name = name
			if err := s.repository.Update(ctx, &existing[i]); err != nil {
				return nil, fmt.Errorf("failed to rename passkey: %w", err)
			}
			return &existing[i], nil
		}
	}
	return nil, errors.New(errors.ErrCodeNotFound, "passkey not found")
}

// Delete removes a passkey from the account
func (s *Service) Delete(ctx context.Context, accountID, id uuid.UUID) error {
	err := s.repository.Delete(ctx, accountID, id)
	if err != nil {
		if stderrors.Is(err, ErrCredentialNotFound) {
			return errors.New(errors.ErrCodeNotFound, "passkey not found")
		}
		return fmt.Errorf("failed to delete passkey: %w", err)
	}
	slog.Info("Deleted passkey", "accountID", accountID, "passkeyID", id)
	return nil
}
