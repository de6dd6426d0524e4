// Package passkey manages WebAuthn credentials: registration and login
// ceremonies, credential storage and lifecycle operations.
package passkey

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

const (
	// DefaultMaxPasskeys is the per-account credential limit
	DefaultMaxPasskeys = 3

	// DefaultCeremonyTimeout is how long a begun ceremony stays completable
	DefaultCeremonyTimeout = 5 * time.Minute

	// MaxNameLength bounds the user-supplied passkey label
	MaxNameLength = 64
)

// Credential is a stored passkey with its user-facing label
type Credential struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Name       string
	Credential webauthn.Credential
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// webauthnUser adapts an account and its credentials to the webauthn.User
// interface for the duration of one ceremony
type webauthnUser struct {
	accountID   uuid.UUID
	name        string
	credentials []Credential
}

func (u *webauthnUser) WebAuthnID() []byte {
	id := u.accountID
	return id[:]
}

func (u *webauthnUser) WebAuthnName() string {
	return u.name
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	return u.name
}

// WebAuthnIcon satisfies the deprecated method still required by the
// webauthn.User interface in go-webauthn/webauthn v0.10.x.
func (u *webauthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.credentials))
	for _, c := range u.credentials {
		creds = append(creds, c.Credential)
	}
	return creds
}
