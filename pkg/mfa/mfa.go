package mfa

import (
	"time"

	"github.com/google/uuid"
)

// Method identifies a two-factor authentication method
type Method string

const (
	MethodTotp         Method = "totp"
	MethodEmail        Method = "email"
	MethodPasskey      Method = "passkey"
	MethodRecoveryCode Method = "recovery_code"
)

// ValidMethod reports whether the string names a known method
func ValidMethod(m string) bool {
	switch Method(m) {
	case MethodTotp, MethodEmail, MethodPasskey, MethodRecoveryCode:
		return true
	}
	return false
}

// Record holds the per-account two-factor state. Secret material is stored
// encrypted; callers go through the method services to read it.
//
// Version supports optimistic concurrency: Save only succeeds when the
// stored version matches, and a Version of zero means the record has never
// been persisted.
type Record struct {
	AccountID uuid.UUID

	// TOTP state. The secret is set while enabling and the method counts
	// as enabled only once TotpConfirmedAt is set.
	TotpSecret      string
	TotpConfirmedAt *time.Time

	// Email code state. EmailEnabledAt marks the method as requested and
	// EmailConfirmedAt marks it enabled. The transient code lives here
	// between send and verify.
	EmailEnabledAt     *time.Time
	EmailConfirmedAt   *time.Time
	EmailCode          string
	EmailCodeExpiresAt *time.Time

	// Recovery codes, stored as an encrypted JSON array
	RecoveryCodes string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotpEnabled reports whether TOTP is fully enabled for the account
func (r *Record) TotpEnabled() bool {
	return r.TotpSecret != "" && r.TotpConfirmedAt != nil
}

// TotpPending reports whether TOTP enrollment has started but is unconfirmed
func (r *Record) TotpPending() bool {
	return r.TotpSecret != "" && r.TotpConfirmedAt == nil
}

// EmailEnabled reports whether email codes are fully enabled for the account
func (r *Record) EmailEnabled() bool {
	return r.EmailEnabledAt != nil && r.EmailConfirmedAt != nil
}

// EmailPending reports whether email enrollment has started but is unconfirmed
func (r *Record) EmailPending() bool {
	return r.EmailEnabledAt != nil && r.EmailConfirmedAt == nil
}

// RecoveryCodesEnabled reports whether the account holds recovery codes
func (r *Record) RecoveryCodesEnabled() bool {
	return r.RecoveryCodes != ""
}

// ClearTotp removes all TOTP state from the record
func (r *Record) ClearTotp() {
	r.TotpSecret = ""
	r.TotpConfirmedAt = nil
}

// ClearEmail removes all email-code state from the record
func (r *Record) ClearEmail() {
	r.EmailEnabledAt = nil
	r.EmailConfirmedAt = nil
	r.EmailCode = ""
	r.EmailCodeExpiresAt = nil
}
