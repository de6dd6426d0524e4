package config

import "time"

// PasskeyAuthenticationMode controls how registered passkeys may be used.
type PasskeyAuthenticationMode string

const (
	// PasskeyModeSingleFactor allows passkeys to complete a login on their own,
	// without a password.
	PasskeyModeSingleFactor PasskeyAuthenticationMode = "sfa"
	// PasskeyModeSecondFactor restricts passkeys to the two-factor challenge.
	PasskeyModeSecondFactor PasskeyAuthenticationMode = "2fa"
	// PasskeyModeBoth allows both uses.
	PasskeyModeBoth PasskeyAuthenticationMode = "both"
)

// TotpFeature configures the authenticator-app method.
type TotpFeature struct {
	// Enabled controls whether the method can be managed at all
	Enabled bool
	// Confirm requires a code confirmation step after initial setup
	Confirm bool
	// ConfirmPassword requires a fresh password confirmation before state changes
	ConfirmPassword bool
	// WindowSteps is the number of 30-second steps of clock drift tolerated
	// on either side of the current step
	WindowSteps uint
	// SecretLength is the byte length of generated secrets
	SecretLength uint
}

// EmailFeature configures the emailed one-time code method.
type EmailFeature struct {
	Enabled         bool
	Confirm         bool
	ConfirmPassword bool
	// CodeValidity is how long a sent code stays valid
	CodeValidity time.Duration
	// CodeLength is the number of digits in a code
	CodeLength int
}

// PasskeyFeature configures WebAuthn passkeys.
type PasskeyFeature struct {
	Enabled         bool
	ConfirmPassword bool
	// MaxPasskeys is the maximum number of credentials per account
	MaxPasskeys int
	// AuthenticationMode controls single-factor vs second-factor use
	AuthenticationMode PasskeyAuthenticationMode
	// RelyingPartyID is the WebAuthn RP ID (the effective domain)
	RelyingPartyID string
	// RelyingPartyName is the human-readable relying party name
	RelyingPartyName string
	// RelyingPartyOrigins are the allowed request origins
	RelyingPartyOrigins []string
	// ChallengeTimeout bounds how long an issued ceremony challenge stays valid
	ChallengeTimeout time.Duration
}

// RecoveryCodesFeature configures emergency recovery codes.
type RecoveryCodesFeature struct {
	Enabled         bool
	ConfirmPassword bool
	// RequireTwoFactorAuthenticationEnabled blocks generation unless at least
	// one other method is enabled, and cascades disable with the last one
	RequireTwoFactorAuthenticationEnabled bool
	// NumberOfCodes is the size of a generated set
	NumberOfCodes int
}

// Features aggregates the per-method feature configuration.
type Features struct {
	Totp          TotpFeature
	Email         EmailFeature
	Passkeys      PasskeyFeature
	RecoveryCodes RecoveryCodesFeature

	// PasswordConfirmationWindow is how long a password re-entry stays fresh
	PasswordConfirmationWindow time.Duration
	// PendingLoginTTL bounds how long a half-authenticated login may linger
	PendingLoginTTL time.Duration
}

// DefaultFeatures returns the Features with all methods enabled and the
// stock tunables.
func DefaultFeatures() Features {
	return Features{
		Totp: TotpFeature{
			Enabled:         true,
			Confirm:         true,
			ConfirmPassword: true,
			WindowSteps:     1,
			SecretLength:    16,
		},
		Email: EmailFeature{
			Enabled:         true,
			Confirm:         true,
			ConfirmPassword: true,
			CodeValidity:    10 * time.Minute,
			CodeLength:      6,
		},
		Passkeys: PasskeyFeature{
			Enabled:             true,
			ConfirmPassword:     true,
			MaxPasskeys:         3,
			AuthenticationMode:  PasskeyModeBoth,
			RelyingPartyID:      "localhost",
			RelyingPartyName:    "verifactor",
			RelyingPartyOrigins: []string{"http://localhost:8080"},
			ChallengeTimeout:    60 * time.Second,
		},
		RecoveryCodes: RecoveryCodesFeature{
			Enabled:                               true,
			ConfirmPassword:                       true,
			RequireTwoFactorAuthenticationEnabled: true,
			NumberOfCodes:                         8,
		},
		PasswordConfirmationWindow: 3 * time.Minute,
		PendingLoginTTL:            10 * time.Minute,
	}
}

// NewFeaturesFromEnv loads Features from standard environment variables,
// falling back to DefaultFeatures values.
func NewFeaturesFromEnv() Features {
	f := DefaultFeatures()

	f.Totp.Enabled = GetEnvBool("TOTP_ENABLED", f.Totp.Enabled)
	f.Totp.ConfirmPassword = GetEnvBool("TOTP_CONFIRM_PASSWORD", f.Totp.ConfirmPassword)
	f.Totp.WindowSteps = uint(GetEnvInt("TOTP_WINDOW_STEPS", int(f.Totp.WindowSteps)))
	f.Totp.SecretLength = uint(GetEnvInt("TOTP_SECRET_LENGTH", int(f.Totp.SecretLength)))

	f.Email.Enabled = GetEnvBool("EMAIL_2FA_ENABLED", f.Email.Enabled)
	f.Email.ConfirmPassword = GetEnvBool("EMAIL_2FA_CONFIRM_PASSWORD", f.Email.ConfirmPassword)
	f.Email.CodeValidity = GetEnvDuration("EMAIL_2FA_CODE_VALIDITY", f.Email.CodeValidity)
	f.Email.CodeLength = GetEnvInt("EMAIL_2FA_CODE_LENGTH", f.Email.CodeLength)

	f.Passkeys.Enabled = GetEnvBool("PASSKEYS_ENABLED", f.Passkeys.Enabled)
	f.Passkeys.ConfirmPassword = GetEnvBool("PASSKEYS_CONFIRM_PASSWORD", f.Passkeys.ConfirmPassword)
	f.Passkeys.MaxPasskeys = GetEnvInt("PASSKEYS_MAX", f.Passkeys.MaxPasskeys)
	f.Passkeys.AuthenticationMode = PasskeyAuthenticationMode(
		GetEnvOrDefault("PASSKEYS_AUTHENTICATION_MODE", string(f.Passkeys.AuthenticationMode)))
	f.Passkeys.RelyingPartyID = GetEnvOrDefault("PASSKEYS_RP_ID", f.Passkeys.RelyingPartyID)
	f.Passkeys.RelyingPartyName = GetEnvOrDefault("PASSKEYS_RP_NAME", f.Passkeys.RelyingPartyName)

	f.RecoveryCodes.Enabled = GetEnvBool("RECOVERY_CODES_ENABLED", f.RecoveryCodes.Enabled)
	f.RecoveryCodes.RequireTwoFactorAuthenticationEnabled = GetEnvBool(
		"RECOVERY_CODES_REQUIRE_TWO_FACTOR", f.RecoveryCodes.RequireTwoFactorAuthenticationEnabled)
	f.RecoveryCodes.NumberOfCodes = GetEnvInt("RECOVERY_CODES_COUNT", f.RecoveryCodes.NumberOfCodes)

	f.PasswordConfirmationWindow = GetEnvDuration("PASSWORD_CONFIRMATION_WINDOW", f.PasswordConfirmationWindow)
	f.PendingLoginTTL = GetEnvDuration("PENDING_LOGIN_TTL", f.PendingLoginTTL)

	return f
}

// SinglePasskeyLoginAllowed reports whether passkeys may complete a login on
// their own under the configured mode.
func (f Features) SinglePasskeyLoginAllowed() bool {
	return f.Passkeys.Enabled &&
		(f.Passkeys.AuthenticationMode == PasskeyModeSingleFactor ||
			f.Passkeys.AuthenticationMode == PasskeyModeBoth)
}

// PasskeySecondFactorAllowed reports whether passkeys may serve as a second
// factor under the configured mode.
func (f Features) PasskeySecondFactorAllowed() bool {
	return f.Passkeys.Enabled &&
		(f.Passkeys.AuthenticationMode == PasskeyModeSecondFactor ||
			f.Passkeys.AuthenticationMode == PasskeyModeBoth)
}
