// Package totp generates and verifies time-based one-time passwords
// for authenticator apps.
package totp

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the TOTP time step in seconds
	Period = 30

	// DefaultSkew is the number of adjacent time steps accepted on verify
	DefaultSkew = 1

	// DefaultSecretLength is the shared secret size in bytes
	DefaultSecretLength = 16
)

// Verifier generates TOTP secrets and verifies codes against them
type Verifier struct {
	issuer       string
	skew         uint
	secretLength int
	now          func() time.Time
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithSkew sets the number of adjacent time steps accepted on verify
func WithSkew(skew uint) VerifierOption {
	return func(v *Verifier) {
		v.skew = skew
	}
}

// WithSecretLength sets the generated secret size in bytes
func WithSecretLength(length int) VerifierOption {
	return func(v *Verifier) {
		v.secretLength = length
	}
}

// WithClock overrides the time source, used in tests
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a new Verifier for the given issuer
func NewVerifier(issuer string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		issuer:       issuer,
		skew:         DefaultSkew,
		secretLength: DefaultSecretLength,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// GenerateSecret generates a new base32 shared secret for an account
func (v *Verifier) GenerateSecret(accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		SecretSize:  uint(v.secretLength),
		Period:      Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Error("Failed to generate totp secret", "accountName", accountName, "issuer", v.issuer, "error", err)
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// ProvisioningURI builds the otpauth:// URI an authenticator app enrolls from
func (v *Verifier) ProvisioningURI(accountName, secret string) string {
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", v.issuer)
	query.Set("algorithm", "SHA1")
	query.Set("digits", "6")
	query.Set("period", fmt.Sprintf("%d", Period))

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + v.issuer + ":" + accountName,
		RawQuery: query.Encode(),
	}
	return u.String()
}

// Verify checks a six-digit code against the secret, accepting codes from
// the configured skew window around the current time step
func (v *Verifier) Verify(secret, code string) (bool, error) {
	valid, err := totp.ValidateCustom(code, secret, v.now().UTC(), totp.ValidateOpts{
		Period:    Period,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		if err == otp.ErrValidateInputInvalidLength {
			return false, nil
		}
		slog.Error("Failed to validate totp passcode", "error", err)
		return false, fmt.Errorf("failed to validate totp passcode: %w", err)
	}
	return valid, nil
}
