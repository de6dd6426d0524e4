package totp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlzd/gotp"
)

func TestVerifier_GenerateSecret(t *testing.T) {
	v := NewVerifier("verifactor")

	secret, err := v.GenerateSecret("user@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	other, err := v.GenerateSecret("user@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

func TestVerifier_ProvisioningURI(t *testing.T) {
	v := NewVerifier("verifactor")
	uri := v.ProvisioningURI("user@example.com", "JBSWY3DPEHPK3PXP")

	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/"))
	assert.Contains(t, uri, "secret=JBSWY3DPEHPK3PXP")
	assert.Contains(t, uri, "issuer=verifactor")
	assert.Contains(t, uri, "period=30")
	assert.Contains(t, uri, "digits=6")
}

func TestVerifier_VerifyCurrentCode(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC)
	v := NewVerifier("verifactor", WithClock(func() time.Time { return fixed }))

	secret, err := v.GenerateSecret("user@example.com")
	require.NoError(t, err)

	// Generate the expected code with an independent implementation
	code := gotp.NewDefaultTOTP(secret).At(fixed.Unix())

	valid, err := v.Verify(secret, code)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifier_VerifyAcceptsAdjacentStep(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC)
	v := NewVerifier("verifactor", WithClock(func() time.Time { return fixed }))

	secret, err := v.GenerateSecret("user@example.com")
	require.NoError(t, err)

	totpGen := gotp.NewDefaultTOTP(secret)

	// One step back and one step forward fall inside the default skew
	for _, offset := range []int64{-Period, Period} {
		valid, err := v.Verify(secret, totpGen.At(fixed.Unix()+offset))
		require.NoError(t, err)
		assert.True(t, valid, "offset %d", offset)
	}

	// Two steps away falls outside
	valid, err := v.Verify(secret, totpGen.At(fixed.Unix()+2*Period))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifier_VerifyRejectsBadInput(t *testing.T) {
	v := NewVerifier("verifactor")

	secret, err := v.GenerateSecret("user@example.com")
	require.NoError(t, err)

	valid, err := v.Verify(secret, "000000")
	require.NoError(t, err)
	assert.False(t, valid)

	// Wrong length reads as a failed check, not an error
	valid, err = v.Verify(secret, "123")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifier_SecretLengthOption(t *testing.T) {
	v := NewVerifier("verifactor", WithSecretLength(32))

	secret, err := v.GenerateSecret("user@example.com")
	require.NoError(t, err)

	// 32 bytes base32-encode to more characters than the 16-byte default
	defaultSecret, err := NewVerifier("verifactor").GenerateSecret("user@example.com")
	require.NoError(t, err)
	assert.Greater(t, len(secret), len(defaultSecret))
}
