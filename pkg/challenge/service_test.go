package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlzd/gotp"

	"github.com/verifactor/verifactor/pkg/config"
	"github.com/verifactor/verifactor/pkg/emailcode"
	"github.com/verifactor/verifactor/pkg/enrollment"
	"github.com/verifactor/verifactor/pkg/errors"
	"github.com/verifactor/verifactor/pkg/login"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/notification"
	"github.com/verifactor/verifactor/pkg/passkey"
	"github.com/verifactor/verifactor/pkg/ratelimit"
	"github.com/verifactor/verifactor/pkg/recoverycodes"
	"github.com/verifactor/verifactor/pkg/secrets"
	"github.com/verifactor/verifactor/pkg/tokengenerator"
	"github.com/verifactor/verifactor/pkg/totp"
)

const (
	testPassword = "correct-horse"
	testSession  = "session-1"
)

type fixture struct {
	service    *Service
	enrollment *enrollment.Service
	accountID  uuid.UUID
	notifier   *notification.MockNotifier
	store      *InMemPendingLoginStore
	tokenGen   *tokengenerator.JwtTokenGenerator
}

func setup(t *testing.T) *fixture {
	t.Helper()

	features := config.DefaultFeatures()
	rateLimits := config.DefaultRateLimitConfig()

	recordRepo := mfa.NewInMemRepository()
	encryptor, err := secrets.NewEncryptionService("test-encryption-key-32-characters")
	require.NoError(t, err)

	notifier := &notification.MockNotifier{}
	manager := notification.NewManager(notifier)
	limiter := ratelimit.NewMemoryLimiter(0)
	emailCodes := emailcode.NewService(recordRepo, encryptor, manager, limiter,
		emailcode.WithNotifyLimit(rateLimits.EmailNotifyLimit, rateLimits.EmailNotifyWindow))

	passkeyRepo := passkey.NewInMemRepository()
	passkeys, err := passkey.NewService(passkey.Config{
		RelyingPartyID:   "example.com",
		RelyingPartyName: "Example",
		Origins:          []string{"https://example.com"},
	}, passkeyRepo)
	require.NoError(t, err)

	vault := recoverycodes.NewVault(recordRepo, encryptor)

	accountID := uuid.New()
	credentials := login.NewInMemCredentialRepository()
	hasher := &login.BcryptHasher{}
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, credentials.SetPasswordHash(context.Background(), accountID, hash))
	checker := login.NewDefaultPasswordChecker(credentials, hasher)
	confirmation := login.NewConfirmationService(checker, features.PasswordConfirmationWindow)

	verifier := totp.NewVerifier("verifactor")
	enrollmentService := enrollment.NewService(recordRepo, encryptor, verifier, emailCodes, passkeys, vault, confirmation, features)

	store := NewInMemPendingLoginStore()
	tokenGen := tokengenerator.NewJwtTokenGenerator("test-secret", "verifactor", "verifactor-app")
	tokens := tokengenerator.NewDefaultTokenService(tokenGen, tokenGen, 0, 0)

	service := NewService(enrollmentService, recordRepo, encryptor, verifier, emailCodes, passkeys, vault,
		store, limiter, tokens, rateLimits, features)

	return &fixture{
		service:    service,
		enrollment: enrollmentService,
		accountID:  accountID,
		notifier:   notifier,
		store:      store,
		tokenGen:   tokenGen,
	}
}

// enrollTotp enables TOTP for the fixture account and returns the secret
func (f *fixture) enrollTotp(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.enrollment.ConfirmPassword(ctx, f.accountID, testSession, testPassword))
	material, err := f.enrollment.EnableTotp(ctx, f.accountID, testSession, "user@example.com")
	require.NoError(t, err)
	require.NoError(t, f.enrollment.ConfirmTotp(ctx, f.accountID, testSession, gotp.NewDefaultTOTP(material.Secret).Now()))
	return material.Secret
}

// enrollEmail enables email codes for the fixture account
func (f *fixture) enrollEmail(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.enrollment.ConfirmPassword(ctx, f.accountID, testSession, testPassword))
	require.NoError(t, f.enrollment.EnableEmail(ctx, f.accountID, testSession, "user@example.com"))
	sent, ok := f.notifier.LastSent()
	require.True(t, ok)
	require.NoError(t, f.enrollment.ConfirmEmail(ctx, f.accountID, testSession, sent.Data["Code"]))
}

func TestService_StartWithoutMethods(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, _, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeMethodNotEnabled))
}

func TestService_TotpChallenge(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	secret := f.enrollTotp(t)

	// The only code method is pre-selected
	pending, selection, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, mfa.MethodTotp, selection.Method)

	methods, err := f.service.Methods(ctx, pending.ID)
	require.NoError(t, err)
	assert.Contains(t, methods, mfa.MethodTotp)

	tokens, err := f.service.Verify(ctx, pending.ID, mfa.MethodTotp, Payload{
		Code: gotp.NewDefaultTOTP(secret).Now(),
	})
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	parsed, err := f.tokenGen.ParseToken(tokens[0].Token)
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	// The pending login is single use
	_, err = f.service.Verify(ctx, pending.ID, mfa.MethodTotp, Payload{
		Code: gotp.NewDefaultTOTP(secret).Now(),
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoPendingLogin))
}

func TestService_VerifyWrongCode(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollTotp(t)

	pending, _, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)

	_, err = f.service.Verify(ctx, pending.ID, mfa.MethodTotp, Payload{Code: "000000"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthFailed))
}

func TestService_VerifyRateLimited(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollTotp(t)

	pending, _, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = f.service.Verify(ctx, pending.ID, mfa.MethodTotp, Payload{Code: "000000"})
		assert.True(t, errors.IsCode(err, errors.ErrCodeAuthFailed), "attempt %d", i)
	}

	_, err = f.service.Verify(ctx, pending.ID, mfa.MethodTotp, Payload{Code: "000000"})
	require.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))
	assert.Greater(t, errors.RetryAfterSeconds(err), 0)
}

func TestService_VerifyNotEnabledMethod(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollTotp(t)

	pending, _, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)

	_, err = f.service.Verify(ctx, pending.ID, mfa.MethodEmail, Payload{Code: "123456"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeMethodNotEnabled))
}

func TestService_EmailChallengeWithPreselect(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollEmail(t)

	pending, selection, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", mfa.MethodEmail)
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, mfa.MethodEmail, selection.Method)

	sent, ok := f.notifier.LastSent()
	require.True(t, ok)

	tokens, err := f.service.Verify(ctx, pending.ID, mfa.MethodEmail, Payload{Code: sent.Data["Code"]})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestService_EmailResendRateLimited(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollEmail(t)

	// The first delivery happens when email is pre-selected on start
	pending, selection, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)
	require.NotNil(t, selection)
	require.Equal(t, mfa.MethodEmail, selection.Method)

	require.NoError(t, f.service.ResendEmailCode(ctx, pending.ID))

	err = f.service.ResendEmailCode(ctx, pending.ID)
	require.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))
	assert.Greater(t, errors.RetryAfterSeconds(err), 0)
}

func TestService_StartPreselectsSoleCodeMethod(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollEmail(t)

	deliveries := len(f.notifier.SentNotifications)

	pending, selection, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, mfa.MethodEmail, selection.Method)

	// Pre-selecting email dispatches the code without a select call
	require.Len(t, f.notifier.SentNotifications, deliveries+1)
	sent, ok := f.notifier.LastSent()
	require.True(t, ok)

	tokens, err := f.service.Verify(ctx, pending.ID, mfa.MethodEmail, Payload{Code: sent.Data["Code"]})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestService_StartLeavesChoiceWithTwoCodeMethods(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollTotp(t)
	f.enrollEmail(t)

	_, selection, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)
	assert.Nil(t, selection)
}

func TestService_SelectMethodNotEnabled(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollTotp(t)

	pending, _, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)

	_, err = f.service.SelectMethod(ctx, pending.ID, mfa.MethodEmail)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMethodNotEnabled))
}

func TestService_RecoveryCodeChallenge(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollTotp(t)

	codes, err := f.enrollment.GenerateRecoveryCodes(ctx, f.accountID, testSession)
	require.NoError(t, err)

	pending, _, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)

	tokens, err := f.service.Verify(ctx, pending.ID, mfa.MethodRecoveryCode, Payload{Code: codes[0]})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	// The redeemed code is gone for the next login
	pending, _, err = f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)
	_, err = f.service.Verify(ctx, pending.ID, mfa.MethodRecoveryCode, Payload{Code: codes[0]})
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthFailed))
}

func TestService_ExpiredPendingLogin(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.enrollTotp(t)

	pending, _, err := f.service.Start(ctx, f.accountID, "user@example.com", "user", "")
	require.NoError(t, err)

	current := time.Now().Add(DefaultPendingLoginTTL + time.Second)
	f.store.now = func() time.Time { return current }

	_, err = f.service.Verify(ctx, pending.ID, mfa.MethodTotp, Payload{Code: "000000"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoPendingLogin))
}

func TestService_PasskeyLoginRateLimited(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for i := 0; i < 5; i++ {
		_, err := f.service.FinishPasskeyLogin(ctx, "no-such-session", "User", "203.0.113.7:4431", nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeCeremonyFailed), "attempt %d", i)
	}

	_, err := f.service.FinishPasskeyLogin(ctx, "no-such-session", "User", "203.0.113.7:4431", nil)
	require.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))

	// A different client address keeps its own budget
	_, err = f.service.FinishPasskeyLogin(ctx, "no-such-session", "User", "198.51.100.2:4431", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCeremonyFailed))
}

func TestService_BeginPasskeyLogin(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	assertion, sessionID, err := f.service.BeginPasskeyLogin(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.NotEmpty(t, assertion.Response.Challenge)
}
