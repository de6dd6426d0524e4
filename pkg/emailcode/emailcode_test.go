package emailcode

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifactor/verifactor/pkg/errors"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/notification"
	"github.com/verifactor/verifactor/pkg/ratelimit"
	"github.com/verifactor/verifactor/pkg/secrets"
)

type serviceFixture struct {
	service  *Service
	repo     *mfa.InMemRepository
	notifier *notification.MockNotifier
	now      *time.Time
}

func setupService(t *testing.T, opts ...Option) *serviceFixture {
	t.Helper()

	repo := mfa.NewInMemRepository()
	encryptor, err := secrets.NewEncryptionService("test-encryption-key-32-characters")
	require.NoError(t, err)
	mock := &notification.MockNotifier{}
	manager := notification.NewManager(mock)
	limiter := ratelimit.NewMemoryLimiter(0)

	now := time.Now().UTC()
	clockOpt := WithClock(func() time.Time { return now })

	svc := NewService(repo, encryptor, manager, limiter, append([]Option{clockOpt}, opts...)...)
	return &serviceFixture{service: svc, repo: repo, notifier: mock, now: &now}
}

func sentCode(t *testing.T, notifier *notification.MockNotifier) string {
	t.Helper()
	data, ok := notifier.LastSent()
	require.True(t, ok, "expected a notification to have been sent")
	code, ok := data.Data["Code"]
	require.True(t, ok)
	return code
}

func TestService_SendAndVerify(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)
	accountID := uuid.New()

	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", ""))

	code := sentCode(t, f.notifier)
	require.Len(t, code, DefaultCodeLength)

	// The stored code is encrypted, not the plaintext
	record, err := f.repo.Get(ctx, accountID)
	require.NoError(t, err)
	assert.NotEmpty(t, record.EmailCode)
	assert.NotEqual(t, code, record.EmailCode)

	require.NoError(t, f.service.Verify(ctx, accountID, code))
}

func TestService_VerifyWrongCode(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)
	accountID := uuid.New()

	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", ""))

	err := f.service.Verify(ctx, accountID, "000000")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthFailed))
}

func TestService_VerifyIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)
	accountID := uuid.New()

	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", ""))
	code := sentCode(t, f.notifier)

	require.NoError(t, f.service.Verify(ctx, accountID, code))

	// Replaying the verified code fails
	err := f.service.Verify(ctx, accountID, code)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthFailed))
}

func TestService_VerifyExpiredCode(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)
	accountID := uuid.New()

	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", ""))
	code := sentCode(t, f.notifier)

	*f.now = f.now.Add(DefaultCodeValidity + time.Second)

	err := f.service.Verify(ctx, accountID, code)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExpired))
}

func TestService_VerifyWithoutSend(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)

	err := f.service.Verify(ctx, uuid.New(), "123456")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthFailed))
}

func TestService_SendRateLimited(t *testing.T) {
	ctx := context.Background()
	f := setupService(t, WithNotifyLimit(2, time.Minute))
	accountID := uuid.New()

	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", "pending-1"))
	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", "pending-1"))

	err := f.service.Send(ctx, accountID, "user@example.com", "pending-1")
	require.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))
	assert.Greater(t, errors.RetryAfterSeconds(err), 0)

	// Other throttle keys are unaffected
	assert.NoError(t, f.service.Send(ctx, accountID, "user@example.com", "pending-2"))
}

func TestService_ResendReplacesCode(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)
	accountID := uuid.New()

	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", ""))
	first := sentCode(t, f.notifier)

	require.NoError(t, f.service.Send(ctx, accountID, "user@example.com", ""))
	second := sentCode(t, f.notifier)

	if first != second {
		err := f.service.Verify(ctx, accountID, first)
		assert.True(t, errors.IsCode(err, errors.ErrCodeAuthFailed))
	}
	assert.NoError(t, f.service.Verify(ctx, accountID, second))
}
