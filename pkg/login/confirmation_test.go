package login

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupChecker(t *testing.T, accountID uuid.UUID, password string) *DefaultPasswordChecker {
	t.Helper()

	repo := NewInMemCredentialRepository()
	hasher := &BcryptHasher{}
	hash, err := hasher.Hash(password)
	require.NoError(t, err)
	require.NoError(t, repo.SetPasswordHash(context.Background(), accountID, hash))

	return NewDefaultPasswordChecker(repo, hasher)
}

func TestDefaultPasswordChecker_CheckPassword(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	checker := setupChecker(t, accountID, "correct-horse")

	match, err := checker.CheckPassword(ctx, accountID, "correct-horse")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = checker.CheckPassword(ctx, accountID, "wrong")
	require.NoError(t, err)
	assert.False(t, match)

	// Unknown account reads as a failed check, not an error
	match, err = checker.CheckPassword(ctx, uuid.New(), "correct-horse")
	require.NoError(t, err)
	assert.False(t, match)
}

func TestConfirmationService_ReceiptLifecycle(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	checker := setupChecker(t, accountID, "correct-horse")

	current := time.Now()
	svc := NewConfirmationService(checker, 3*time.Minute, WithConfirmationClock(func() time.Time {
		return current
	}))

	assert.False(t, svc.IsConfirmed(ctx, accountID, "session-1"))

	ok, err := svc.Confirm(ctx, accountID, "session-1", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, svc.IsConfirmed(ctx, accountID, "session-1"))

	ok, err = svc.Confirm(ctx, accountID, "session-1", "correct-horse")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, svc.IsConfirmed(ctx, accountID, "session-1"))

	// Receipts are scoped to the session that confirmed
	assert.False(t, svc.IsConfirmed(ctx, accountID, "session-2"))

	// Receipt expires after the window
	current = current.Add(3*time.Minute + time.Second)
	assert.False(t, svc.IsConfirmed(ctx, accountID, "session-1"))
}

func TestConfirmationService_Invalidate(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	checker := setupChecker(t, accountID, "correct-horse")
	svc := NewConfirmationService(checker, 3*time.Minute)

	ok, err := svc.Confirm(ctx, accountID, "session-1", "correct-horse")
	require.NoError(t, err)
	require.True(t, ok)

	svc.Invalidate(ctx, accountID, "session-1")
	assert.False(t, svc.IsConfirmed(ctx, accountID, "session-1"))
}
