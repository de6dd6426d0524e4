package passkey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifactor/verifactor/pkg/errors"
)

func setupService(t *testing.T) (*Service, *InMemRepository) {
	t.Helper()

	repo := NewInMemRepository()
	svc, err := NewService(Config{
		RelyingPartyID:   "example.com",
		RelyingPartyName: "Example",
		Origins:          []string{"https://example.com"},
	}, repo)
	require.NoError(t, err)
	return svc, repo
}

func seedCredential(t *testing.T, repo *InMemRepository, accountID uuid.UUID, name string) *Credential {
	t.Helper()

	credential := &Credential{
		AccountID: accountID,
		Name:      name,
		Credential: webauthn.Credential{
			ID:        []byte("credential-" + name),
			PublicKey: []byte("public-key-" + name),
		},
	}
	require.NoError(t, repo.Create(context.Background(), credential))
	return credential
}

func TestService_BeginRegistration(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)
	accountID := uuid.New()

	creation, sessionID, err := svc.BeginRegistration(ctx, accountID, "user@example.com", "My laptop")
	require.NoError(t, err)
	require.NotNil(t, creation)
	assert.NotEmpty(t, sessionID)
	assert.NotEmpty(t, creation.Response.Challenge)
	assert.Equal(t, "example.com", creation.Response.RelyingParty.ID)
}

func TestService_BeginRegistrationValidatesName(t *testing.T) {
	ctx := context.Background()
	svc, repo := setupService(t)
	accountID := uuid.New()

	_, _, err := svc.BeginRegistration(ctx, accountID, "user@example.com", "   ")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))

	_, _, err = svc.BeginRegistration(ctx, accountID, "user@example.com", strings.Repeat("x", MaxNameLength+1))
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))

	seedCredential(t, repo, accountID, "My laptop")
	_, _, err = svc.BeginRegistration(ctx, accountID, "user@example.com", "my LAPTOP")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
}

func TestService_BeginRegistrationEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	svc, repo := setupService(t)
	accountID := uuid.New()

	for _, name := range []string{"one", "two", "three"} {
		seedCredential(t, repo, accountID, name)
	}

	_, _, err := svc.BeginRegistration(ctx, accountID, "user@example.com", "four")
	assert.True(t, errors.IsCode(err, errors.ErrCodeLimitExceeded))
}

func TestService_BeginRegistrationExcludesExisting(t *testing.T) {
	ctx := context.Background()
	svc, repo := setupService(t)
	accountID := uuid.New()

	existing := seedCredential(t, repo, accountID, "My laptop")

	creation, _, err := svc.BeginRegistration(ctx, accountID, "user@example.com", "My phone")
	require.NoError(t, err)

	require.Len(t, creation.Response.CredentialExcludeList, 1)
	assert.Equal(t, existing.Credential.Descriptor().CredentialID,
		creation.Response.CredentialExcludeList[0].CredentialID)
}

func TestService_FinishRegistrationWithoutSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	_, err := svc.FinishRegistration(ctx, uuid.New(), "no-such-session", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCeremonyFailed))
}

func TestService_BeginLogin(t *testing.T) {
	ctx := context.Background()
	svc, repo := setupService(t)
	accountID := uuid.New()

	_, _, err := svc.BeginLogin(ctx, accountID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMethodNotEnabled))

	existing := seedCredential(t, repo, accountID, "My laptop")

	assertion, sessionID, err := svc.BeginLogin(ctx, accountID)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	require.Len(t, assertion.Response.AllowedCredentials, 1)
	assert.Equal(t, existing.Credential.Descriptor().CredentialID,
		assertion.Response.AllowedCredentials[0].CredentialID)
}

func TestService_FinishLoginWithoutSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	_, err := svc.FinishLogin(ctx, uuid.New(), "no-such-session", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCeremonyFailed))
}

func TestService_BeginDiscoverableLogin(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	assertion, sessionID, err := svc.BeginDiscoverableLogin(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.NotEmpty(t, assertion.Response.Challenge)
	assert.Empty(t, assertion.Response.AllowedCredentials)
}

func TestService_Rename(t *testing.T) {
	ctx := context.Background()
	svc, repo := setupService(t)
	accountID := uuid.New()

	credential := seedCredential(t, repo, accountID, "My laptop")
	seedCredential(t, repo, accountID, "My phone")

	renamed, err := svc.Rename(ctx, accountID, credential.ID, "Work laptop")
	require.NoError(t, err)
	assert.Equal(t, "Work laptop", renamed.Name)

	// Renaming onto an existing label is rejected
	_, err = svc.Rename(ctx, accountID, credential.ID, "My phone")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))

	// The passkey's own label does not count as taken, so a no-op rename
	// and a case change both pass
	renamed, err = svc.Rename(ctx, accountID, credential.ID, "Work laptop")
	require.NoError(t, err)
	assert.Equal(t, "Work laptop", renamed.Name)
	renamed, err = svc.Rename(ctx, accountID, credential.ID, "WORK laptop")
	require.NoError(t, err)
	assert.Equal(t, "WORK laptop", renamed.Name)

	// Unknown passkey
	_, err = svc.Rename(ctx, accountID, uuid.New(), "Another name")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

// ctxCapturingRepository records the context its lookups run under
type ctxCapturingRepository struct {
	Repository
	lastCtx context.Context
}

func (r *ctxCapturingRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Credential, error) {
	r.lastCtx = ctx
	return r.Repository.ListByAccount(ctx, accountID)
}

func TestService_DiscoverableHandlerUsesCeremonyContext(t *testing.T) {
	inner := NewInMemRepository()
	repo := &ctxCapturingRepository{Repository: inner}
	svc, err := NewService(Config{
		RelyingPartyID:   "example.com",
		RelyingPartyName: "Example",
		Origins:          []string{"https://example.com"},
	}, repo)
	require.NoError(t, err)

	accountID := uuid.New()
	seedCredential(t, inner, accountID, "My laptop")

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "ceremony")

	var resolved uuid.UUID
	handler := svc.discoverableUserHandler(ctx, &resolved)
	user, err := handler(nil, accountID[:])
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, accountID, resolved)

	// Repository lookups run under the ceremony's context, not a detached one
	require.NotNil(t, repo.lastCtx)
	assert.Equal(t, "ceremony", repo.lastCtx.Value(ctxKey{}))

	// An unknown handle reports no credentials
	unknown := uuid.New()
	_, err = handler(nil, unknown[:])
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	svc, repo := setupService(t)
	accountID := uuid.New()

	credential := seedCredential(t, repo, accountID, "My laptop")

	require.NoError(t, svc.Delete(ctx, accountID, credential.ID))

	enabled, err := svc.Enabled(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, enabled)

	err = svc.Delete(ctx, accountID, credential.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	// An account cannot delete another account's passkey
	other := seedCredential(t, repo, uuid.New(), "Other laptop")
	err = svc.Delete(ctx, accountID, other.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestSessionStore_SingleUse(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Minute)
	accountID := uuid.New()

	id := store.Put(ctx, accountID, ceremonyRegistration, "My laptop", webauthn.SessionData{Challenge: "abc"})

	data, name, err := store.Take(ctx, id, accountID, ceremonyRegistration)
	require.NoError(t, err)
	assert.Equal(t, "abc", data.Challenge)
	assert.Equal(t, "My laptop", name)

	_, _, err = store.Take(ctx, id, accountID, ceremonyRegistration)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_PurposeAndAccountMustMatch(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Minute)
	accountID := uuid.New()

	id := store.Put(ctx, accountID, ceremonyRegistration, "", webauthn.SessionData{})
	_, _, err := store.Take(ctx, id, accountID, ceremonyLogin)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	id = store.Put(ctx, accountID, ceremonyLogin, "", webauthn.SessionData{})
	_, _, err = store.Take(ctx, id, uuid.New(), ceremonyLogin)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Minute)
	current := time.Now()
	store.now = func() time.Time { return current }
	accountID := uuid.New()

	id := store.Put(ctx, accountID, ceremonyLogin, "", webauthn.SessionData{})
	current = current.Add(time.Minute + time.Second)

	_, _, err := store.Take(ctx, id, accountID, ceremonyLogin)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
