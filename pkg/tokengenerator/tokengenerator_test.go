package tokengenerator

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJwtTokenGenerator_GenerateAndParse(t *testing.T) {
	gen := NewJwtTokenGenerator("test-secret", "verifactor", "verifactor-app")

	tokenStr, expiry, err := gen.GenerateToken("account-123", 15*time.Minute, map[string]interface{}{
		"login_id": "abc",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tokenStr)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), expiry, 5*time.Second)

	token, err := gen.ParseToken(tokenStr)
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	subject, err := claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "account-123", subject)
	issuer, err := claims.GetIssuer()
	require.NoError(t, err)
	assert.Equal(t, "verifactor", issuer)

	extra, ok := claims["extra_claims"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "abc", extra["login_id"])
}

func TestJwtTokenGenerator_ParseRejectsWrongSecret(t *testing.T) {
	gen := NewJwtTokenGenerator("secret-a", "verifactor", "verifactor-app")
	other := NewJwtTokenGenerator("secret-b", "verifactor", "verifactor-app")

	tokenStr, _, err := gen.GenerateToken("account-123", time.Minute, nil)
	require.NoError(t, err)

	_, err = other.ParseToken(tokenStr)
	assert.Error(t, err)
}

func TestJwtTokenGenerator_ParseRejectsExpired(t *testing.T) {
	gen := NewJwtTokenGenerator("test-secret", "verifactor", "verifactor-app")

	tokenStr, _, err := gen.GenerateToken("account-123", -time.Minute, nil)
	require.NoError(t, err)

	_, err = gen.ParseToken(tokenStr)
	assert.Error(t, err)
}

func TestDefaultTokenService_GenerateTokens(t *testing.T) {
	gen := NewJwtTokenGenerator("test-secret", "verifactor", "verifactor-app")
	svc := NewDefaultTokenService(gen, gen, 0, 0)

	tokens, err := svc.GenerateTokens("account-123", nil)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	assert.Equal(t, ACCESS_TOKEN_NAME, tokens[0].Name)
	assert.Equal(t, REFRESH_TOKEN_NAME, tokens[1].Name)
	assert.True(t, tokens[1].Expiry.After(tokens[0].Expiry))

	for _, tok := range tokens {
		parsed, err := gen.ParseToken(tok.Token)
		require.NoError(t, err)
		assert.True(t, parsed.Valid)
	}
}
