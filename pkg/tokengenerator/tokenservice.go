package tokengenerator

import (
	"fmt"
	"net/http"
	"time"
)

// TokenService issues the tokens that complete a successful login.
type TokenService interface {
	GenerateTokens(subject string, extraClaims map[string]interface{}) ([]TokenValue, error)
}

type DefaultTokenService struct {
	accessGen     TokenGenerator
	refreshGen    TokenGenerator
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

func NewDefaultTokenService(accessGen, refreshGen TokenGenerator, accessExpiry, refreshExpiry time.Duration) *DefaultTokenService {
	if accessExpiry == 0 {
		accessExpiry = DefaultAccessTokenExpiry
	}
	if refreshExpiry == 0 {
		refreshExpiry = DefaultRefreshTokenExpiry
	}
	return &DefaultTokenService{
		accessGen:     accessGen,
		refreshGen:    refreshGen,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

// GenerateTokens issues the access and refresh token pair for the subject.
func (s *DefaultTokenService) GenerateTokens(subject string, extraClaims map[string]interface{}) ([]TokenValue, error) {
	accessToken, accessExpiry, err := s.accessGen.GenerateToken(subject, s.accessExpiry, extraClaims)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, refreshExpiry, err := s.refreshGen.GenerateToken(subject, s.refreshExpiry, extraClaims)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return []TokenValue{
		{Name: ACCESS_TOKEN_NAME, Token: accessToken, Expiry: accessExpiry},
		{Name: REFRESH_TOKEN_NAME, Token: refreshToken, Expiry: refreshExpiry},
	}, nil
}

// TokenCookieService manages tokens in HTTP cookies.
type TokenCookieService interface {
	SetTokensCookie(w http.ResponseWriter, tokens []TokenValue) error
	ClearCookies(w http.ResponseWriter)
}

type DefaultTokenCookieService struct {
	Path     string
	HttpOnly bool
	Secure   bool
	SameSite http.SameSite
}

func NewDefaultTokenCookieService(path string, httpOnly, secure bool, sameSite http.SameSite) *DefaultTokenCookieService {
	return &DefaultTokenCookieService{
		Path:     path,
		HttpOnly: httpOnly,
		Secure:   secure,
		SameSite: sameSite,
	}
}

func (s *DefaultTokenCookieService) SetTokensCookie(w http.ResponseWriter, tokens []TokenValue) error {
	for _, token := range tokens {
		http.SetCookie(w, &http.Cookie{
			Name:     token.Name,
			Value:    token.Token,
			Expires:  token.Expiry,
			Path:     s.Path,
			HttpOnly: s.HttpOnly,
			Secure:   s.Secure,
			SameSite: s.SameSite,
		})
	}
	return nil
}

func (s *DefaultTokenCookieService) ClearCookies(w http.ResponseWriter) {
	for _, name := range []string{ACCESS_TOKEN_NAME, REFRESH_TOKEN_NAME} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     s.Path,
			MaxAge:   -1,
			HttpOnly: s.HttpOnly,
			Secure:   s.Secure,
			SameSite: s.SameSite,
		})
	}
}
