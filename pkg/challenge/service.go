// Package challenge drives the second-factor verification step of a login:
// a pending login is created after first-factor success, the user selects
// an enabled method, and a successful verification issues session tokens.
package challenge

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/verifactor/verifactor/pkg/config"
	"github.com/verifactor/verifactor/pkg/emailcode"
	"github.com/verifactor/verifactor/pkg/enrollment"
	"github.com/verifactor/verifactor/pkg/errors"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/passkey"
	"github.com/verifactor/verifactor/pkg/ratelimit"
	"github.com/verifactor/verifactor/pkg/recoverycodes"
	"github.com/verifactor/verifactor/pkg/secrets"
	"github.com/verifactor/verifactor/pkg/tokengenerator"
	"github.com/verifactor/verifactor/pkg/totp"
	"github.com/verifactor/verifactor/pkg/utils"
)

// Payload carries the proof for one verification attempt. Exactly one
// field is set, matching the method being verified.
type Payload struct {
	// Code is a TOTP code, emailed code or recovery code
	Code string

	// Assertion is a parsed WebAuthn assertion response for passkeys
	Assertion *protocol.ParsedCredentialAssertionData
}

// Selection is the outcome of picking a verification method
type Selection struct {
	Method mfa.Method

	// Assertion holds the ceremony options when the passkey method was
	// selected; nil otherwise
	Assertion *protocol.CredentialAssertion
}

// Service runs the second-factor challenge state machine
type Service struct {
	enrollment *enrollment.Service
	repository mfa.Repository
	encryptor  *secrets.EncryptionService
	verifier   *totp.Verifier
	emailCodes *emailcode.Service
	passkeys   *passkey.Service
	recovery   *recoverycodes.Vault
	pending    PendingLoginStore
	limiter    ratelimit.Limiter
	tokens     tokengenerator.TokenService
	rateLimits config.RateLimitConfig
	pendingTTL time.Duration
	features   config.Features
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source, used in tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a challenge service
func NewService(
	enrollmentService *enrollment.Service,
	repository mfa.Repository,
	encryptor *secrets.EncryptionService,
	verifier *totp.Verifier,
	emailCodes *emailcode.Service,
	passkeys *passkey.Service,
	recovery *recoverycodes.Vault,
	pending PendingLoginStore,
	limiter ratelimit.Limiter,
	tokens tokengenerator.TokenService,
	rateLimits config.RateLimitConfig,
	features config.Features,
	opts ...Option,
) *Service {
	s := &Service{
		enrollment: enrollmentService,
		repository: repository,
		encryptor:  encryptor,
		verifier:   verifier,
		emailCodes: emailCodes,
		passkeys:   passkeys,
		recovery:   recovery,
		pending:    pending,
		limiter:    limiter,
		tokens:     tokens,
		rateLimits: rateLimits,
		pendingTTL: features.PendingLoginTTL,
		features:   features,
		now:        time.Now,
	}
	if s.pendingTTL == 0 {
		s.pendingTTL = DefaultPendingLoginTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens a challenge for an account that passed its first factor.
// When preselect names an enabled method it is selected immediately, with
// an email code dispatched for the email method.
func (s *Service) Start(ctx context.Context, accountID uuid.UUID, email, username string, preselect mfa.Method) (*PendingLogin, *Selection, error) {
	methods, err := s.enrollment.EnabledMethods(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if len(methods) == 0 {
		return nil, nil, errors.New(errors.ErrCodeMethodNotEnabled, "no two-factor methods are enabled for this account")
	}

	now := s.now().UTC()
	pending := &PendingLogin{
		ID:        uuid.New(),
		AccountID: accountID,
		Email:     email,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.pendingTTL),
	}
	if err := s.pending.Create(ctx, pending); err != nil {
		return nil, nil, fmt.Errorf("failed to create pending login: %w", err)
	}

	slog.Info("Started two-factor challenge", "pendingID", pending.ID, "accountID", accountID, "methods", methods)

	if preselect == "" {
		preselect = soleCodeMethod(methods)
	}
	if preselect != "" && methodIn(methods, preselect) {
		selection, err := s.SelectMethod(ctx, pending.ID, preselect)
		if err != nil {
			return nil, nil, err
		}
		return pending, selection, nil
	}
	return pending, nil, nil
}

// soleCodeMethod returns the only enabled code-based method, or "" when the
// user has a real choice to make. Passkeys and recovery codes never
// pre-select: both need an explicit user gesture first.
func soleCodeMethod(methods []mfa.Method) mfa.Method {
	selected := mfa.Method("")
	for _, m := range methods {
		if m != mfa.MethodTotp && m != mfa.MethodEmail {
			continue
		}
		if selected != "" {
			return ""
		}
		selected = m
	}
	return selected
}

// Methods returns the verification methods available to a pending login
func (s *Service) Methods(ctx context.Context, pendingID uuid.UUID) ([]mfa.Method, error) {
	pending, err := s.load(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	return s.enrollment.EnabledMethods(ctx, pending.AccountID)
}

// SelectMethod picks how the pending login will be verified. Selecting
// email dispatches a code; selecting passkey begins the assertion ceremony
// and returns its options.
func (s *Service) SelectMethod(ctx context.Context, pendingID uuid.UUID, method mfa.Method) (*Selection, error) {
	pending, err := s.load(ctx, pendingID)
	if err != nil {
		return nil, err
	}

	methods, err := s.enrollment.EnabledMethods(ctx, pending.AccountID)
	if err != nil {
		return nil, err
	}
	if !methodIn(methods, method) {
		return nil, errors.New(errors.ErrCodeMethodNotEnabled,
			fmt.Sprintf("method %s is not enabled for this account", method))
	}

	selection := &Selection{Method: method}

	switch method {
	case mfa.MethodEmail:
		if err := s.emailCodes.Send(ctx, pending.AccountID, pending.Email, pending.ID.String()); err != nil {
			return nil, err
		}
	case mfa.MethodPasskey:
		assertion, sessionID, err := s.passkeys.BeginLogin(ctx, pending.AccountID)
		if err != nil {
			return nil, err
		}
		selection.Assertion = assertion
		pending.PasskeySessionID = sessionID
	}

	pending.SelectedMethod = method
	if err := s.pending.Update(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to update pending login: %w", err)
	}
	return selection, nil
}

// ResendEmailCode dispatches another code for a pending login that
// selected the email method. Deliveries share the per-login rate limit.
func (s *Service) ResendEmailCode(ctx context.Context, pendingID uuid.UUID) error {
	pending, err := s.load(ctx, pendingID)
	if err != nil {
		return err
	}
	if pending.SelectedMethod != mfa.MethodEmail {
		return errors.New(errors.ErrCodeMethodNotEnabled, "the email method is not selected for this login")
	}
	return s.emailCodes.Send(ctx, pending.AccountID, pending.Email, pending.ID.String())
}

// Verify checks the submitted proof. Attempts are rate limited per pending
// login before any verification work happens; a successful verification
// consumes the pending login and issues the session tokens.
func (s *Service) Verify(ctx context.Context, pendingID uuid.UUID, method mfa.Method, payload Payload) ([]tokengenerator.TokenValue, error) {
	pending, err := s.load(ctx, pendingID)
	if err != nil {
		return nil, err
	}

	// Failed attempts count against the limit, so the limiter is consulted
	// before the proof is examined
	limitKey := "two-factor-login:" + pending.ID.String()
	decision, err := s.limiter.Attempt(ctx, limitKey, s.rateLimits.TwoFactorLoginLimit, s.rateLimits.TwoFactorLoginWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to check login rate limit: %w", err)
	}
	if !decision.Allowed {
		slog.Warn("Two-factor verification rate limited", "pendingID", pending.ID)
		return nil, errors.RateLimited(decision.RetryAfter)
	}

	methods, err := s.enrollment.EnabledMethods(ctx, pending.AccountID)
	if err != nil {
		return nil, err
	}
	if !methodIn(methods, method) {
		return nil, errors.New(errors.ErrCodeMethodNotEnabled,
			fmt.Sprintf("method %s is not enabled for this account", method))
	}

	if err := s.dispatch(ctx, pending, method, payload); err != nil {
		return nil, err
	}

	// Success: the pending login is single use
	if err := s.pending.Complete(ctx, pending.ID); err != nil {
		if stderrors.Is(err, ErrPendingLoginNotFound) {
			return nil, errors.NoPendingLogin()
		}
		return nil, fmt.Errorf("failed to complete pending login: %w", err)
	}
	if err := s.limiter.Reset(ctx, limitKey); err != nil {
		slog.Warn("Failed to reset login rate limit", "pendingID", pending.ID, "error", err)
	}

	slog.Info("Two-factor challenge completed", "pendingID", pending.ID, "accountID", pending.AccountID, "method", method)
	return s.tokens.GenerateTokens(pending.AccountID.String(), map[string]interface{}{
		"login_method": string(method),
	})
}

func (s *Service) dispatch(ctx context.Context, pending *PendingLogin, method mfa.Method, payload Payload) error {
	switch method {
	case mfa.MethodTotp:
		return s.verifyTotp(ctx, pending.AccountID, payload.Code)
	case mfa.MethodEmail:
		return s.emailCodes.Verify(ctx, pending.AccountID, payload.Code)
	case mfa.MethodRecoveryCode:
		return s.recovery.Consume(ctx, pending.AccountID, payload.Code)
	case mfa.MethodPasskey:
		if payload.Assertion == nil || pending.PasskeySessionID == "" {
			return errors.New(errors.ErrCodeCeremonyFailed, "no passkey ceremony in progress")
		}
		_, err := s.passkeys.FinishLogin(ctx, pending.AccountID, pending.PasskeySessionID, payload.Assertion)
		return err
	default:
		return errors.ValidationFailed("method", fmt.Sprintf("unknown method %s", method))
	}
}

func (s *Service) verifyTotp(ctx context.Context, accountID uuid.UUID, code string) error {
	record, err := s.repository.Get(ctx, accountID)
	if err != nil {
		if stderrors.Is(err, mfa.ErrRecordNotFound) {
			return errors.AuthFailed()
		}
		return fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if !record.TotpEnabled() {
		return errors.AuthFailed()
	}

	secret, err := s.encryptor.Decrypt(record.TotpSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt totp secret: %w", err)
	}
	valid, err := s.verifier.Verify(secret, code)
	if err != nil {
		return err
	}
	if !valid {
		return errors.AuthFailed()
	}
	return nil
}

func (s *Service) load(ctx context.Context, pendingID uuid.UUID) (*PendingLogin, error) {
	pending, err := s.pending.Get(ctx, pendingID)
	if err != nil {
		if stderrors.Is(err, ErrPendingLoginNotFound) {
			return nil, errors.NoPendingLogin()
		}
		return nil, fmt.Errorf("failed to load pending login: %w", err)
	}
	return pending, nil
}

// BeginPasskeyLogin starts a usernameless passkey login, for passkey as a
// single factor
func (s *Service) BeginPasskeyLogin(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	if !s.features.SinglePasskeyLoginAllowed() {
		return nil, "", errors.New(errors.ErrCodeMethodNotEnabled, "passkey login is not available")
	}
	return s.passkeys.BeginDiscoverableLogin(ctx)
}

// FinishPasskeyLogin completes a usernameless passkey login and issues the
// session tokens. Attempts are rate limited per username and client
// address before the assertion is examined.
func (s *Service) FinishPasskeyLogin(ctx context.Context, sessionID, username, remoteAddr string, response *protocol.ParsedCredentialAssertionData) ([]tokengenerator.TokenValue, error) {
	if !s.features.SinglePasskeyLoginAllowed() {
		return nil, errors.New(errors.ErrCodeMethodNotEnabled, "passkey login is not available")
	}

	limitKey := "passkey-login:" + utils.NormalizeThrottleKey(username, remoteAddr)
	decision, err := s.limiter.Attempt(ctx, limitKey, s.rateLimits.PasskeyLoginLimit, s.rateLimits.PasskeyLoginWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to check passkey login rate limit: %w", err)
	}
	if !decision.Allowed {
		slog.Warn("Passkey login rate limited", "username", username, "remoteAddr", remoteAddr)
		return nil, errors.RateLimited(decision.RetryAfter)
	}

	accountID, err := s.passkeys.FinishDiscoverableLogin(ctx, sessionID, response)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Reset(ctx, limitKey); err != nil {
		slog.Warn("Failed to reset passkey login rate limit", "username", username, "error", err)
	}

	slog.Info("Passkey login completed", "accountID", accountID)
	return s.tokens.GenerateTokens(accountID.String(), map[string]interface{}{
		"login_method": string(mfa.MethodPasskey),
	})
}

func methodIn(methods []mfa.Method, method mfa.Method) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
