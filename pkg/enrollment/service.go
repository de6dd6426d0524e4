// Package enrollment orchestrates enabling, confirming and disabling the
// account's two-factor methods, behind a fresh-password-confirmation gate.
package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/verifactor/verifactor/pkg/config"
	"github.com/verifactor/verifactor/pkg/emailcode"
	"github.com/verifactor/verifactor/pkg/errors"
	"github.com/verifactor/verifactor/pkg/login"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/passkey"
	"github.com/verifactor/verifactor/pkg/recoverycodes"
	"github.com/verifactor/verifactor/pkg/secrets"
	"github.com/verifactor/verifactor/pkg/totp"
)

// Pending action tags carried on PASSWORD_CONFIRMATION_REQUIRED errors so a
// client can resume the blocked operation after confirming.
const (
	ActionEnableTotp            = "enable_totp"
	ActionConfirmTotp           = "confirm_totp"
	ActionDisableTotp           = "disable_totp"
	ActionShowTotpSetup         = "show_totp_setup"
	ActionEnableEmail           = "enable_email"
	ActionConfirmEmail          = "confirm_email"
	ActionDisableEmail          = "disable_email"
	ActionGenerateRecoveryCodes = "generate_recovery_codes"
	ActionShowRecoveryCodes     = "show_recovery_codes"
	ActionDisableRecoveryCodes  = "disable_recovery_codes"
	ActionAddPasskey            = "add_passkey"
	ActionRenamePasskey         = "rename_passkey"
	ActionDeletePasskey         = "delete_passkey"
)

const saveRetries = 3

// TotpMaterial is handed to the client once when TOTP enrollment begins
type TotpMaterial struct {
	Secret          string
	ProvisioningURI string
}

// MethodStatus describes one method's enrollment state for an account
type MethodStatus struct {
	Method    mfa.Method
	Available bool
	Enabled   bool
	Pending   bool
}

// Service orchestrates two-factor enrollment for accounts
type Service struct {
	repository   mfa.Repository
	encryptor    *secrets.EncryptionService
	totpVerifier *totp.Verifier
	emailCodes   *emailcode.Service
	passkeys     *passkey.Service
	recovery     *recoverycodes.Vault
	confirmation *login.ConfirmationService
	features     config.Features
	now          func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source, used in tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an enrollment service
func NewService(
	repository mfa.Repository,
	encryptor *secrets.EncryptionService,
	totpVerifier *totp.Verifier,
	emailCodes *emailcode.Service,
	passkeys *passkey.Service,
	recovery *recoverycodes.Vault,
	confirmation *login.ConfirmationService,
	features config.Features,
	opts ...Option,
) *Service {
	s := &Service{
		repository:   repository,
		encryptor:    encryptor,
		totpVerifier: totpVerifier,
		emailCodes:   emailCodes,
		passkeys:     passkeys,
		recovery:     recovery,
		confirmation: confirmation,
		features:     features,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConfirmPassword records a fresh password confirmation for the session
func (s *Service) ConfirmPassword(ctx context.Context, accountID uuid.UUID, sessionID, password string) error {
	ok, err := s.confirmation.Confirm(ctx, accountID, sessionID, password)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrCodeAuthFailed, "the provided password is incorrect")
	}
	return nil
}

// gate enforces the password-confirmation requirement for an operation,
// tagging the rejection with the action so the client can resume it
func (s *Service) gate(ctx context.Context, accountID uuid.UUID, sessionID, action string, required bool) error {
	if !required {
		return nil
	}
	if s.confirmation.IsConfirmed(ctx, accountID, sessionID) {
		return nil
	}
	return errors.PasswordConfirmationRequired(action)
}

// mutate loads the record, applies fn and saves it, retrying on version
// conflicts so concurrent enrollment changes serialize cleanly
func (s *Service) mutate(ctx context.Context, accountID uuid.UUID, fn func(*mfa.Record) error) (*mfa.Record, error) {
	for attempt := 0; attempt < saveRetries; attempt++ {
		record, err := s.repository.GetOrNew(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load two-factor record: %w", err)
		}
		if err := fn(record); err != nil {
			return nil, err
		}
		err = s.repository.Save(ctx, record)
		if err == nil {
			return record, nil
		}
		if err != mfa.ErrVersionConflict {
			return nil, fmt.Errorf("failed to save two-factor record: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to save two-factor record: %w", mfa.ErrVersionConflict)
}

// EnableTotp starts TOTP enrollment, generating a fresh secret. Restarting
// a pending enrollment replaces the secret; an already-confirmed method
// must be disabled first.
func (s *Service) EnableTotp(ctx context.Context, accountID uuid.UUID, sessionID, accountName string) (*TotpMaterial, error) {
	if !s.features.Totp.Enabled {
		return nil, errors.New(errors.ErrCodeMethodNotEnabled, "authenticator app support is not available")
	}
	if err := s.gate(ctx, accountID, sessionID, ActionEnableTotp, s.features.Totp.ConfirmPassword); err != nil {
		return nil, err
	}

	var material *TotpMaterial
	_, err := s.mutate(ctx, accountID, func(record *mfa.Record) error {
		if record.TotpEnabled() {
			return errors.New(errors.ErrCodeConflict, "authenticator app is already enabled")
		}

		secret, err := s.totpVerifier.GenerateSecret(accountName)
		if err != nil {
			return err
		}
		encrypted, err := s.encryptor.Encrypt(secret)
		if err != nil {
			return fmt.Errorf("failed to encrypt totp secret: %w", err)
		}

		record.TotpSecret = encrypted
		record.TotpConfirmedAt = nil
		if !s.features.Totp.Confirm {
			now := s.now().UTC()
			record.TotpConfirmedAt = &now
		}

		material = &TotpMaterial{
			Secret:          secret,
			ProvisioningURI: s.totpVerifier.ProvisioningURI(accountName, secret),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Started totp enrollment", "accountID", accountID)
	return material, nil
}

// TotpSetupMaterial re-derives the setup secret and provisioning URI while
// enrollment is still pending, for QR re-display
func (s *Service) TotpSetupMaterial(ctx context.Context, accountID uuid.UUID, sessionID, accountName string) (*TotpMaterial, error) {
	if err := s.gate(ctx, accountID, sessionID, ActionShowTotpSetup, s.features.Totp.ConfirmPassword); err != nil {
		return nil, err
	}

	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if !record.TotpPending() {
		return nil, errors.New(errors.ErrCodeMethodNotEnabled, "authenticator app enrollment has not started")
	}

	secret, err := s.encryptor.Decrypt(record.TotpSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt totp secret: %w", err)
	}
	return &TotpMaterial{
		Secret:          secret,
		ProvisioningURI: s.totpVerifier.ProvisioningURI(accountName, secret),
	}, nil
}

// ConfirmTotp completes TOTP enrollment by verifying a code generated from
// the pending secret
func (s *Service) ConfirmTotp(ctx context.Context, accountID uuid.UUID, sessionID, code string) error {
	if err := s.gate(ctx, accountID, sessionID, ActionConfirmTotp, s.features.Totp.ConfirmPassword); err != nil {
		return err
	}

	_, err := s.mutate(ctx, accountID, func(record *mfa.Record) error {
		if record.TotpEnabled() {
			return errors.New(errors.ErrCodeConflict, "authenticator app is already enabled")
		}
		if !record.TotpPending() {
			return errors.New(errors.ErrCodeMethodNotEnabled, "authenticator app enrollment has not started")
		}

		secret, err := s.encryptor.Decrypt(record.TotpSecret)
		if err != nil {
			return fmt.Errorf("failed to decrypt totp secret: %w", err)
		}
		valid, err := s.totpVerifier.Verify(secret, code)
		if err != nil {
			return err
		}
		if !valid {
			return errors.AuthFailed()
		}

		now := s.now().UTC()
		record.TotpConfirmedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Confirmed totp enrollment", "accountID", accountID)
	return nil
}

// DisableTotp turns the method off. Disabling a method that is not enabled
// is a no-op.
func (s *Service) DisableTotp(ctx context.Context, accountID uuid.UUID, sessionID string) error {
	if err := s.gate(ctx, accountID, sessionID, ActionDisableTotp, s.features.Totp.ConfirmPassword); err != nil {
		return err
	}

	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if record.TotpSecret == "" {
		return nil
	}

	_, err = s.mutate(ctx, accountID, func(record *mfa.Record) error {
		record.ClearTotp()
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Disabled totp", "accountID", accountID)
	return s.cascadeRecoveryCodes(ctx, accountID)
}

// EnableEmail starts email-code enrollment and sends the first
// confirmation code to the given address
func (s *Service) EnableEmail(ctx context.Context, accountID uuid.UUID, sessionID, email string) error {
	if !s.features.Email.Enabled {
		return errors.New(errors.ErrCodeMethodNotEnabled, "email codes are not available")
	}
	if err := s.gate(ctx, accountID, sessionID, ActionEnableEmail, s.features.Email.ConfirmPassword); err != nil {
		return err
	}

	_, err := s.mutate(ctx, accountID, func(record *mfa.Record) error {
		if record.EmailEnabled() {
			return errors.New(errors.ErrCodeConflict, "email codes are already enabled")
		}

		now := s.now().UTC()
		record.EmailEnabledAt = &now
		// A confirmation left over from an earlier enrollment must not
		// carry into this one
		record.EmailConfirmedAt = nil
		if !s.features.Email.Confirm {
			record.EmailConfirmedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.features.Email.Confirm {
		if err := s.emailCodes.Send(ctx, accountID, email, accountID.String()); err != nil {
			return err
		}
	}

	slog.Info("Started email enrollment", "accountID", accountID)
	return nil
}

// ResendEmailCode sends another confirmation code for a pending email
// enrollment
func (s *Service) ResendEmailCode(ctx context.Context, accountID uuid.UUID, email string) error {
	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if !record.EmailPending() {
		return errors.New(errors.ErrCodeMethodNotEnabled, "email enrollment has not started")
	}
	return s.emailCodes.Send(ctx, accountID, email, accountID.String())
}

// ConfirmEmail completes email enrollment by verifying the delivered code
func (s *Service) ConfirmEmail(ctx context.Context, accountID uuid.UUID, sessionID, code string) error {
	if err := s.gate(ctx, accountID, sessionID, ActionConfirmEmail, s.features.Email.ConfirmPassword); err != nil {
		return err
	}

	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if record.EmailEnabled() {
		return errors.New(errors.ErrCodeConflict, "email codes are already enabled")
	}
	if !record.EmailPending() {
		return errors.New(errors.ErrCodeMethodNotEnabled, "email enrollment has not started")
	}

	if err := s.emailCodes.Verify(ctx, accountID, code); err != nil {
		return err
	}

	_, err = s.mutate(ctx, accountID, func(record *mfa.Record) error {
		// The enrollment may have been disabled between the code check
		// and this save; confirming then would leave a confirmation
		// timestamp on a disabled method
		if !record.EmailPending() {
			return errors.New(errors.ErrCodeMethodNotEnabled, "email enrollment has not started")
		}
		now := s.now().UTC()
		record.EmailConfirmedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Confirmed email enrollment", "accountID", accountID)
	return nil
}

// DisableEmail turns the method off. Disabling a method that is not
// enabled is a no-op.
func (s *Service) DisableEmail(ctx context.Context, accountID uuid.UUID, sessionID string) error {
	if err := s.gate(ctx, accountID, sessionID, ActionDisableEmail, s.features.Email.ConfirmPassword); err != nil {
		return err
	}

	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if record.EmailEnabledAt == nil {
		return nil
	}

	_, err = s.mutate(ctx, accountID, func(record *mfa.Record) error {
		record.ClearEmail()
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Disabled email codes", "accountID", accountID)
	return s.cascadeRecoveryCodes(ctx, accountID)
}

// GenerateRecoveryCodes creates a fresh recovery code set, replacing any
// existing set. When policy requires it, another method must already be
// enabled.
func (s *Service) GenerateRecoveryCodes(ctx context.Context, accountID uuid.UUID, sessionID string) ([]string, error) {
	if !s.features.RecoveryCodes.Enabled {
		return nil, errors.New(errors.ErrCodeMethodNotEnabled, "recovery codes are not available")
	}
	if err := s.gate(ctx, accountID, sessionID, ActionGenerateRecoveryCodes, s.features.RecoveryCodes.ConfirmPassword); err != nil {
		return nil, err
	}

	if s.features.RecoveryCodes.RequireTwoFactorAuthenticationEnabled {
		enabled, err := s.primaryMethodEnabled(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !enabled {
			return nil, errors.New(errors.ErrCodeDependencyNotSatisfied,
				"another two-factor method must be enabled before generating recovery codes")
		}
	}

	return s.recovery.Generate(ctx, accountID)
}

// ListRecoveryCodes returns the remaining unredeemed codes
func (s *Service) ListRecoveryCodes(ctx context.Context, accountID uuid.UUID, sessionID string) ([]string, error) {
	if err := s.gate(ctx, accountID, sessionID, ActionShowRecoveryCodes, s.features.RecoveryCodes.ConfirmPassword); err != nil {
		return nil, err
	}
	return s.recovery.List(ctx, accountID)
}

// DisableRecoveryCodes removes the account's recovery codes
func (s *Service) DisableRecoveryCodes(ctx context.Context, accountID uuid.UUID, sessionID string) error {
	if err := s.gate(ctx, accountID, sessionID, ActionDisableRecoveryCodes, s.features.RecoveryCodes.ConfirmPassword); err != nil {
		return err
	}
	return s.recovery.Disable(ctx, accountID)
}

// BeginAddPasskey starts a passkey registration ceremony
func (s *Service) BeginAddPasskey(ctx context.Context, accountID uuid.UUID, sessionID, username, name string) (*protocol.CredentialCreation, string, error) {
	if !s.features.Passkeys.Enabled {
		return nil, "", errors.New(errors.ErrCodeMethodNotEnabled, "passkeys are not available")
	}
	if err := s.gate(ctx, accountID, sessionID, ActionAddPasskey, s.features.Passkeys.ConfirmPassword); err != nil {
		return nil, "", err
	}
	return s.passkeys.BeginRegistration(ctx, accountID, username, name)
}

// FinishAddPasskey completes a passkey registration ceremony
func (s *Service) FinishAddPasskey(ctx context.Context, accountID uuid.UUID, ceremonyID string, response *protocol.ParsedCredentialCreationData) (*passkey.Credential, error) {
	return s.passkeys.FinishRegistration(ctx, accountID, ceremonyID, response)
}

// ListPasskeys returns the account's registered passkeys
func (s *Service) ListPasskeys(ctx context.Context, accountID uuid.UUID) ([]passkey.Credential, error) {
	return s.passkeys.List(ctx, accountID)
}

// RenamePasskey changes a passkey's label
func (s *Service) RenamePasskey(ctx context.Context, accountID uuid.UUID, sessionID string, passkeyID uuid.UUID, name string) (*passkey.Credential, error) {
	if err := s.gate(ctx, accountID, sessionID, ActionRenamePasskey, s.features.Passkeys.ConfirmPassword); err != nil {
		return nil, err
	}
	return s.passkeys.Rename(ctx, accountID, passkeyID, name)
}

// DeletePasskey removes a passkey from the account
func (s *Service) DeletePasskey(ctx context.Context, accountID uuid.UUID, sessionID string, passkeyID uuid.UUID) error {
	if err := s.gate(ctx, accountID, sessionID, ActionDeletePasskey, s.features.Passkeys.ConfirmPassword); err != nil {
		return err
	}
	if err := s.passkeys.Delete(ctx, accountID, passkeyID); err != nil {
		return err
	}
	return s.cascadeRecoveryCodes(ctx, accountID)
}

// primaryMethodEnabled reports whether any non-recovery method is enabled
func (s *Service) primaryMethodEnabled(ctx context.Context, accountID uuid.UUID) (bool, error) {
	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if record.TotpEnabled() || record.EmailEnabled() {
		return true, nil
	}
	if s.features.PasskeySecondFactorAllowed() {
		return s.passkeys.Enabled(ctx, accountID)
	}
	return false, nil
}

// cascadeRecoveryCodes removes recovery codes when the last other method
// is disabled and policy ties codes to an enabled method
func (s *Service) cascadeRecoveryCodes(ctx context.Context, accountID uuid.UUID) error {
	if !s.features.RecoveryCodes.RequireTwoFactorAuthenticationEnabled {
		return nil
	}
	enabled, err := s.primaryMethodEnabled(ctx, accountID)
	if err != nil {
		return err
	}
	if enabled {
		return nil
	}

	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load two-factor record: %w", err)
	}
	if !record.RecoveryCodesEnabled() {
		return nil
	}

	slog.Info("Disabling recovery codes with last two-factor method", "accountID", accountID)
	return s.recovery.Disable(ctx, accountID)
}

// EnabledMethods returns the methods the account can currently verify with
func (s *Service) EnabledMethods(ctx context.Context, accountID uuid.UUID) ([]mfa.Method, error) {
	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load two-factor record: %w", err)
	}

	var methods []mfa.Method
	if s.features.Totp.Enabled && record.TotpEnabled() {
		methods = append(methods, mfa.MethodTotp)
	}
	if s.features.Email.Enabled && record.EmailEnabled() {
		methods = append(methods, mfa.MethodEmail)
	}
	if s.features.PasskeySecondFactorAllowed() {
		hasPasskeys, err := s.passkeys.Enabled(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if hasPasskeys {
			methods = append(methods, mfa.MethodPasskey)
		}
	}
	if s.features.RecoveryCodes.Enabled && record.RecoveryCodesEnabled() {
		methods = append(methods, mfa.MethodRecoveryCode)
	}
	return methods, nil
}

// ListMethods describes the enrollment state of every method for an account
func (s *Service) ListMethods(ctx context.Context, accountID uuid.UUID) ([]MethodStatus, error) {
	record, err := s.repository.GetOrNew(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load two-factor record: %w", err)
	}

	hasPasskeys, err := s.passkeys.Enabled(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return []MethodStatus{
		{
			Method:    mfa.MethodTotp,
			Available: s.features.Totp.Enabled,
			Enabled:   record.TotpEnabled(),
			Pending:   record.TotpPending(),
		},
		{
			Method:    mfa.MethodEmail,
			Available: s.features.Email.Enabled,
			Enabled:   record.EmailEnabled(),
			Pending:   record.EmailPending(),
		},
		{
			Method:    mfa.MethodPasskey,
			Available: s.features.Passkeys.Enabled,
			Enabled:   hasPasskeys,
		},
		{
			Method:    mfa.MethodRecoveryCode,
			Available: s.features.RecoveryCodes.Enabled,
			Enabled:   record.RecoveryCodesEnabled(),
		},
	}, nil
}
