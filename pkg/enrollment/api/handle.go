// Package api exposes two-factor enrollment over HTTP. Routes expect an
// authenticated request: the account ID comes from the JWT subject and the
// token ID scopes password-confirmation receipts.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/verifactor/verifactor/pkg/enrollment"
	"github.com/verifactor/verifactor/pkg/errors"
)

type Handle struct {
	service *enrollment.Service
}

func NewHandle(service *enrollment.Service) Handle {
	return Handle{service: service}
}

// Routes returns the enrollment router, to be mounted behind the JWT
// verifier and authenticator middleware
func (h Handle) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/confirm-password", h.ConfirmPassword)
	r.Get("/methods", h.ListMethods)

	r.Post("/totp/enable", h.EnableTotp)
	r.Get("/totp/setup", h.TotpSetup)
	r.Post("/totp/confirm", h.ConfirmTotp)
	r.Post("/totp/disable", h.DisableTotp)

	r.Post("/email/enable", h.EnableEmail)
	r.Post("/email/resend", h.ResendEmailCode)
	r.Post("/email/confirm", h.ConfirmEmail)
	r.Post("/email/disable", h.DisableEmail)

	r.Post("/recovery-codes", h.GenerateRecoveryCodes)
	r.Get("/recovery-codes", h.ListRecoveryCodes)
	r.Delete("/recovery-codes", h.DisableRecoveryCodes)

	r.Get("/passkeys", h.ListPasskeys)
	r.Post("/passkeys/options", h.BeginAddPasskey)
	r.Post("/passkeys/register/{ceremonyID}", h.FinishAddPasskey)
	r.Patch("/passkeys/{passkeyID}", h.RenamePasskey)
	r.Delete("/passkeys/{passkeyID}", h.DeletePasskey)

	return r
}

// identity extracts the account and session identity from the verified JWT
func identity(r *http.Request) (uuid.UUID, string, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return uuid.Nil, "", err
	}
	subject, _ := claims["sub"].(string)
	accountID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	sessionID, _ := claims["jti"].(string)
	return accountID, sessionID, nil
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	status := errors.MapErrorCodeToHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Enrollment request failed", "error", err)
	}

	body := map[string]interface{}{
		"code":    code,
		"message": err.Error(),
	}
	if details := errors.GetDetails(err); len(details) > 0 {
		body["details"] = details
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}

func respondUnauthorized(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]interface{}{"code": "AUTH_FAILED", "message": "invalid access token"})
}

type confirmPasswordRequest struct {
	Password string `json:"password"`
}

func (h Handle) ConfirmPassword(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	var req confirmPasswordRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	if err := h.service.ConfirmPassword(r.Context(), accountID, sessionID, req.Password); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"confirmed": true})
}

type methodStatusResponse struct {
	Method    string `json:"method"`
	Available bool   `json:"available"`
	Enabled   bool   `json:"enabled"`
	Pending   bool   `json:"pending"`
}

func (h Handle) ListMethods(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	statuses, err := h.service.ListMethods(r.Context(), accountID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := make([]methodStatusResponse, 0, len(statuses))
	for _, status := range statuses {
		resp = append(resp, methodStatusResponse{
			Method:    string(status.Method),
			Available: status.Available,
			Enabled:   status.Enabled,
			Pending:   status.Pending,
		})
	}
	render.JSON(w, r, resp)
}

type enableTotpRequest struct {
	AccountName string `json:"account_name"`
}

type totpMaterialResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

func (h Handle) EnableTotp(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	var req enableTotpRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	material, err := h.service.EnableTotp(r.Context(), accountID, sessionID, req.AccountName)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, totpMaterialResponse{
		Secret:          material.Secret,
		ProvisioningURI: material.ProvisioningURI,
	})
}

func (h Handle) TotpSetup(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	material, err := h.service.TotpSetupMaterial(r.Context(), accountID, sessionID, r.URL.Query().Get("account_name"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, totpMaterialResponse{
		Secret:          material.Secret,
		ProvisioningURI: material.ProvisioningURI,
	})
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h Handle) ConfirmTotp(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	var req codeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	if err := h.service.ConfirmTotp(r.Context(), accountID, sessionID, req.Code); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"enabled": true})
}

func (h Handle) DisableTotp(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	if err := h.service.DisableTotp(r.Context(), accountID, sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"enabled": false})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h Handle) EnableEmail(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	var req emailRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	if err := h.service.EnableEmail(r.Context(), accountID, sessionID, req.Email); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"sent": true})
}

func (h Handle) ResendEmailCode(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	var req emailRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	if err := h.service.ResendEmailCode(r.Context(), accountID, req.Email); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"sent": true})
}

func (h Handle) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	var req codeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	if err := h.service.ConfirmEmail(r.Context(), accountID, sessionID, req.Code); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"enabled": true})
}

func (h Handle) DisableEmail(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	if err := h.service.DisableEmail(r.Context(), accountID, sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"enabled": false})
}

func (h Handle) GenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	codes, err := h.service.GenerateRecoveryCodes(r.Context(), accountID, sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string][]string{"codes": codes})
}

func (h Handle) ListRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	codes, err := h.service.ListRecoveryCodes(r.Context(), accountID, sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string][]string{"codes": codes})
}

func (h Handle) DisableRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	if err := h.service.DisableRecoveryCodes(r.Context(), accountID, sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"enabled": false})
}

type passkeyResponse struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (h Handle) ListPasskeys(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	credentials, err := h.service.ListPasskeys(r.Context(), accountID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := make([]passkeyResponse, 0, len(credentials))
	for _, credential := range credentials {
		var item passkeyResponse
		if err := copier.Copy(&item, &credential); err != nil {
			respondError(w, r, err)
			return
		}
		resp = append(resp, item)
	}
	render.JSON(w, r, resp)
}

type beginAddPasskeyRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (h Handle) BeginAddPasskey(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	var req beginAddPasskeyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	creation, ceremonyID, err := h.service.BeginAddPasskey(r.Context(), accountID, sessionID, req.Username, req.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"ceremony_id": ceremonyID,
		"options":     creation,
	})
}

func (h Handle) FinishAddPasskey(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	ceremonyID := chi.URLParam(r, "ceremonyID")
	response, err := protocol.ParseCredentialCreationResponse(r)
	if err != nil {
		respondError(w, r, errors.New(errors.ErrCodeCeremonyFailed, "unable to parse attestation response"))
		return
	}

	credential, err := h.service.FinishAddPasskey(r.Context(), accountID, ceremonyID, response)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var item passkeyResponse
	if err := copier.Copy(&item, credential); err != nil {
		respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, item)
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

func (h Handle) RenamePasskey(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	passkeyID, err := uuid.Parse(chi.URLParam(r, "passkeyID"))
	if err != nil {
		respondError(w, r, errors.ValidationFailed("passkeyID", "must be a UUID"))
		return
	}

	var req renamePasskeyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}

	credential, err := h.service.RenamePasskey(r.Context(), accountID, sessionID, passkeyID, req.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var item passkeyResponse
	if err := copier.Copy(&item, credential); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, item)
}

func (h Handle) DeletePasskey(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, err := identity(r)
	if err != nil {
		respondUnauthorized(w, r)
		return
	}

	passkeyID, err := uuid.Parse(chi.URLParam(r, "passkeyID"))
	if err != nil {
		respondError(w, r, errors.ValidationFailed("passkeyID", "must be a UUID"))
		return
	}

	if err := h.service.DeletePasskey(r.Context(), accountID, sessionID, passkeyID); err != nil {
		respondError(w, r, err)
		return
	}
	render.NoContent(w, r)
}
