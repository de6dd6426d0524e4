// Package api exposes the second-factor challenge over HTTP. Routes are
// unauthenticated: the pending-login ID issued after first-factor success
// is the only credential a caller holds at this stage.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/verifactor/verifactor/pkg/challenge"
	"github.com/verifactor/verifactor/pkg/errors"
	"github.com/verifactor/verifactor/pkg/mfa"
	"github.com/verifactor/verifactor/pkg/tokengenerator"
)

type Handle struct {
	service *challenge.Service
	cookies tokengenerator.TokenCookieService
}

func NewHandle(service *challenge.Service, cookies tokengenerator.TokenCookieService) Handle {
	return Handle{service: service, cookies: cookies}
}

// Routes returns the challenge router
func (h Handle) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{pendingID}/methods", h.Methods)
	r.Post("/{pendingID}/select", h.SelectMethod)
	r.Post("/{pendingID}/resend", h.ResendEmailCode)
	r.Post("/{pendingID}/verify", h.Verify)
	r.Post("/{pendingID}/verify/passkey", h.VerifyPasskey)

	r.Post("/passkey-login/options", h.BeginPasskeyLogin)
	r.Post("/passkey-login/{sessionID}", h.FinishPasskeyLogin)

	return r
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	status := errors.MapErrorCodeToHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Challenge request failed", "error", err)
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

func pendingID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "pendingID"))
}

func (h Handle) Methods(w http.ResponseWriter, r *http.Request) {
	id, err := pendingID(r)
	if err != nil {
		respondError(w, r, errors.ValidationFailed("pendingID", "must be a UUID"))
		return
	}

	methods, err := h.service.Methods(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"methods": methods})
}

type selectMethodRequest struct {
	Method string `json:"method"`
}

func (h Handle) SelectMethod(w http.ResponseWriter, r *http.Request) {
	id, err := pendingID(r)
	if err != nil {
		respondError(w, r, errors.ValidationFailed("pendingID", "must be a UUID"))
		return
	}

	var req selectMethodRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}
	if !mfa.ValidMethod(req.Method) {
		respondError(w, r, errors.ValidationFailed("method", "unknown method"))
		return
	}

	selection, err := h.service.SelectMethod(r.Context(), id, mfa.Method(req.Method))
	if err != nil {
		respondError(w, r, err)
		return
	}

	body := map[string]interface{}{"method": selection.Method}
	if selection.Assertion != nil {
		body["options"] = selection.Assertion
	}
	render.JSON(w, r, body)
}

func (h Handle) ResendEmailCode(w http.ResponseWriter, r *http.Request) {
	id, err := pendingID(r)
	if err != nil {
		respondError(w, r, errors.ValidationFailed("pendingID", "must be a UUID"))
		return
	}

	if err := h.service.ResendEmailCode(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"sent": true})
}

type verifyRequest struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

func (h Handle) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := pendingID(r)
	if err != nil {
		respondError(w, r, errors.ValidationFailed("pendingID", "must be a UUID"))
		return
	}

	var req verifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondError(w, r, errors.ValidationFailed("body", "unable to parse body"))
		return
	}
	if !mfa.ValidMethod(req.Method) {
		respondError(w, r, errors.ValidationFailed("method", "unknown method"))
		return
	}

	tokens, err := h.service.Verify(r.Context(), id, mfa.Method(req.Method), challenge.Payload{Code: req.Code})
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.respondTokens(w, r, tokens)
}

// VerifyPasskey completes the challenge with a WebAuthn assertion. The
// request body is the raw assertion response from the browser.
func (h Handle) VerifyPasskey(w http.ResponseWriter, r *http.Request) {
	id, err := pendingID(r)
	if err != nil {
		respondError(w, r, errors.ValidationFailed("pendingID", "must be a UUID"))
		return
	}

	response, err := protocol.ParseCredentialRequestResponse(r)
	if err != nil {
		respondError(w, r, errors.New(errors.ErrCodeCeremonyFailed, "unable to parse assertion response"))
		return
	}

	tokens, err := h.service.Verify(r.Context(), id, mfa.MethodPasskey, challenge.Payload{Assertion: response})
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.respondTokens(w, r, tokens)
}

func (h Handle) BeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	assertion, sessionID, err := h.service.BeginPasskeyLogin(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"session_id": sessionID,
		"options":    assertion,
	})
}

func (h Handle) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	username := r.URL.Query().Get("username")

	response, err := protocol.ParseCredentialRequestResponse(r)
	if err != nil {
		respondError(w, r, errors.New(errors.ErrCodeCeremonyFailed, "unable to parse assertion response"))
		return
	}

	tokens, err := h.service.FinishPasskeyLogin(r.Context(), sessionID, username, r.RemoteAddr, response)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.respondTokens(w, r, tokens)
}

func (h Handle) respondTokens(w http.ResponseWriter, r *http.Request, tokens []tokengenerator.TokenValue) {
	if h.cookies != nil {
		if err := h.cookies.SetTokensCookie(w, tokens); err != nil {
			respondError(w, r, err)
			return
		}
	}

	body := make(map[string]string, len(tokens))
	for _, token := range tokens {
		body[token.Name] = token.Token
	}
	render.JSON(w, r, body)
}
