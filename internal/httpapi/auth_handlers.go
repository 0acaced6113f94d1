package httpapi

import (
	"errors"
	"math"
	"net/http"
	"time"

	"tavolo.app/internal/audit"
	"tavolo.app/internal/auth"
	"tavolo.app/internal/token"
)

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.auth.Authenticate(r.Context(), auth.LoginRequest{
		Email:         req.Email,
		Password:      req.Password,
		TwoFactorCode: req.TwoFactorCode,
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		// Credential store failure: a system error, not an authentication
		// outcome.
		writeError(w, r, http.StatusInternalServerError, "authentication unavailable")
		return
	}

	switch result.Outcome {
	case auth.OutcomeSuccess:
		_ = audit.LogEvent(r.Context(), "login.success", map[string]any{
			"account_id": result.AccountID,
			"role":       string(result.Role),
			"ip":         clientIP(r),
		})
		writeJSON(w, http.StatusOK, loginResponse{
			Token:     result.Token,
			ExpiresAt: result.ExpiresAt,
		})

	case auth.OutcomeTwoFactorRequired:
		// Not an error: the caller must re-submit the same credentials plus
		// the mailed code.
		writeJSON(w, http.StatusOK, map[string]any{
			"two_factor_required": true,
		})

	case auth.OutcomeInvalidCredentials:
		payload := map[string]any{
			"error": "invalid credentials",
		}
		if result.RemainingAttempts > 0 {
			payload["remaining_attempts"] = result.RemainingAttempts
		}
		writeJSON(w, http.StatusUnauthorized, payload)

	case auth.OutcomeNotVerified:
		writeError(w, r, http.StatusForbidden, "account not verified")

	case auth.OutcomeLocked:
		_ = audit.LogEvent(r.Context(), "login.locked", map[string]any{
			"email": auth.NormalizeEmail(req.Email),
			"ip":    clientIP(r),
		})
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":               "account locked",
			"retry_after_minutes": retryMinutes(result.RetryAfter),
		})

	case auth.OutcomeInvalidTwoFactorCode:
		writeError(w, r, http.StatusUnauthorized, "invalid or expired code")

	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// handleSession is the refresh entry point: the session middleware has
// already re-validated the token against the credential store.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "session required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": claims.AccountID,
		"role":       string(claims.Role),
		"expires_at": claims.ExpiresAt,
	})
}

type emailRequest struct {
	Email string `json:"email"`
}

type confirmRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type resetConfirmRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleVerifyRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.RequestEmailVerification(r.Context(), req.Email); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func (a *API) handleVerifyConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ConfirmEmailVerification(r.Context(), req.Email, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "email_verification.confirmed", map[string]any{
		"email": auth.NormalizeEmail(req.Email),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "password_reset.completed", map[string]any{
		"email": auth.NormalizeEmail(req.Email),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "password updated"})
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrCodeInvalid):
		writeError(w, r, http.StatusBadRequest, "invalid or expired code")
	case errors.Is(err, token.ErrIssueRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid request")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func retryMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}
