package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"tavern.org/internal/audit"
	"tavern.org/internal/auth"
	"tavern.org/internal/event"
	"tavern.org/internal/obs"
)

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	Reason       string `json:"reason"`
}

type logoutResponse struct {
	Revoked []string `json:"revoked"`
}

const (
	defaultLogoutReason = "logout"
	noticeLoggedOut     = "logged_out"
)

// handleLogout revokes the caller's access token and, when supplied, the
// paired refresh token. Revocation is durable before the response is sent.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultLogoutReason
	}

	var refresh *auth.RevocationEntry
	if tok := strings.TrimSpace(req.RefreshToken); tok != "" {
		entry, err := a.deps.Guard.RevokeToken(r.Context(), tok, reason)
		switch {
		case err == nil:
			refresh = &entry
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, "invalid refresh token")
			return
		default:
			writeError(w, r, http.StatusServiceUnavailable, "revocation unavailable")
			return
		}
	}

	access := auth.RevocationEntry{
		JTI:       principal.TokenID,
		UserID:    principal.UserID,
		Kind:      principal.Kind,
		RevokedAt: time.Now().UTC(),
		ExpiresAt: principal.ExpiresAt,
		Reason:    reason,
	}
	if err := a.deps.Guard.Revoke(r.Context(), access); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "revocation unavailable")
		return
	}

	revoked := []string{access.JTI}
	if refresh != nil {
		revoked = append(revoked, refresh.JTI)
	}
	a.notifyLoggedOut(r, principal)
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"revoked": revoked,
		"reason":  reason,
	})
	writeJSON(w, http.StatusOK, logoutResponse{Revoked: revoked})
}

// notifyLoggedOut tells the principal's open sessions that their credential
// is gone. The sessions stay open; the client decides what to do.
func (a *API) notifyLoggedOut(r *http.Request, p auth.Principal) {
	if a.deps.Notifier == nil {
		return
	}
	notice := event.NewNotice(event.Notice{Event: noticeLoggedOut, UserID: p.UserID}, time.Now())
	if _, err := a.deps.Notifier.SendToUser(r.Context(), p.UserID, notice, ""); err != nil {
		obs.Warn("logout_notice_failed", map[string]any{"user_id": p.UserID, "error": err})
	}
}
