// ABOUTME: Login, refresh, verify, and logout endpoints for the token authority
// ABOUTME: Every auth decision lands in the audit log

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/synaptiq/synapse-hub/internal/store"
)

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	AIID             int64     `json:"ai_id"`
}

func pairResponse(pair *store.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.Access,
		RefreshToken:     pair.Refresh,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		AIID:             pair.AIID,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AIID int64 `json:"ai_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AIID == 0 {
		a.writeError(w, http.StatusBadRequest, "ai_id is required")
		return
	}

	pair, err := a.authority.Issue(r.Context(), req.AIID)
	if err != nil {
		a.audit(req.AIID, "", false, "login rejected")
		a.writeStoreError(w, err)
		return
	}

	agent, _ := a.store.GetAgent(r.Context(), req.AIID)
	name := ""
	if agent != nil {
		name = agent.Name
	}
	a.audit(req.AIID, name, true, "login")

	a.writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		a.writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.authority.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		a.writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	identity, err := a.authority.Verify(r.Context(), req.Token)
	if err != nil {
		a.writeJSON(w, http.StatusUnauthorized, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"ai_id":    identity.AIID,
		"name":     identity.Name,
		"nickname": identity.Nickname,
	})
}

// handleLogout revokes the presented token's pair, or every pair for the
// caller when all=true.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		a.writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req struct {
		All bool `json:"all"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	var revoked int64 = 1
	if req.All {
		count, err := a.authority.RevokeAll(r.Context(), identity.AIID)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		revoked = count
	} else {
		tokenString, _ := extractBearerToken(r.Header.Get("Authorization"))
		if err := a.authority.Revoke(r.Context(), tokenString); err != nil {
			a.writeStoreError(w, err)
			return
		}
	}

	a.audit(identity.AIID, identity.Name, true, "logout")
	a.writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (a *API) audit(aiID int64, name string, success bool, details string) {
	err := a.store.RecordAuth(context.Background(), &store.AuthAudit{
		AIID:    aiID,
		AIName:  name,
		Success: success,
		Details: details,
	})
	if err != nil {
		a.logger.Warn("failed to record auth audit", "ai_id", aiID, "error", err)
	}
}
