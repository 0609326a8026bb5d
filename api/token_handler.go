package api

import (
	"log/slog"
	"net/http"
)

// CredentialRequest is the body of POST /websocket/token.
type CredentialRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenRequest is the body of the validate and revoke endpoints.
type TokenRequest struct {
	Token string `json:"token"`
}

// TokenUser is the user block of a token response.
type TokenUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// TokenResponse is returned by POST /websocket/token.
type TokenResponse struct {
	Status    string    `json:"status"`
	Token     string    `json:"token"`
	User      TokenUser `json:"user"`
	ExpiresIn int64     `json:"expiresIn"`
}

func (a *API) issueToken(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CredentialRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		svc := a.eng.Auth()
		id, err := svc.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			logger.Info("login", slog.String("username", req.Username), slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		token, err := svc.Issue(*id)
		if err != nil {
			logger.Error("issue token", slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TokenResponse{
			Status:    "success",
			Token:     token,
			User:      TokenUser{ID: id.UserID, Username: id.Username},
			ExpiresIn: int64(svc.ExpiresIn().Seconds()),
		})
	}
}

// validateToken reports invalid tokens in the body with a 200 status.
func (a *API) validateToken(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TokenRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Token == "" {
			writeError(w, badRequest("token is required"))
			return
		}
		claims, err := a.eng.Auth().Verify(r.Context(), req.Token)
		if err != nil {
			logger.Debug("token rejected", slog.String("error", err.Error()))
			writeJSON(w, http.StatusOK, map[string]any{
				"status":  "error",
				"valid":   false,
				"message": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "success",
			"valid":   true,
			"payload": claims,
		})
	}
}

func (a *API) revokeToken(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TokenRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := a.eng.Auth().Revoke(r.Context(), req.Token); err != nil {
			logger.Info("revoke token", slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Token revoked successfully",
		})
	}
}
