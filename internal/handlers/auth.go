package handlers

import (
	"log/slog"
	"net/http"
	"strings"
)

type signUpResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

type userResponse struct {
	ID          string `json:"id"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// HandleSignUp issues a new anonymous user together with the bearer token identifying its session.
func (m Main) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, token, err := m.sessions.CreateAnonymousUser(r.Context())
	if err != nil {
		m.logger.Error("Failed to create anonymous user", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "Unable to create session")
		return
	}

	m.logger.Info("Created anonymous user", slog.String("user", userID))

	writeJSON(w, http.StatusOK, signUpResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        userResponse{ID: userID, IsAnonymous: true},
	})
}

// HandleUser returns the user owning the bearer token, or 401.
func (m Main) HandleUser(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	userID, err := m.sessions.UserByToken(r.Context(), token)
	if err != nil {
		m.logger.Error("Failed to look up token", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "Unable to verify session")
		return
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Invalid session")
		return
	}

	writeJSON(w, http.StatusOK, userResponse{ID: userID, IsAnonymous: true})
}

// HandleLogout revokes the bearer token.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	if err := m.sessions.RevokeToken(r.Context(), token); err != nil {
		m.logger.Error("Failed to revoke token", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "Unable to end session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// tokenOwner returns the user the bearer token of r was issued to, or an empty string when r carries no
// token or an unknown one.
func (m Main) tokenOwner(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", nil
	}
	return m.sessions.UserByToken(r.Context(), token)
}

// authorizeSession checks that the bearer token of r was issued to sessionID, writing the error response
// when it was not.
func (m Main) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if bearerToken(r) == "" {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return false
	}

	owner, err := m.tokenOwner(r)
	if err != nil {
		m.logger.Error("Failed to look up token", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "Unable to verify session")
		return false
	}
	switch owner {
	case "":
		writeError(w, http.StatusUnauthorized, "Invalid session")
		return false
	case sessionID:
		return true
	default:
		m.logger.Warn("Token does not own the requested session", slog.String("session", sessionID))
		writeError(w, http.StatusForbidden, "Session does not match token")
		return false
	}
}
