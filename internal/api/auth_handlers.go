package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/commdesk/webphone/internal/api/middleware"
)

// loginRequest is the JSON body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse carries the issued access token.
type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Username  string `json:"username"`
}

// handleLogin verifies admin credentials and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AdminUser)) == 1
	passOK, err := CheckPassword(req.Password, s.adminHash)
	if err != nil {
		slog.Error("login: password check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !userOK || !passOK {
		slog.Warn("login: invalid credentials", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret, req.Username)
	if err != nil {
		slog.Error("login: token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("login succeeded", "username", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		Username:  req.Username,
	})
}

// handleMe returns the authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": middleware.UsernameFromContext(r.Context()),
	})
}
