package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/flowpbx/openzap/internal/database"
)

// maxCredentialLen bounds usernames and passwords accepted at login.
const maxCredentialLen = 256

type healthResponse struct {
	Status     string   `json:"status"`
	StartedAt  string   `json:"started_at"`
	UptimeSec  int64    `json:"uptime_sec"`
	UptimeText string   `json:"uptime_text"`
	Interfaces []string `json:"interfaces"`
	Spans      int      `json:"spans"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	up := time.Since(s.startTime)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		StartedAt:  s.startTime.UTC().Format(time.RFC3339),
		UptimeSec:  int64(up.Seconds()),
		UptimeText: formatUptime(up),
		Interfaces: s.hal.Interfaces(),
		Spans:      len(s.hal.Spans()),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin exchanges operator credentials for a bearer token.
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
	if utf8.RuneCountInString(req.Username) > maxCredentialLen || utf8.RuneCountInString(req.Password) > maxCredentialLen {
		writeError(w, http.StatusBadRequest, "credentials exceed maximum length")
		return
	}

	user, err := s.operators.GetByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("login: failed to look up operator", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		s.logger.Warn("login failed", "username", req.Username, "reason", "unknown user")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := database.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		if !errors.Is(err, database.ErrPasswordMismatch) {
			s.logger.Error("login: stored hash unreadable", "username", user.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.logger.Warn("login failed", "username", req.Username, "reason", "bad password")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := s.tokens.Issue(user.Username)
	if err != nil {
		s.logger.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("operator logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)})
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
