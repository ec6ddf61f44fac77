package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/omnicloud/peerswarm/internal/auth"
)

// handleToken exchanges form credentials for a token pair.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.login(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

// handleLogin is handleToken plus session cookies for browser clients.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.login(w, r)
	if !ok {
		return
	}
	setCookie(w, "Authorization", "Bearer "+pair.AccessToken, s.auth.AccessTTL())
	setCookie(w, "refresh_token", pair.RefreshToken, s.auth.RefreshTTL())
	setCookie(w, "logged_in", "True", s.auth.AccessTTL())
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) (*auth.TokenPair, bool) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid form", err.Error())
		return nil, false
	}
	username := r.PostFormValue("username")
	pair, err := s.auth.Login(r.Context(), username, r.PostFormValue("password"), clientIP(r))
	if errors.Is(err, auth.ErrInvalidCredentials) {
		log.Printf("[api] Failed login for %q from %s", username, clientIP(r))
		respondError(w, http.StatusBadRequest, "Incorrect username or password", "")
		return nil, false
	}
	if err != nil {
		log.Printf("[api] Login error: %v", err)
		respondError(w, http.StatusInternalServerError, "Login failed", "")
		return nil, false
	}
	log.Printf("[api] %s logged in from %s", username, clientIP(r))
	return pair, true
}

// handleRefresh issues a new access token from the refresh_token form field
// or cookie.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.PostFormValue("refresh_token")
	if token == "" {
		if c, err := r.Cookie("refresh_token"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		respondError(w, http.StatusBadRequest, "Missing refresh token", "")
		return
	}

	pair, err := s.auth.Refresh(r.Context(), token, clientIP(r))
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, "Invalid refresh token", err.Error())
		return
	}
	if _, err := r.Cookie("logged_in"); err == nil {
		setCookie(w, "Authorization", "Bearer "+pair.AccessToken, s.auth.AccessTTL())
	}
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.ActiveUsers())
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	users, err := s.auth.Users(r.Context())
	if err != nil {
		log.Printf("[api] Failed to list users: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to list users", "")
		return
	}
	respondJSON(w, http.StatusOK, users)
}

// handleCreateUser takes form username, password and space separated scopes.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	username := r.PostFormValue("username")
	scopes := strings.Fields(r.PostFormValue("scope"))

	err := s.auth.CreateUser(r.Context(), username, r.PostFormValue("password"), scopes)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, http.StatusBadRequest, "Missing credentials", "Username and password are required")
		return
	case errors.Is(err, auth.ErrUserExists):
		respondError(w, http.StatusConflict, "User already exists", username)
		return
	case err != nil:
		log.Printf("[api] Failed to create user %s: %v", username, err)
		respondError(w, http.StatusInternalServerError, "Failed to create user", "")
		return
	}
	if scopes == nil {
		scopes = []string{}
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"status":   "success",
		"username": username,
		"scopes":   scopes,
	})
}

func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"blacklisted": s.auth.Banned()})
}

// handleBlacklist bans a JSON list of IPv4 addresses. Malformed entries are skipped.
func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	var ips []string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ips); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "Expected a JSON list of IP addresses")
		return
	}
	added := s.auth.Ban(ips)
	if len(added) > 0 {
		log.Printf("[api] Blacklisted %v", added)
	}
	respondJSON(w, http.StatusOK, map[string][]string{"blacklisted": s.auth.Banned()})
}

// handleEvents subscribes an administrator to the live registry feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	a, _ := authFrom(r)
	s.hub.ServeWS(w, r, a.Username)
}

func setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
