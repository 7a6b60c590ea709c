package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookie = "session"
	sessionTTL    = 30 * 24 * time.Hour
)

// publicPaths skip authentication even when a password is configured.
var publicPaths = map[string]bool{
	"/api/login":      true,
	"/api/auth/check": true,
}

// sessions maps login tokens to their expiry. Expiry slides on every use.
type sessions struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

func newSessions() *sessions {
	return &sessions{tokens: make(map[string]time.Time), now: time.Now}
}

func (ss *sessions) create() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.tokens[token] = ss.now().Add(sessionTTL)
	return token, nil
}

// touch extends a live token and reports whether it was live.
func (ss *sessions) touch(token string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	expiry, ok := ss.tokens[token]
	if !ok {
		return false
	}
	now := ss.now()
	if !now.Before(expiry) {
		delete(ss.tokens, token)
		return false
	}
	ss.tokens[token] = now.Add(sessionTTL)
	return true
}

func (ss *sessions) revoke(token string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.tokens, token)
}

func writeSessionCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) passwordMatches(pass string) bool {
	return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

// authenticated accepts a session cookie, or Basic Auth for scripts.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) bool {
	if c, err := r.Cookie(sessionCookie); err == nil && s.sessions.touch(c.Value) {
		writeSessionCookie(w, c.Value, int(sessionTTL.Seconds()))
		return true
	}
	_, pass, ok := r.BasicAuth()
	return ok && s.passwordMatches(pass)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.sessions.create()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	writeSessionCookie(w, token, int(sessionTTL.Seconds()))
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.revoke(c.Value)
	}
	writeSessionCookie(w, "", -1)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authenticated(w, r) {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}
