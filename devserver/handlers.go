package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/authgate/internal/util"
	"github.com/jmcleod/authgate/internal/uuid"
)

const maxBodySize = 64 * 1024

// ErrorResponse is the JSON body returned for all error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return v, false
	}
	return v, true
}

// DetectMethods handles POST /auth/methods. Unknown accounts receive the
// same answer a fresh password-only account would, so the endpoint cannot
// be used to enumerate usernames.
func (s *Server) DetectMethods(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[struct {
		Username string `json:"username"`
	}](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	resp := struct {
		MTLS                bool `json:"mtls"`
		WebAuthn            bool `json:"webauthn"`
		WebAuthnCredentials uint `json:"webauthn_credentials"`
		Password            bool `json:"password"`
	}{Password: true}

	s.mu.Lock()
	if acct, ok := s.accounts[util.NormalizeUsername(req.Username)]; ok {
		resp.MTLS = acct.mtlsEnrolled
		resp.WebAuthn = len(acct.credentials) > 0
		resp.WebAuthnCredentials = uint(len(acct.credentials))
		resp.Password = !acct.passwordDisabled
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// PasswordLogin handles POST /auth/login/password.
func (s *Server) PasswordLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	acct, ok := s.lookup(req.Username)
	if !ok || acct.passwordDisabled || !util.VerifyPassword(req.Password, acct.password) {
		s.logger.Warn("password login failed", slog.String("user", util.NormalizeUsername(req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.establish(w, r, acct.username, "password")
}

// MTLSLogin handles POST /auth/login/mtls. The identity comes from the
// subject common name of the client certificate presented during the
// handshake; accounts must be enrolled before the certificate is accepted.
func (s *Server) MTLSLogin(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		writeError(w, http.StatusUnauthorized, "no client certificate presented")
		return
	}
	username := util.NormalizeUsername(r.TLS.PeerCertificates[0].Subject.CommonName)

	acct, ok := s.lookup(username)
	if !ok || !acct.mtlsEnrolled {
		s.logger.Warn("certificate login rejected", slog.String("subject", username))
		writeError(w, http.StatusUnauthorized, "certificate not enrolled")
		return
	}

	s.establish(w, r, acct.username, "mtls")
}

// Session handles GET /auth/session.
func (s *Server) Session(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(r)
	if !ok {
		writeJSON(w, http.StatusOK, struct {
			Authenticated bool `json:"authenticated"`
		}{})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Authenticated bool   `json:"authenticated"`
		User          string `json:"user"`
		AuthMethod    string `json:"auth_method"`
	}{
		Authenticated: true,
		User:          sess.username,
		AuthMethod:    sess.method,
	})
}

// Logout handles POST /auth/logout.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}
	clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, struct{}{})
}

// establish creates a session, sets the cookie, and writes the login
// response body.
func (s *Server) establish(w http.ResponseWriter, r *http.Request, username, method string) {
	token := uuid.New()
	expiresAt := time.Now().Add(sessionDuration)

	s.mu.Lock()
	s.sessions[token] = authSession{
		username:  username,
		method:    method,
		expiresAt: expiresAt,
	}
	s.mu.Unlock()
	writeSessionCookie(w, r, token, expiresAt)

	s.logger.Info("login",
		slog.String("user", username),
		slog.String("method", method))

	writeJSON(w, http.StatusOK, struct {
		User       string `json:"user"`
		AuthMethod string `json:"auth_method"`
	}{User: username, AuthMethod: method})
}

func (s *Server) sessionFromRequest(r *http.Request) (authSession, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return authSession{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[cookie.Value]
	if !ok {
		return authSession{}, false
	}
	if time.Now().After(sess.expiresAt) {
		delete(s.sessions, cookie.Value)
		return authSession{}, false
	}
	return sess, true
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
