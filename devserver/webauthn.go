package devserver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/authgate/internal/util"
)

const ceremonyTTL = 5 * time.Minute

// ceremonyState holds state for an in-progress assertion ceremony, keyed
// by the issued challenge.
type ceremonyState struct {
	username    string
	sessionData webauthn.SessionData
	expiresAt   time.Time
}

// webauthnUser adapts an account to the webauthn.User interface. The user
// handle is the username itself, matching what registered authenticators
// return in assertions.
type webauthnUser struct {
	username    string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.username) }
func (u *webauthnUser) WebAuthnName() string                       { return u.username }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.username }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
func (u *webauthnUser) WebAuthnIcon() string                       { return "" }

func (s *Server) webauthnUserFor(username string) (*webauthnUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[util.NormalizeUsername(username)]
	if !ok || len(acct.credentials) == 0 {
		return nil, false
	}
	return &webauthnUser{
		username:    acct.username,
		credentials: append([]webauthn.Credential(nil), acct.credentials...),
	}, true
}

// BeginWebAuthnLogin handles POST /auth/webauthn/login/begin. It issues
// assertion options bound to the account's registered credentials.
func (s *Server) BeginWebAuthnLogin(w http.ResponseWriter, r *http.Request) {
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

	user, ok := s.webauthnUserFor(req.Username)
	if !ok {
		writeError(w, http.StatusBadRequest, "no webauthn credentials registered")
		return
	}

	options, sessionData, err := s.rp.BeginLogin(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin webauthn login: "+err.Error())
		return
	}

	s.mu.Lock()
	s.pruneCeremoniesLocked()
	s.ceremonies[sessionData.Challenge] = ceremonyState{
		username:    user.username,
		sessionData: *sessionData,
		expiresAt:   time.Now().Add(ceremonyTTL),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, options)
}

// FinishWebAuthnLogin handles POST /auth/webauthn/login/finish. The
// request carries the assertion fields alongside the username; they are
// reassembled into the standard credential shape before validation.
func (s *Server) FinishWebAuthnLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[struct {
		Username string `json:"username"`
		Response struct {
			ID                string          `json:"id"`
			RawID             json.RawMessage `json:"rawId"`
			ClientDataJSON    json.RawMessage `json:"clientDataJSON"`
			AuthenticatorData json.RawMessage `json:"authenticatorData"`
			Signature         json.RawMessage `json:"signature"`
			UserHandle        json.RawMessage `json:"userHandle"`
		} `json:"response"`
	}](w, r, maxBodySize)
	if !ok {
		return
	}

	assertion := map[string]json.RawMessage{
		"clientDataJSON":    req.Response.ClientDataJSON,
		"authenticatorData": req.Response.AuthenticatorData,
		"signature":         req.Response.Signature,
	}
	if len(req.Response.UserHandle) > 0 && string(req.Response.UserHandle) != "null" {
		assertion["userHandle"] = req.Response.UserHandle
	}
	credential, err := json.Marshal(map[string]any{
		"id":       req.Response.ID,
		"rawId":    req.Response.RawID,
		"type":     "public-key",
		"response": assertion,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webauthn response")
		return
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(credential))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webauthn response: "+err.Error())
		return
	}

	challenge := parsed.Response.CollectedClientData.Challenge
	s.mu.Lock()
	state, ok := s.ceremonies[challenge]
	if ok {
		delete(s.ceremonies, challenge)
	}
	s.mu.Unlock()
	if !ok || time.Now().After(state.expiresAt) {
		writeError(w, http.StatusBadRequest, "webauthn login expired; start again")
		return
	}

	user, ok := s.webauthnUserFor(state.username)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	validated, err := s.rp.ValidateLogin(user, state.sessionData, parsed)
	if err != nil {
		s.logger.Warn("webauthn validation failed",
			slog.String("user", state.username),
			slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "webauthn login failed: "+err.Error())
		return
	}

	// Persist the advanced sign counter for clone detection on the next
	// assertion.
	s.mu.Lock()
	if acct, ok := s.accounts[state.username]; ok {
		for i := range acct.credentials {
			if bytes.Equal(acct.credentials[i].ID, validated.ID) {
				acct.credentials[i].Authenticator = validated.Authenticator
			}
		}
	}
	s.mu.Unlock()

	s.establish(w, r, state.username, "webauthn")
}

// pruneCeremoniesLocked drops expired ceremony state. Callers hold s.mu.
func (s *Server) pruneCeremoniesLocked() {
	now := time.Now()
	for challenge, state := range s.ceremonies {
		if now.After(state.expiresAt) {
			delete(s.ceremonies, challenge)
		}
	}
}
