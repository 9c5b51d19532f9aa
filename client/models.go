package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jmcleod/authgate/cascade"
	"github.com/jmcleod/authgate/internal/encoding"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type detectRequest struct {
	Username string `json:"username"`
}

type detectResponse struct {
	MTLS                bool `json:"mtls"`
	WebAuthn            bool `json:"webauthn"`
	WebAuthnCredentials uint `json:"webauthn_credentials"`
	Password            bool `json:"password"`
}

type passwordLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User       string `json:"user"`
	AuthMethod string `json:"auth_method"`
}

type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	User          string `json:"user"`
	AuthMethod    string `json:"auth_method"`
}

type beginCeremonyRequest struct {
	Username string `json:"username"`
}

// AssertionOptions is the server's challenge for a possession ceremony.
// Binary fields cross the wire in URL-safe text form.
type AssertionOptions struct {
	PublicKey struct {
		Challenge        encoding.Bytes      `json:"challenge"`
		Timeout          int                 `json:"timeout,omitempty"`
		RelyingPartyID   string              `json:"rpId,omitempty"`
		AllowCredentials []AllowedCredential `json:"allowCredentials,omitempty"`
		UserVerification string              `json:"userVerification,omitempty"`
	} `json:"publicKey"`
}

// AllowedCredential identifies one credential the server will accept.
type AllowedCredential struct {
	Type string         `json:"type"`
	ID   encoding.Bytes `json:"id"`
}

type finishCeremonyRequest struct {
	Username string           `json:"username"`
	Response assertionPayload `json:"response"`
}

type assertionPayload struct {
	ID                string          `json:"id"`
	RawID             encoding.Bytes  `json:"rawId"`
	ClientDataJSON    encoding.Bytes  `json:"clientDataJSON"`
	AuthenticatorData encoding.Bytes  `json:"authenticatorData"`
	Signature         encoding.Bytes  `json:"signature"`
	UserHandle        *encoding.Bytes `json:"userHandle"`
}

func wrapNetwork(err error) error {
	return cascade.Wrap(cascade.CodeNetworkFailure, err)
}

func decodeInto(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return cascade.Wrap(cascade.CodeServerProtocolError, fmt.Errorf("decoding response body: %w", err))
	}
	return nil
}

// serverMessage extracts the error message from a non-2xx body,
// falling back to the HTTP status text.
func serverMessage(status int, payload []byte) string {
	var resp ErrorResponse
	if err := json.Unmarshal(payload, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return http.StatusText(status)
}
