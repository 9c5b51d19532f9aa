package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmcleod/authgate/cascade"
	"github.com/jmcleod/authgate/internal/encoding"
	"github.com/jmcleod/authgate/session"
)

// CeremonyRequest is the binary ceremony material handed to an
// authenticator. It exists only for the duration of one ceremony.
type CeremonyRequest struct {
	RelyingPartyID       string
	Origin               string
	Challenge            []byte
	AllowedCredentialIDs [][]byte
	UserVerification     string
	Timeout              time.Duration
}

// Assertion is the authenticator's signed response to a ceremony.
type Assertion struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// An Authenticator performs the platform possession ceremony. It may show
// a prompt outside the application's control. Implementations report
// cancellation and capability problems with cascade taxonomy codes.
type Authenticator interface {
	// Available reports whether this authenticator can currently perform
	// a ceremony.
	Available() bool
	// Sign proves possession by signing the server challenge.
	Sign(ctx context.Context, req CeremonyRequest) (*Assertion, error)
}

// BeginWebAuthn requests a challenge bound to username.
func (c *Client) BeginWebAuthn(ctx context.Context, username string) (*AssertionOptions, error) {
	status, payload, err := c.roundTrip(ctx, http.MethodPost, "/auth/webauthn/login/begin",
		beginCeremonyRequest{Username: username})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, cascade.Errorf(cascade.CodeServerProtocolError,
			"beginning ceremony: unexpected status %d: %s", status, serverMessage(status, payload))
	}

	var opts AssertionOptions
	if err := decodeInto(payload, &opts); err != nil {
		return nil, err
	}
	if len(opts.PublicKey.Challenge) == 0 {
		return nil, cascade.Errorf(cascade.CodeServerProtocolError, "ceremony options missing challenge")
	}
	return &opts, nil
}

// FinishWebAuthn submits the assertion for verification. Binary material
// is encoded to the URL-safe text form at this boundary.
func (c *Client) FinishWebAuthn(ctx context.Context, username string, assertion *Assertion) (session.Session, error) {
	payload := finishCeremonyRequest{
		Username: username,
		Response: assertionPayload{
			ID:                encoding.Encode(assertion.CredentialID),
			RawID:             assertion.CredentialID,
			ClientDataJSON:    assertion.ClientDataJSON,
			AuthenticatorData: assertion.AuthenticatorData,
			Signature:         assertion.Signature,
		},
	}
	if len(assertion.UserHandle) > 0 {
		handle := encoding.Bytes(assertion.UserHandle)
		payload.Response.UserHandle = &handle
	}

	status, body, err := c.roundTrip(ctx, http.MethodPost, "/auth/webauthn/login/finish", payload)
	if err != nil {
		return session.Session{}, err
	}
	switch status {
	case http.StatusOK:
		return c.sessionFrom(username, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return session.Session{}, cascade.Errorf(cascade.CodeInvalidCredentials,
			"%s", serverMessage(status, body))
	default:
		return session.Session{}, cascade.Errorf(cascade.CodeServerProtocolError,
			"finishing ceremony: unexpected status %d: %s", status, serverMessage(status, body))
	}
}

// WebAuthnExecutor runs the full possession ceremony: fetch a challenge,
// have the authenticator sign it, submit the assertion.
type WebAuthnExecutor struct {
	Client        *Client
	Authenticator Authenticator

	// Origin overrides the ceremony origin; empty means the client's own
	// server origin.
	Origin string
}

var _ cascade.CeremonyRunner = WebAuthnExecutor{}

// Supported reports runtime ceremony capability, for injection as the
// controller's capability probe.
func (e WebAuthnExecutor) Supported() bool {
	return e.Authenticator != nil && e.Authenticator.Available()
}

func (e WebAuthnExecutor) Attempt(ctx context.Context, username string) (session.Session, error) {
	if !e.Supported() {
		return session.Session{}, cascade.Errorf(cascade.CodeCeremonyUnsupported,
			"no authenticator available")
	}

	opts, err := e.Client.BeginWebAuthn(ctx, username)
	if err != nil {
		return session.Session{}, err
	}

	req := CeremonyRequest{
		RelyingPartyID:   opts.PublicKey.RelyingPartyID,
		Origin:           e.Origin,
		Challenge:        opts.PublicKey.Challenge,
		UserVerification: opts.PublicKey.UserVerification,
		Timeout:          time.Duration(opts.PublicKey.Timeout) * time.Millisecond,
	}
	if req.RelyingPartyID == "" {
		req.RelyingPartyID = e.Client.base.Hostname()
	}
	if req.Origin == "" {
		req.Origin = e.Client.Origin()
	}
	for _, cred := range opts.PublicKey.AllowCredentials {
		req.AllowedCredentialIDs = append(req.AllowedCredentialIDs, cred.ID)
	}

	assertion, err := e.Authenticator.Sign(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return session.Session{}, cascade.Wrap(cascade.CodeCeremonyTimeout, err)
		}
		if _, tagged := cascade.CodeOf(err); tagged {
			return session.Session{}, err
		}
		return session.Session{}, cascade.Wrap(cascade.CodeCeremonyCancelled, err)
	}

	return e.Client.FinishWebAuthn(ctx, username, assertion)
}
