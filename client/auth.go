package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmcleod/authgate/cascade"
	"github.com/jmcleod/authgate/session"
)

var _ cascade.Detector = (*Client)(nil)

// Detect implements cascade.Detector.
func (c *Client) Detect(ctx context.Context, username string) (cascade.MethodAvailability, error) {
	return c.DetectMethods(ctx, username)
}

// DetectMethods asks the server which factors are usable for username.
// The server answers identically for unknown accounts, so a failure here
// reveals nothing; the controller absorbs it either way.
func (c *Client) DetectMethods(ctx context.Context, username string) (cascade.MethodAvailability, error) {
	if username == "" {
		return cascade.MethodAvailability{}, errors.New("username must not be empty")
	}

	status, payload, err := c.roundTrip(ctx, http.MethodPost, "/auth/methods", detectRequest{Username: username})
	if err != nil {
		return cascade.MethodAvailability{}, err
	}
	if status != http.StatusOK {
		return cascade.MethodAvailability{}, cascade.Errorf(cascade.CodeServerProtocolError,
			"detecting methods: %s", serverMessage(status, payload))
	}

	var resp detectResponse
	if err := decodeInto(payload, &resp); err != nil {
		return cascade.MethodAvailability{}, err
	}

	avail := cascade.MethodAvailability{
		MTLSEnrolled:      resp.MTLS,
		PasswordAvailable: resp.Password,
	}
	if resp.WebAuthn {
		avail.WebAuthnCredentials = resp.WebAuthnCredentials
	}
	return avail, nil
}

// LoginPassword performs password login. The password travels only in the
// request body and is never logged.
func (c *Client) LoginPassword(ctx context.Context, username, password string) (session.Session, error) {
	status, payload, err := c.roundTrip(ctx, http.MethodPost, "/auth/login/password",
		passwordLoginRequest{Username: username, Password: password})
	if err != nil {
		return session.Session{}, err
	}
	switch status {
	case http.StatusOK:
		return c.sessionFrom(username, payload)
	case http.StatusUnauthorized, http.StatusForbidden:
		return session.Session{}, cascade.Errorf(cascade.CodeInvalidCredentials,
			"%s", serverMessage(status, payload))
	default:
		return session.Session{}, cascade.Errorf(cascade.CodeServerProtocolError,
			"password login: unexpected status %d: %s", status, serverMessage(status, payload))
	}
}

// LoginMTLS performs certificate login. Identity comes from the
// transport-level client certificate; no request body is sent.
func (c *Client) LoginMTLS(ctx context.Context) (session.Session, error) {
	status, payload, err := c.roundTrip(ctx, http.MethodPost, "/auth/login/mtls", struct{}{})
	if err != nil {
		return session.Session{}, err
	}
	switch status {
	case http.StatusOK:
		return c.sessionFrom("", payload)
	case http.StatusUnauthorized, http.StatusForbidden:
		return session.Session{}, cascade.Errorf(cascade.CodeCertificateRejected,
			"%s", serverMessage(status, payload))
	default:
		return session.Session{}, cascade.Errorf(cascade.CodeServerProtocolError,
			"mtls login: unexpected status %d: %s", status, serverMessage(status, payload))
	}
}

// VerifySession asks whether the transport-level session is still valid.
// A valid session comes back as a session record; an unauthenticated
// answer is (nil, nil).
func (c *Client) VerifySession(ctx context.Context) (*session.Session, error) {
	status, payload, err := c.roundTrip(ctx, http.MethodGet, "/auth/session", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, cascade.Errorf(cascade.CodeServerProtocolError,
			"verifying session: unexpected status %d: %s", status, serverMessage(status, payload))
	}

	var resp sessionResponse
	if err := decodeInto(payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Authenticated {
		return nil, nil
	}
	return &session.Session{
		Username: resp.User,
		Method:   resp.AuthMethod,
		Ref:      c.SessionRef(),
	}, nil
}

// Logout terminates the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	status, payload, err := c.roundTrip(ctx, http.MethodPost, "/auth/logout", struct{}{})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return cascade.Errorf(cascade.CodeServerProtocolError,
			"logout: unexpected status %d: %s", status, serverMessage(status, payload))
	}
	return nil
}

// sessionFrom builds a session record from a login response body. The
// server's canonical username wins; fallbackUser covers servers that omit
// the user field on self-evident logins.
func (c *Client) sessionFrom(fallbackUser string, payload []byte) (session.Session, error) {
	var resp loginResponse
	if err := decodeInto(payload, &resp); err != nil {
		return session.Session{}, err
	}
	user := resp.User
	if user == "" {
		user = fallbackUser
	}
	return session.Session{
		Username: user,
		Method:   resp.AuthMethod,
		Ref:      c.SessionRef(),
	}, nil
}

// ---------------------------------------------------------------------------
// Executors
// ---------------------------------------------------------------------------

// MTLSExecutor adapts certificate login to the cascade contract. It
// short-circuits with certificate_absent when no client certificate was
// configured, without a network round-trip and without prompting.
type MTLSExecutor struct {
	Client *Client
}

var _ cascade.CertificateRunner = MTLSExecutor{}

func (e MTLSExecutor) Attempt(ctx context.Context) (session.Session, error) {
	if !e.Client.HasClientCertificate() {
		return session.Session{}, cascade.Errorf(cascade.CodeCertificateAbsent,
			"no client certificate configured")
	}
	return e.Client.LoginMTLS(ctx)
}

// PasswordExecutor adapts password login to the cascade contract.
type PasswordExecutor struct {
	Client *Client
}

var _ cascade.PasswordRunner = PasswordExecutor{}

func (e PasswordExecutor) Attempt(ctx context.Context, username, password string) (session.Session, error) {
	return e.Client.LoginPassword(ctx, username, password)
}
