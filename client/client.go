// Package client implements the authgate wire protocol (JSON over HTTPS)
// and the factor executors built on top of it. Errors crossing this
// boundary always carry a cascade taxonomy code.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
)

const (
	// SessionCookieName carries the opaque server-issued session
	// reference.
	SessionCookieName = "ag_session"

	maxResponseBody = 1 << 20
)

// Client talks to one relying-party server.
type Client struct {
	base    *url.URL
	http    *http.Client
	logger  *slog.Logger
	hasCert bool
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. A cookie jar is
// attached if the given client has none, since the session reference
// travels as a cookie.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithLogger sets the structured logger. If not set, a JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSessionRef seeds the cookie jar with a previously issued session
// reference, letting a new process resume an established session.
func WithSessionRef(ref string) Option {
	return func(c *Client) {
		if c.http.Jar != nil && ref != "" {
			c.http.Jar.SetCookies(c.base, []*http.Cookie{{
				Name:  SessionCookieName,
				Value: ref,
				Path:  "/",
			}})
		}
	}
}

// WithClientCertificate presents cert during transport negotiation,
// enabling the mTLS factor.
func WithClientCertificate(cert tls.Certificate) Option {
	return func(c *Client) {
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		}
		c.http.Transport = transport
		c.hasCert = true
	}
}

// WithInsecureSkipVerify disables server certificate verification, for
// development servers running on self-signed certificates.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		transport, ok := c.http.Transport.(*http.Transport)
		if !ok {
			transport = &http.Transport{}
			c.http.Transport = transport
		}
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("server url missing host: %q", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	c := &Client{
		base: base,
		http: &http.Client{Jar: jar},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		c.http.Jar = jar
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return c, nil
}

// HasClientCertificate reports whether a client certificate was
// configured for the transport.
func (c *Client) HasClientCertificate() bool {
	return c.hasCert
}

// Origin returns the scheme://host origin of the server, used as the
// default ceremony origin.
func (c *Client) Origin() string {
	return c.base.Scheme + "://" + c.base.Host
}

// SessionRef returns the opaque session reference currently held in the
// cookie jar, or "" when unauthenticated.
func (c *Client) SessionRef() string {
	if c.http.Jar == nil {
		return ""
	}
	for _, cookie := range c.http.Jar.Cookies(c.base) {
		if cookie.Name == SessionCookieName {
			return cookie.Value
		}
	}
	return ""
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

// roundTrip performs one JSON request. Transport-level failures come back
// tagged network_failure; HTTP statuses are the caller's to interpret.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, wrapNetwork(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, wrapNetwork(err)
	}
	return resp.StatusCode, payload, nil
}
