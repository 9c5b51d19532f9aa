// Package devserver is an in-memory authentication server for local
// development and integration testing. It speaks the wire protocol the
// client package consumes: method detection, password and certificate
// login, the WebAuthn assertion ceremony, session verification and
// logout. All state lives in memory and is lost on restart.
package devserver

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/authgate/internal/util"
)

const (
	sessionCookieName = "ag_session"
	sessionDuration   = 24 * time.Hour
)

//go:embed openapi.yaml
var openapiSpec []byte

// Server holds the account, session, and ceremony state behind the
// development endpoints.
type Server struct {
	logger *slog.Logger
	rp     *webauthn.WebAuthn

	mu         sync.Mutex
	accounts   map[string]*account
	sessions   map[string]authSession
	ceremonies map[string]ceremonyState
}

type account struct {
	username         string
	password         util.PasswordRecord
	passwordDisabled bool
	mtlsEnrolled     bool
	credentials      []webauthn.Credential
}

type authSession struct {
	username  string
	method    string
	expiresAt time.Time
}

// Option configures the Server.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	rpID      string
	rpOrigins []string
}

// WithLogger sets the structured logger. If not set, a default JSON
// logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithRelyingParty sets the WebAuthn relying party ID and the origins
// accepted during ceremony validation.
func WithRelyingParty(id string, origins ...string) Option {
	return func(c *config) {
		c.rpID = id
		c.rpOrigins = origins
	}
}

// New creates a development server with no accounts.
func New(opts ...Option) (*Server, error) {
	cfg := config{
		rpID:      "localhost",
		rpOrigins: []string{"http://localhost", "https://localhost"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	rp, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Authgate Dev",
		RPID:          cfg.rpID,
		RPOrigins:     cfg.rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	return &Server{
		logger:     cfg.logger,
		rp:         rp,
		accounts:   make(map[string]*account),
		sessions:   make(map[string]authSession),
		ceremonies: make(map[string]ceremonyState),
	}, nil
}

// Router returns a chi.Router with all endpoints mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Post("/auth/methods", s.DetectMethods)
	r.Post("/auth/login/password", s.PasswordLogin)
	r.Post("/auth/login/mtls", s.MTLSLogin)
	r.Post("/auth/webauthn/login/begin", s.BeginWebAuthnLogin)
	r.Post("/auth/webauthn/login/finish", s.FinishWebAuthnLogin)
	r.Get("/auth/session", s.Session)
	r.Post("/auth/logout", s.Logout)

	return r
}

// ---------------------------------------------------------------------------
// Account management
// ---------------------------------------------------------------------------

// AddAccount creates an account with a password. The username is
// normalized the same way clients normalize it before submission.
func (s *Server) AddAccount(username, password string) error {
	username = util.NormalizeUsername(username)
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	record, err := util.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[username]; exists {
		return fmt.Errorf("account %q already exists", username)
	}
	s.accounts[username] = &account{
		username: username,
		password: record,
	}
	return nil
}

// RegisterCredential attaches a WebAuthn credential to an account, as a
// registration ceremony would.
func (s *Server) RegisterCredential(username string, cred webauthn.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[util.NormalizeUsername(username)]
	if !ok {
		return fmt.Errorf("no account %q", username)
	}
	acct.credentials = append(acct.credentials, cred)
	return nil
}

// EnrollMTLS marks an account as having an enrolled client certificate.
// Certificate login matches on the certificate subject common name.
func (s *Server) EnrollMTLS(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[util.NormalizeUsername(username)]
	if !ok {
		return fmt.Errorf("no account %q", username)
	}
	acct.mtlsEnrolled = true
	return nil
}

// DisablePassword turns off password login for an account, leaving only
// the stronger factors.
func (s *Server) DisablePassword(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[util.NormalizeUsername(username)]
	if !ok {
		return fmt.Errorf("no account %q", username)
	}
	acct.passwordDisabled = true
	return nil
}

func (s *Server) lookup(username string) (*account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[util.NormalizeUsername(username)]
	return acct, ok
}
