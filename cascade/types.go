package cascade

import (
	"context"

	"github.com/jmcleod/authgate/session"
)

// Step is a state of the login state machine.
type Step int

const (
	StepIdle Step = iota
	StepCheckingMethods
	StepAttemptingMTLS
	StepAttemptingWebAuthn
	StepPasswordRequired
	StepAuthenticating
	StepAuthenticated
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepCheckingMethods:
		return "checking_methods"
	case StepAttemptingMTLS:
		return "attempting_mtls"
	case StepAttemptingWebAuthn:
		return "attempting_webauthn"
	case StepPasswordRequired:
		return "password_required"
	case StepAuthenticating:
		return "authenticating"
	case StepAuthenticated:
		return "authenticated"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Factor names an authentication factor.
type Factor string

const (
	FactorNone     Factor = ""
	FactorMTLS     Factor = "mtls"
	FactorWebAuthn Factor = "webauthn"
	FactorPassword Factor = "password"
)

// MethodAvailability reports which factors the server considers usable
// for an identity. The zero value means "password only is safe to try".
type MethodAvailability struct {
	MTLSEnrolled        bool
	WebAuthnCredentials uint
	PasswordAvailable   bool
}

func (m MethodAvailability) anyUsable() bool {
	return m.MTLSEnrolled || m.WebAuthnCredentials > 0 || m.PasswordAvailable
}

// Snapshot is an immutable view of the live login attempt. ActiveFactor is
// non-empty only while a factor is actually being attempted.
type Snapshot struct {
	Username      string
	Step          Step
	ActiveFactor  Factor
	StatusMessage string
	LastError     error
	Remember      bool
	Session       *session.Session
}

// Detector asks the server which factors are usable for a username. It
// must answer identically for existing and non-existing accounts.
type Detector interface {
	Detect(ctx context.Context, username string) (MethodAvailability, error)
}

// CertificateRunner attempts transport-certificate login. The identity
// comes from the negotiated client certificate; it must not prompt.
type CertificateRunner interface {
	Attempt(ctx context.Context) (session.Session, error)
}

// CeremonyRunner performs a possession ceremony bound to username. It may
// display a platform prompt outside the application's control.
type CeremonyRunner interface {
	Attempt(ctx context.Context, username string) (session.Session, error)
}

// PasswordRunner verifies a password for username. Implementations must
// not log or persist the password.
type PasswordRunner interface {
	Attempt(ctx context.Context, username, password string) (session.Session, error)
}

// IdentityStore persists the remembered username across restarts.
type IdentityStore interface {
	Remember(username string) error
	Forget() error
	Recall() (username string, remembered bool, err error)
}
