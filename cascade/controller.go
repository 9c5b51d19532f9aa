// Package cascade implements the progressive authentication controller:
// given a username it detects which factors are usable, attempts them in
// order (mTLS, then WebAuthn, then password), falls back on failure, and
// establishes exactly one session per successful attempt. The password is
// the universal terminal fallback — the cascade never leaves the user
// without a path to authenticate.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/authgate/internal/util"
	"github.com/jmcleod/authgate/session"
)

var (
	// ErrEmptyUsername is returned when the submitted username is empty
	// after normalisation.
	ErrEmptyUsername = errors.New("username must not be empty")
	// ErrNotIdle is returned when a username is submitted while another
	// attempt is in progress.
	ErrNotIdle = errors.New("a login attempt is already in progress")
	// ErrNoPasswordPending is returned when a password is submitted
	// outside the password_required step.
	ErrNoPasswordPending = errors.New("no password has been requested")
)

const defaultFailedDisplayDelay = 1500 * time.Millisecond

// Config assembles the controller's collaborators. Password is the only
// mandatory runner; factors without a runner are skipped.
type Config struct {
	Detector Detector
	MTLS     CertificateRunner
	WebAuthn CeremonyRunner
	Password PasswordRunner

	// CeremonyCapable reports whether the runtime can perform a
	// possession ceremony at all. Nil means never capable.
	CeremonyCapable func() bool

	// Identities, when set, is read once at construction to pre-populate
	// the identity step, written on successful remember-me logins, and
	// cleared on ChangeIdentity.
	Identities IdentityStore

	// Holder receives the established session.
	Holder session.Holder

	Timeouts TimeoutPolicy

	// FailedDisplayDelay is how long the failed state is shown before
	// auto-reverting to password_required.
	FailedDisplayDelay time.Duration

	// OnTransition observes every state transition. It is invoked with
	// the controller lock held and must not call back into the controller.
	OnTransition func(Snapshot)

	Logger *slog.Logger
}

// Controller owns one live AuthSession at a time and applies transitions
// strictly in the order their triggering events are observed. Every
// asynchronous attempt is tagged with the generation current at launch;
// completions from an older generation are discarded, never applied to a
// reset session.
type Controller struct {
	detector    Detector
	mtls        CertificateRunner
	webauthn    CeremonyRunner
	password    PasswordRunner
	capable     func() bool
	identities  IdentityStore
	holder      session.Holder
	timeouts    TimeoutPolicy
	failedDelay time.Duration
	notify      func(Snapshot)
	logger      *slog.Logger

	mu          sync.Mutex
	gen         uint64
	snap        Snapshot
	cancel      context.CancelFunc
	establisher *session.Establisher
	remembered  string
}

// New builds a controller. It reads the identity store once so the UI can
// pre-populate the identity step.
func New(cfg Config) (*Controller, error) {
	if cfg.Password == nil {
		return nil, errors.New("cascade: password runner is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	failedDelay := cfg.FailedDisplayDelay
	if failedDelay <= 0 {
		failedDelay = defaultFailedDisplayDelay
	}

	c := &Controller{
		detector:    cfg.Detector,
		mtls:        cfg.MTLS,
		webauthn:    cfg.WebAuthn,
		password:    cfg.Password,
		capable:     cfg.CeremonyCapable,
		identities:  cfg.Identities,
		holder:      cfg.Holder,
		timeouts:    cfg.Timeouts.withDefaults(),
		failedDelay: failedDelay,
		notify:      cfg.OnTransition,
		logger:      logger,
		snap:        Snapshot{Step: StepIdle},
	}

	if cfg.Identities != nil {
		username, remembered, err := cfg.Identities.Recall()
		if err != nil {
			logger.Warn("failed to recall remembered identity", slog.Any("error", err))
		} else if remembered {
			c.remembered = username
		}
	}
	return c, nil
}

// Remembered returns the username recalled from the identity store at
// construction, for pre-populating the identity step.
func (c *Controller) Remembered() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remembered
}

// Snapshot returns the current state of the live attempt.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// SubmitUsername commits the identity step and starts the automatic part
// of the cascade. The attempt runs asynchronously; observe progress via
// OnTransition or Snapshot.
func (c *Controller) SubmitUsername(ctx context.Context, username string, remember bool) error {
	username = util.NormalizeUsername(username)
	if username == "" {
		return ErrEmptyUsername
	}

	c.mu.Lock()
	if c.snap.Step != StepIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.gen++
	gen := c.gen
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.establisher = session.NewEstablisher(c.holder)
	c.setLocked(Snapshot{
		Username:      username,
		Step:          StepCheckingMethods,
		Remember:      remember,
		StatusMessage: "checking available sign-in methods",
	})
	c.mu.Unlock()

	go c.runAutomaticFactors(runCtx, gen, username)
	return nil
}

// SubmitPassword verifies the password for the committed username. Only
// valid while parked in password_required.
func (c *Controller) SubmitPassword(ctx context.Context, password string) error {
	c.mu.Lock()
	if c.snap.Step != StepPasswordRequired {
		c.mu.Unlock()
		return ErrNoPasswordPending
	}
	gen := c.gen
	username := c.snap.Username
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	next := c.snap
	next.Step = StepAuthenticating
	next.ActiveFactor = FactorPassword
	next.StatusMessage = "verifying password"
	next.LastError = nil
	c.setLocked(next)
	c.mu.Unlock()

	go func() {
		sess, err := c.attempt(runCtx, c.timeouts.Password, CodeNetworkFailure,
			func(actx context.Context) (session.Session, error) {
				return c.password.Attempt(actx, username, password)
			})
		if err == nil {
			c.finish(gen, FactorPassword, sess)
			return
		}
		c.passwordFailed(gen, err)
	}()
	return nil
}

// ChangeIdentity aborts any in-flight attempt, clears the remembered
// identity, and returns the controller to the identity step. A completion
// from the aborted attempt that resolves later is discarded.
func (c *Controller) ChangeIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.establisher = nil
	c.remembered = ""
	if c.identities != nil {
		if err := c.identities.Forget(); err != nil {
			c.logger.Warn("failed to clear remembered identity", slog.Any("error", err))
		}
	}
	c.setLocked(Snapshot{Step: StepIdle})
}

// Reset abandons the current attempt without touching the remembered
// identity, returning to idle. Required to start a fresh login after the
// terminal authenticated state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.establisher = nil
	c.setLocked(Snapshot{Step: StepIdle})
}

// ---------------------------------------------------------------------------
// Cascade execution
// ---------------------------------------------------------------------------

func (c *Controller) runAutomaticFactors(ctx context.Context, gen uint64, username string) {
	avail := c.detect(ctx, username)

	if avail.MTLSEnrolled && c.mtls != nil {
		if !c.beginFactor(gen, StepAttemptingMTLS, FactorMTLS, "signing in with client certificate") {
			return
		}
		sess, err := c.attempt(ctx, c.timeouts.MTLS, CodeNetworkFailure,
			func(actx context.Context) (session.Session, error) {
				return c.mtls.Attempt(actx)
			})
		if err == nil {
			c.finish(gen, FactorMTLS, sess)
			return
		}
		if !c.factorFailed(gen, FactorMTLS, err) {
			return
		}
	}

	if avail.WebAuthnCredentials > 0 && c.webauthn != nil && c.capable != nil && c.capable() {
		if !c.beginFactor(gen, StepAttemptingWebAuthn, FactorWebAuthn, "waiting for your security key or biometric") {
			return
		}
		sess, err := c.attempt(ctx, c.timeouts.WebAuthn, CodeCeremonyTimeout,
			func(actx context.Context) (session.Session, error) {
				return c.webauthn.Attempt(actx, username)
			})
		if err == nil {
			c.finish(gen, FactorWebAuthn, sess)
			return
		}
		if !c.factorFailed(gen, FactorWebAuthn, err) {
			return
		}
	}

	c.requirePassword(gen)
}

// detect runs method detection, fully absorbing failures: detection is an
// optimization, never a hard dependency for login.
func (c *Controller) detect(ctx context.Context, username string) MethodAvailability {
	fallback := MethodAvailability{PasswordAvailable: true}
	if c.detector == nil {
		return fallback
	}

	dctx, cancel := context.WithTimeout(ctx, c.timeouts.Detect)
	defer cancel()
	avail, err := c.detector.Detect(dctx, username)
	if err != nil {
		c.logger.Debug("method detection failed, degrading to password",
			slog.Any("error", err))
		return fallback
	}
	if !avail.anyUsable() {
		// A response with no usable factor is a protocol violation; keep
		// the password path open regardless.
		c.logger.Warn("method detection reported no usable factor")
		avail.PasswordAvailable = true
	}
	return avail
}

// attempt runs one factor under its ceiling. An expiry of the per-factor
// deadline (as opposed to cancellation of the whole attempt) is reported
// as timeoutCode.
func (c *Controller) attempt(ctx context.Context, ceiling time.Duration, timeoutCode Code,
	run func(context.Context) (session.Session, error)) (session.Session, error) {

	actx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()
	sess, err := run(actx)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return session.Session{}, Wrap(timeoutCode, err)
	}
	return sess, err
}

func (c *Controller) beginFactor(gen uint64, step Step, factor Factor, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	next := c.snap
	next.Step = step
	next.ActiveFactor = factor
	next.StatusMessage = msg
	next.LastError = nil
	c.setLocked(next)
	return true
}

// factorFailed records the failure so the next transition can surface it,
// and reports whether the cascade may continue. Automatic factors are not
// retried within the same attempt.
func (c *Controller) factorFailed(gen uint64, factor Factor, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.snap.LastError = err
	c.snap.ActiveFactor = FactorNone
	c.logger.Info("authentication factor failed",
		slog.String("factor", string(factor)),
		slog.Any("error", err))
	return true
}

func (c *Controller) requirePassword(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	next := c.snap
	next.Step = StepPasswordRequired
	next.ActiveFactor = FactorNone
	next.StatusMessage = "enter your password"
	c.setLocked(next)
}

func (c *Controller) finish(gen uint64, factor Factor, sess session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.logger.Debug("discarding stale factor completion",
			slog.String("factor", string(factor)))
		return
	}

	if sess.Username == "" {
		sess.Username = c.snap.Username
	}
	if sess.Method == "" {
		sess.Method = string(factor)
	}

	established, err := c.establisher.Establish(sess)
	if err != nil {
		// An executor result the establisher refuses is indistinguishable
		// from a misbehaving server.
		next := c.snap
		next.Step = StepPasswordRequired
		next.ActiveFactor = FactorNone
		next.StatusMessage = "enter your password"
		next.LastError = Wrap(CodeServerProtocolError, err)
		c.setLocked(next)
		return
	}

	if c.snap.Remember && c.identities != nil {
		if rerr := c.identities.Remember(established.Username); rerr != nil {
			c.logger.Warn("failed to persist remembered identity", slog.Any("error", rerr))
		} else {
			c.remembered = established.Username
		}
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	next := c.snap
	next.Step = StepAuthenticated
	next.ActiveFactor = FactorNone
	next.StatusMessage = "signed in as " + established.Username
	next.LastError = nil
	next.Session = &established
	c.setLocked(next)
	c.logger.Info("authenticated",
		slog.String("user", established.Username),
		slog.String("method", established.Method))
}

func (c *Controller) passwordFailed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	next := c.snap
	next.Step = StepFailed
	next.ActiveFactor = FactorNone
	next.StatusMessage = "sign-in failed"
	next.LastError = err
	c.setLocked(next)

	// The failed state is transient: after a short display delay the
	// controller parks back in password_required with the field cleared.
	time.AfterFunc(c.failedDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen || c.snap.Step != StepFailed {
			return
		}
		reverted := c.snap
		reverted.Step = StepPasswordRequired
		reverted.StatusMessage = "enter your password"
		reverted.LastError = nil
		c.setLocked(reverted)
	})
}

func (c *Controller) setLocked(s Snapshot) {
	c.snap = s
	if c.notify != nil {
		c.notify(s)
	}
}
