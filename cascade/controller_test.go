package cascade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authgate/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeDetector struct {
	mu    sync.Mutex
	avail MethodAvailability
	err   error
	calls int
}

func (d *fakeDetector) Detect(_ context.Context, _ string) (MethodAvailability, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.avail, d.err
}

type stubCert struct {
	sess session.Session
	err  error
}

func (s stubCert) Attempt(context.Context) (session.Session, error) {
	return s.sess, s.err
}

type stubCeremony struct {
	sess    session.Session
	err     error
	started chan struct{}
	release chan struct{}
}

func (s *stubCeremony) Attempt(ctx context.Context, _ string) (session.Session, error) {
	if s.started != nil {
		close(s.started)
		s.started = nil
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return session.Session{}, Wrap(CodeCeremonyCancelled, ctx.Err())
		}
	}
	return s.sess, s.err
}

type stubPassword struct {
	mu      sync.Mutex
	sess    session.Session
	err     error
	gotUser string
	gotPass string
}

func (s *stubPassword) Attempt(_ context.Context, username, password string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotUser = username
	s.gotPass = password
	return s.sess, s.err
}

type fakeIdentities struct {
	mu       sync.Mutex
	username string
	saved    bool
	forgets  int
}

func (f *fakeIdentities) Remember(username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username = username
	f.saved = true
	return nil
}

func (f *fakeIdentities) Forget() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username = ""
	f.saved = false
	f.forgets++
	return nil
}

func (f *fakeIdentities) Recall() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.username, f.saved, nil
}

// watcher collects transitions through the OnTransition hook.
type watcher struct {
	ch chan Snapshot
}

func newWatcher() *watcher {
	return &watcher{ch: make(chan Snapshot, 64)}
}

func (w *watcher) on(s Snapshot) {
	w.ch <- s
}

// waitStep consumes transitions until the wanted step appears.
func (w *watcher) waitStep(t *testing.T, want Step) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-w.ch:
			if s.Step == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for step %s", want)
		}
	}
}

type capturedSession struct {
	mu   sync.Mutex
	sess *session.Session
}

func (c *capturedSession) SetCurrent(s session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = &s
}

func (c *capturedSession) get() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func ceremonyCapable() bool { return true }

func testConfig(w *watcher) Config {
	return Config{
		Password:           &stubPassword{},
		OnTransition:       w.on,
		FailedDisplayDelay: 5 * time.Millisecond,
		Timeouts: TimeoutPolicy{
			Detect:   time.Second,
			MTLS:     time.Second,
			WebAuthn: time.Second,
			Password: time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestCascade_PasswordOnlyGoesStraightToPasswordRequired(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{PasswordAvailable: true}}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "admin", false))

	w.waitStep(t, StepCheckingMethods)
	snap := w.waitStep(t, StepPasswordRequired)
	assert.Equal(t, "admin", snap.Username)
	assert.Equal(t, FactorNone, snap.ActiveFactor)
	assert.Nil(t, snap.LastError)
}

func TestCascade_WebAuthnSuccess(t *testing.T) {
	w := newWatcher()
	holder := &capturedSession{}
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{WebAuthnCredentials: 2, PasswordAvailable: true}}
	cfg.WebAuthn = &stubCeremony{sess: session.Session{Username: "alice", Method: "webauthn", Ref: "tok"}}
	cfg.CeremonyCapable = ceremonyCapable
	cfg.Holder = holder

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))

	attempting := w.waitStep(t, StepAttemptingWebAuthn)
	assert.Equal(t, FactorWebAuthn, attempting.ActiveFactor)

	snap := w.waitStep(t, StepAuthenticated)
	assert.Equal(t, FactorNone, snap.ActiveFactor)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "webauthn", snap.Session.Method)
	require.NotNil(t, holder.get())
	assert.Equal(t, "alice", holder.get().Username)
}

func TestCascade_WebAuthnCancelledFallsBackToPassword(t *testing.T) {
	w := newWatcher()
	holder := &capturedSession{}
	pw := &stubPassword{sess: session.Session{Username: "alice", Method: "password", Ref: "tok2"}}
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{WebAuthnCredentials: 2, PasswordAvailable: true}}
	cfg.WebAuthn = &stubCeremony{err: Wrap(CodeCeremonyCancelled, errors.New("user dismissed prompt"))}
	cfg.CeremonyCapable = ceremonyCapable
	cfg.Password = pw
	cfg.Holder = holder

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))

	snap := w.waitStep(t, StepPasswordRequired)
	code, ok := CodeOf(snap.LastError)
	require.True(t, ok)
	assert.Equal(t, CodeCeremonyCancelled, code)

	require.NoError(t, c.SubmitPassword(context.Background(), "hunter2"))
	final := w.waitStep(t, StepAuthenticated)
	require.NotNil(t, final.Session)
	assert.Equal(t, "password", final.Session.Method)
	assert.Equal(t, "hunter2", pw.gotPass)
}

func TestCascade_WrongPasswordFailsThenReverts(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{PasswordAvailable: true}}
	cfg.Password = &stubPassword{err: Wrap(CodeInvalidCredentials, errors.New("invalid credentials"))}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "admin", false))
	w.waitStep(t, StepPasswordRequired)

	require.NoError(t, c.SubmitPassword(context.Background(), "wrong"))
	failed := w.waitStep(t, StepFailed)
	code, ok := CodeOf(failed.LastError)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidCredentials, code)

	// Auto-revert with the username preserved and the error cleared.
	reverted := w.waitStep(t, StepPasswordRequired)
	assert.Equal(t, "admin", reverted.Username)
	assert.Nil(t, reverted.LastError)
}

func TestCascade_MTLSFailureFallsThroughToWebAuthn(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{MTLSEnrolled: true, WebAuthnCredentials: 1, PasswordAvailable: true}}
	cfg.MTLS = stubCert{err: Wrap(CodeCertificateAbsent, errors.New("no client certificate configured"))}
	cfg.WebAuthn = &stubCeremony{sess: session.Session{Username: "carol", Method: "webauthn", Ref: "tok"}}
	cfg.CeremonyCapable = ceremonyCapable

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "carol", false))

	w.waitStep(t, StepAttemptingMTLS)
	w.waitStep(t, StepAttemptingWebAuthn)
	w.waitStep(t, StepAuthenticated)
}

func TestCascade_MTLSFailureWithoutWebAuthnParksAtPassword(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{MTLSEnrolled: true, PasswordAvailable: true}}
	cfg.MTLS = stubCert{err: Wrap(CodeCertificateRejected, errors.New("certificate rejected"))}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "dave", false))

	snap := w.waitStep(t, StepPasswordRequired)
	code, _ := CodeOf(snap.LastError)
	assert.Equal(t, CodeCertificateRejected, code)
}

// ---------------------------------------------------------------------------
// Detector degradation
// ---------------------------------------------------------------------------

func TestCascade_DetectorFailureDegradesToPassword(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{err: Wrap(CodeNetworkFailure, errors.New("connection refused"))}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))

	snap := w.waitStep(t, StepPasswordRequired)
	// The detector failure is absorbed, never surfaced.
	assert.Nil(t, snap.LastError)
}

func TestCascade_DetectorProtocolViolationKeepsPasswordPath(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{}}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))
	w.waitStep(t, StepPasswordRequired)
}

func TestCascade_NoDetectorConfigured(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))
	w.waitStep(t, StepPasswordRequired)
}

// ---------------------------------------------------------------------------
// Fallback completeness
// ---------------------------------------------------------------------------

func TestCascade_AlwaysReachesPasswordRequiredOrAuthenticated(t *testing.T) {
	for mask := 0; mask < 8; mask++ {
		avail := MethodAvailability{
			MTLSEnrolled:      mask&1 != 0,
			PasswordAvailable: mask&2 != 0,
		}
		if mask&4 != 0 {
			avail.WebAuthnCredentials = 1
		}

		w := newWatcher()
		cfg := testConfig(w)
		cfg.Detector = &fakeDetector{avail: avail}
		cfg.MTLS = stubCert{err: Wrap(CodeCertificateAbsent, errors.New("absent"))}
		cfg.WebAuthn = &stubCeremony{err: Wrap(CodeCeremonyUnsupported, errors.New("unsupported"))}
		cfg.CeremonyCapable = ceremonyCapable

		c, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))
		w.waitStep(t, StepPasswordRequired)
	}
}

// ---------------------------------------------------------------------------
// Timeout
// ---------------------------------------------------------------------------

func TestCascade_WebAuthnTimeoutTreatedAsCancellation(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Timeouts.WebAuthn = 10 * time.Millisecond
	cfg.Detector = &fakeDetector{avail: MethodAvailability{WebAuthnCredentials: 1, PasswordAvailable: true}}
	cfg.WebAuthn = &stubCeremony{release: make(chan struct{})} // never released
	cfg.CeremonyCapable = ceremonyCapable

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))

	snap := w.waitStep(t, StepPasswordRequired)
	code, ok := CodeOf(snap.LastError)
	require.True(t, ok)
	assert.Equal(t, CodeCeremonyTimeout, code)
}

// ---------------------------------------------------------------------------
// Stale completion discard
// ---------------------------------------------------------------------------

func TestCascade_StaleWebAuthnCompletionDiscarded(t *testing.T) {
	w := newWatcher()
	holder := &capturedSession{}
	started := make(chan struct{})
	release := make(chan struct{})
	ceremony := &stubCeremony{
		sess:    session.Session{Username: "alice", Method: "webauthn", Ref: "tok"},
		started: started,
		release: release,
	}
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{WebAuthnCredentials: 1, PasswordAvailable: true}}
	cfg.WebAuthn = ceremony
	cfg.CeremonyCapable = ceremonyCapable
	cfg.Holder = holder

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))

	<-started
	c.ChangeIdentity()
	close(release) // the in-flight ceremony now resolves successfully

	// Give the goroutine time to (incorrectly) apply the result.
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, holder.get(), "stale completion must not establish a session")
	assert.Equal(t, StepIdle, c.Snapshot().Step)
}

// ---------------------------------------------------------------------------
// Identity handling
// ---------------------------------------------------------------------------

func TestCascade_RememberMePersistsOnSuccess(t *testing.T) {
	w := newWatcher()
	ids := &fakeIdentities{}
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{PasswordAvailable: true}}
	cfg.Password = &stubPassword{sess: session.Session{Username: "alice", Method: "password", Ref: "tok"}}
	cfg.Identities = ids

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", true))
	w.waitStep(t, StepPasswordRequired)
	require.NoError(t, c.SubmitPassword(context.Background(), "pw"))
	w.waitStep(t, StepAuthenticated)

	username, saved, err := ids.Recall()
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, "alice", username)
	assert.Equal(t, "alice", c.Remembered())
}

func TestCascade_ChangeIdentityForgetsAndResets(t *testing.T) {
	w := newWatcher()
	ids := &fakeIdentities{username: "alice", saved: true}
	cfg := testConfig(w)
	cfg.Identities = ids

	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Remembered())

	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))
	c.ChangeIdentity()

	assert.Equal(t, StepIdle, c.Snapshot().Step)
	assert.Equal(t, "", c.Remembered())
	ids.mu.Lock()
	defer ids.mu.Unlock()
	assert.Equal(t, 1, ids.forgets)
}

// ---------------------------------------------------------------------------
// Input validation and sequencing
// ---------------------------------------------------------------------------

func TestCascade_RejectsEmptyUsername(t *testing.T) {
	c, err := New(testConfig(newWatcher()))
	require.NoError(t, err)
	assert.ErrorIs(t, c.SubmitUsername(context.Background(), "   ", false), ErrEmptyUsername)
}

func TestCascade_RejectsSecondSubmitWhileBusy(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{PasswordAvailable: true}}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "alice", false))
	assert.ErrorIs(t, c.SubmitUsername(context.Background(), "bob", false), ErrNotIdle)
}

func TestCascade_PasswordOutsidePasswordRequired(t *testing.T) {
	c, err := New(testConfig(newWatcher()))
	require.NoError(t, err)
	assert.ErrorIs(t, c.SubmitPassword(context.Background(), "pw"), ErrNoPasswordPending)
}

func TestCascade_RequiresPasswordRunner(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCascade_NormalizesUsername(t *testing.T) {
	w := newWatcher()
	cfg := testConfig(w)
	cfg.Detector = &fakeDetector{avail: MethodAvailability{PasswordAvailable: true}}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.SubmitUsername(context.Background(), "  alice \n", false))
	snap := w.waitStep(t, StepCheckingMethods)
	assert.Equal(t, "alice", snap.Username)
}
