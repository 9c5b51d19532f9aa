package cascade

import "time"

// TimeoutPolicy sets per-operation ceilings for the cascade. Zero fields
// fall back to the defaults, so callers only override what they need —
// tests in particular shrink these to avoid wall-clock waits.
type TimeoutPolicy struct {
	Detect   time.Duration
	MTLS     time.Duration
	WebAuthn time.Duration
	Password time.Duration
}

const (
	defaultDetectTimeout = 5 * time.Second
	defaultMTLSTimeout   = 10 * time.Second
	// A possession ceremony with no definitive answer after this long is
	// abandoned and the cascade falls through to the password.
	defaultWebAuthnTimeout = 12 * time.Second
	defaultPasswordTimeout = 15 * time.Second
)

func (p TimeoutPolicy) withDefaults() TimeoutPolicy {
	if p.Detect <= 0 {
		p.Detect = defaultDetectTimeout
	}
	if p.MTLS <= 0 {
		p.MTLS = defaultMTLSTimeout
	}
	if p.WebAuthn <= 0 {
		p.WebAuthn = defaultWebAuthnTimeout
	}
	if p.Password <= 0 {
		p.Password = defaultPasswordTimeout
	}
	return p
}
