// Package session defines the authenticated session value produced by a
// successful login and the establisher that hands it to the application.
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrIncomplete is returned when an executor result lacks the fields
	// every established session must carry.
	ErrIncomplete = errors.New("session result missing username or auth method")
	// ErrAlreadyEstablished is returned when a second session is
	// established for the same login attempt.
	ErrAlreadyEstablished = errors.New("session already established for this login attempt")
)

// Session is the immutable record of one successful authentication. Ref is
// the opaque server-issued session reference; Method records which factor
// succeeded, for audit and display.
type Session struct {
	Username      string
	Method        string
	Ref           string
	EstablishedAt time.Time
}

// Holder receives the established session. It is the application's global
// current-user state; the orchestrator writes to it exactly once per
// successful attempt and holds no other long-lived state.
type Holder interface {
	SetCurrent(Session)
}

// HolderFunc adapts a function to the Holder interface.
type HolderFunc func(Session)

func (f HolderFunc) SetCurrent(s Session) { f(s) }

// Establisher is the sole write path into the Holder. One Establisher is
// created per login attempt and refuses to fire twice.
type Establisher struct {
	mu     sync.Mutex
	holder Holder
	done   bool
}

func NewEstablisher(holder Holder) *Establisher {
	return &Establisher{holder: holder}
}

// Establish validates the session record, stamps it, and hands it to the
// holder. A session without a username or method is rejected rather than
// propagated.
func (e *Establisher) Establish(s Session) (Session, error) {
	if s.Username == "" || s.Method == "" {
		return Session{}, ErrIncomplete
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return Session{}, ErrAlreadyEstablished
	}
	e.done = true

	if s.EstablishedAt.IsZero() {
		s.EstablishedAt = time.Now().UTC()
	}
	if e.holder != nil {
		e.holder.SetCurrent(s)
	}
	return s, nil
}
