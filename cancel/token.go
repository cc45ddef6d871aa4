package cancel

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Initiator identifies who or what requested cancellation.
type Initiator string

const (
	InitiatorUser    Initiator = "user"
	InitiatorSystem  Initiator = "system"
	InitiatorTimeout Initiator = "timeout"
	InitiatorPolicy  Initiator = "policy"
)

// Reason captures why a run was cancelled. Immutable once attached to a
// token.
type Reason struct {
	Initiator   Initiator      `json:"initiator"`
	Message     string         `json:"message"`
	UserID      string         `json:"user_id,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	Context     map[string]any `json:"context,omitempty"`
}

// CancelledError is returned by Token.Err once the token is cancelled.
type CancelledError struct {
	Reason Reason
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled by %s: %s", e.Reason.Initiator, e.Reason.Message)
}

// Name classifies the error for retry policies; cancellation is never
// retryable.
func (e *CancelledError) Name() string { return "CancelledError" }

// IsCancelled reports whether err is, or wraps, a CancelledError.
func IsCancelled(err error) bool {
	var cancelled *CancelledError
	return errors.As(err, &cancelled)
}

// Token carries a cancellation signal into long-running steps. It is
// cancelled through its owning Source (or, for child tokens, through the
// parent) and may be shared freely for reading.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	reason    Reason
	done      chan struct{}
	listeners []func(Reason)
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the cancellation reason and whether one is set.
func (t *Token) Reason() (Reason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.cancelled
}

// Err is the checkpoint primitive steps call at safe points: nil while the
// token is live, *CancelledError afterwards.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		return nil
	}
	return &CancelledError{Reason: t.reason}
}

// Done returns a channel closed on cancellation, for racing against other
// work in a select.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// OnCancel registers a listener invoked once when the token is cancelled.
// A listener registered after cancellation is invoked immediately.
func (t *Token) OnCancel(listener func(Reason)) {
	t.mu.Lock()
	if t.cancelled {
		reason := t.reason
		t.mu.Unlock()
		listener(reason)
		return
	}
	t.listeners = append(t.listeners, listener)
	t.mu.Unlock()
}

// NewChild returns a token that cancels automatically when this token
// does. Cancelling the child's own source never affects the parent.
func (t *Token) NewChild() *Token {
	child := newToken()
	t.OnCancel(func(reason Reason) {
		child.cancel(reason)
	})
	return child
}

// cancel flips the token exactly once; later calls are no-ops.
func (t *Token) cancel(reason Reason) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	if reason.RequestedAt.IsZero() {
		reason.RequestedAt = time.Now()
	}
	t.cancelled = true
	t.reason = reason
	listeners := t.listeners
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, listener := range listeners {
		listener(reason)
	}
	return true
}

// Source owns a Token and is the sole authority allowed to cancel it.
type Source struct {
	mu       sync.Mutex
	token    *Token
	disposed bool
}

// NewSource creates a source with a fresh token.
func NewSource() *Source {
	return &Source{token: newToken()}
}

// Token returns the token owned by this source.
func (s *Source) Token() *Token {
	return s.token
}

// Cancel cancels the token with the given reason. The first call wins;
// repeated calls and calls after Dispose report false.
func (s *Source) Cancel(reason Reason) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	return s.token.cancel(reason)
}

// Dispose permanently forbids cancellation through this source, guarding
// against stray cancel calls after a run has been finalized.
func (s *Source) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}
