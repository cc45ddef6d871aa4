// Package retry provides the retry policy shared by the executor and the
// step state store: exponential backoff with a cap, optional jitter, and
// classification of non-retryable errors by stable error name.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls how failed step attempts are retried.
// A zero field means "unset" and is filled in by Merge.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier is the exponential backoff factor.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter adds up to ±25% random variation to each delay.
	Jitter bool `json:"jitter" yaml:"jitter"`

	// NonRetryable lists error names that stop retrying immediately,
	// e.g. "AuthenticationError" or "ValidationError".
	NonRetryable []string `json:"non_retryable" yaml:"non_retryable"`
}

// DefaultPolicy returns the policy used when neither the executor nor the
// step overrides anything: 3 attempts, 1s initial delay doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Merge returns a copy of p with every set field of override applied on top.
// Merge is used to layer default < executor override < step override, the
// later layers winning field by field.
func (p Policy) Merge(override *Policy) Policy {
	if override == nil {
		return p
	}
	out := p
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.InitialDelay > 0 {
		out.InitialDelay = override.InitialDelay
	}
	if override.MaxDelay > 0 {
		out.MaxDelay = override.MaxDelay
	}
	if override.Multiplier > 0 {
		out.Multiplier = override.Multiplier
	}
	if override.Jitter {
		out.Jitter = true
	}
	if len(override.NonRetryable) > 0 {
		out.NonRetryable = override.NonRetryable
	}
	return out
}

// Delay returns the backoff before the retry following the given attempt.
// Attempt 0 is the first failed attempt: delay = InitialDelay * Multiplier^attempt,
// capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 2.0
	}
	delay := float64(initial) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// Retryable reports whether err may be retried under this policy.
// Errors whose name (see ErrorName) appears in NonRetryable are terminal.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	name := ErrorName(err)
	if name == "" {
		return true
	}
	for _, n := range p.NonRetryable {
		if n == name {
			return false
		}
	}
	return true
}

// Named is implemented by errors that carry a stable classification name.
type Named interface {
	Name() string
}

// NamedError wraps an error with a classification name so retry policies can
// match it against their non-retryable list.
type NamedError struct {
	ErrName string
	Err     error
}

func (e *NamedError) Error() string {
	if e.Err != nil {
		return e.ErrName + ": " + e.Err.Error()
	}
	return e.ErrName
}

func (e *NamedError) Unwrap() error { return e.Err }

// Name implements Named.
func (e *NamedError) Name() string { return e.ErrName }

// WithName wraps err with a classification name.
func WithName(name string, err error) error {
	if err == nil {
		return nil
	}
	return &NamedError{ErrName: name, Err: err}
}

// ErrorName walks the error chain and returns the first classification name
// found, or "" when the error carries none.
func ErrorName(err error) string {
	for err != nil {
		if named, ok := err.(Named); ok {
			return named.Name()
		}
		err = errors.Unwrap(err)
	}
	return ""
}
