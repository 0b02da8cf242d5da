// Package breaker provides the single circuit breaker implementation shared
// by BackendClient and TTSFallback. Both guard an external call (the V2
// backend HTTP API, a TTS provider) behind the same open/closed/half-open
// state machine, wrapping gobreaker.TwoStepCircuitBreaker so a flapping dependency
// fails fast instead of piling up retries. The facade is a plain
// name+error shape (Allow/Run) rather than one provider's request/response
// types, since multiple unrelated callers share the same construction and
// state-change logging.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default settings: three consecutive failures trips the breaker, and it
// waits a minute before allowing a half-open probe.
const (
	DefaultMaxFailures uint32        = 3
	DefaultTimeout     time.Duration = 60 * time.Second
	DefaultInterval    time.Duration = 60 * time.Second
)

// ErrOpen is returned by Allow when the breaker is open or the half-open
// probe quota is exhausted. Callers should treat it as a fast-fail, not a
// retryable error.
var ErrOpen = errors.New("breaker: circuit open")

// Config configures a Breaker. Zero values fall back to the defaults above.
type Config struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Breaker is a named circuit breaker. It has no knowledge of what it is
// protecting; callers report outcomes through the done func returned by
// Allow, or use the Run convenience method.
type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// New creates a Breaker identified by name (used only for state-change
// logging), applying cfg over the package defaults.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = DefaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}

	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			if logger == nil {
				return
			}
			logger.Warn("circuit breaker state change",
				"breaker", breakerName,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Breaker{name: name, cb: cb}
}

// Allow reports whether a call may proceed. When it returns a non-nil done,
// the caller must invoke it exactly once with the call's outcome; when err
// is non-nil (ErrOpen), the caller must not attempt the call at all.
func (b *Breaker) Allow() (done func(success bool), err error) {
	done, err = b.cb.Allow()
	if err != nil {
		return nil, ErrOpen
	}
	return done, nil
}

// Run executes fn if the breaker allows it, recording success or failure
// based on fn's return value. It returns ErrOpen without calling fn if the
// circuit is open.
func (b *Breaker) Run(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err == nil)
	return err
}

// State reports the current breaker state, for health/diagnostics surfaces.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the breaker's identifying name.
func (b *Breaker) Name() string {
	return b.name
}
