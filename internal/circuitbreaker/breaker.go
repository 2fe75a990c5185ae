// Package circuitbreaker gates outbound webhook deliveries per destination
// URL so a dead endpoint cannot soak the worker pool with doomed attempts.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State of one breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failure threshold exceeded, attempts blocked
	StateHalfOpen              // probing whether the endpoint recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes a breaker.
type Config struct {
	// FailureThreshold consecutive failures trip the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
}

// DefaultConfig trips after 5 consecutive failures with a 60s cooldown.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 60 * time.Second}
}

type breaker struct {
	state        State
	consecutive  int
	openedAt     time.Time
	totalTripped int
}

// Set manages one breaker per destination.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*breaker
	logger   *log.Logger
	nowFn    func() time.Time
}

// NewSet creates a breaker set.
func NewSet(cfg Config) *Set {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Set{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		logger:   log.New(log.Writer(), "[CIRCUIT] ", log.LstdFlags),
		nowFn:    time.Now,
	}
}

// Allow reports whether an attempt against the destination may proceed.
// An open circuit past its cooldown moves to half-open and lets one probe
// through.
func (s *Set) Allow(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[dest]
	if b == nil {
		return nil
	}
	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if s.nowFn().Sub(b.openedAt) >= s.cfg.Cooldown {
			b.state = StateHalfOpen
			return nil
		}
		return ErrOpen
	}
	return nil
}

// Success records a successful delivery and closes the circuit.
func (s *Set) Success(dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[dest]
	if b == nil {
		return
	}
	if b.state != StateClosed {
		s.logger.Printf("circuit closed: %s", dest)
	}
	b.state = StateClosed
	b.consecutive = 0
}

// Failure records a failed delivery, tripping the circuit at the threshold.
// A half-open probe failure re-opens immediately.
func (s *Set) Failure(dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[dest]
	if b == nil {
		b = &breaker{}
		s.breakers[dest] = b
	}
	b.consecutive++
	if b.state == StateHalfOpen || b.consecutive >= s.cfg.FailureThreshold {
		if b.state != StateOpen {
			b.totalTripped++
			s.logger.Printf("circuit open after %d consecutive failures: %s", b.consecutive, dest)
		}
		b.state = StateOpen
		b.openedAt = s.nowFn()
	}
}

// StateOf returns the current state for a destination.
func (s *Set) StateOf(dest string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[dest]
	if b == nil {
		return StateClosed
	}
	if b.state == StateOpen && s.nowFn().Sub(b.openedAt) >= s.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}
