// Package circuitbreaker stops publishing to a destination after repeated
// failures and probes it again once a cooldown has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type destState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks failures per destination key. A threshold <= 0
// disables the breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*destState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	onChange  func(key string, from, to State)
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*destState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// OnStateChange registers a hook called (under the breaker lock) on every
// transition. It must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(key string, from, to State)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

// Allow reports whether a publish to key may proceed. After the cooldown a
// single probe is let through; further calls fail until it is recorded.
func (cb *CircuitBreaker) Allow(key string) error {
	if cb.threshold <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			cb.transition(key, s, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	cb.transition(key, s, StateClosed)
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	if cb.threshold <= 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &destState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.openedAt = cb.clock()
		cb.transition(key, s, StateOpen)
	}
}

// State returns the current state for key.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[key]; ok {
		return s.state
	}
	return StateClosed
}

func (cb *CircuitBreaker) transition(key string, s *destState, to State) {
	from := s.state
	s.state = to
	if from != to && cb.onChange != nil {
		cb.onChange(key, from, to)
	}
}
