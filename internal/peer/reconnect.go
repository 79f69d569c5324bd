package peer

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ReconnectConfig controls redial backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns the default backoff.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Delay returns the backoff before attempt n (0-indexed), without jitter.
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

type redialState struct {
	attempts int
	timer    *time.Timer
}

// Reconnector redials peers with exponential backoff until dial succeeds,
// MaxAttempts is reached, or the redial is cancelled.
type Reconnector struct {
	cfg  ReconnectConfig
	dial func(addr string) error

	mu     sync.Mutex
	states map[string]*redialState
	closed bool
}

// NewReconnector creates a reconnector calling dial for each attempt.
func NewReconnector(cfg ReconnectConfig, dial func(addr string) error) *Reconnector {
	return &Reconnector{
		cfg:    cfg,
		dial:   dial,
		states: make(map[string]*redialState),
	}
}

// Schedule arranges a redial of addr. A redial already pending for addr is
// restarted without resetting its attempt count.
func (r *Reconnector) Schedule(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	state, ok := r.states[addr]
	if !ok {
		state = &redialState{}
		r.states[addr] = state
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	if r.cfg.MaxAttempts > 0 && state.attempts >= r.cfg.MaxAttempts {
		delete(r.states, addr)
		return
	}

	r.arm(addr, state)
}

// arm starts the timer for the next attempt. r.mu must be held.
func (r *Reconnector) arm(addr string, state *redialState) {
	delay := r.jitter(r.cfg.Delay(state.attempts))
	state.timer = time.AfterFunc(delay, func() {
		r.attempt(addr, state)
	})
}

func (r *Reconnector) attempt(addr string, state *redialState) {
	r.mu.Lock()
	if r.closed || r.states[addr] != state {
		r.mu.Unlock()
		return
	}
	state.attempts++
	r.mu.Unlock()

	err := r.dial(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.states[addr] != state {
		return
	}
	if err == nil || (r.cfg.MaxAttempts > 0 && state.attempts >= r.cfg.MaxAttempts) {
		delete(r.states, addr)
		return
	}
	r.arm(addr, state)
}

func (r *Reconnector) jitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * r.cfg.Jitter
	result := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if result < 0 {
		return d
	}
	return result
}

// Cancel stops any pending redial of addr and forgets its attempts.
func (r *Reconnector) Cancel(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[addr]; ok {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(r.states, addr)
	}
}

// Attempts returns the number of redials made for addr so far.
func (r *Reconnector) Attempts(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[addr]; ok {
		return state.attempts
	}
	return 0
}

// IsPending reports whether a redial of addr is scheduled or running.
func (r *Reconnector) IsPending(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.states[addr]
	return ok
}

// Stop cancels every pending redial. Later Schedule calls are ignored.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for addr, state := range r.states {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(r.states, addr)
	}
}
