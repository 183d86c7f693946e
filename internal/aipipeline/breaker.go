package aipipeline

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets up to SuccessThreshold trial calls through at once.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the AI service is being shed.
// It wraps ErrAIUnavailable.
var ErrBreakerOpen = fmt.Errorf("%w: circuit open", ErrAIUnavailable)

// minRateSamples is how many calls a window needs before the error-rate
// threshold is consulted.
const minRateSamples = 10

// BreakerSettings configures a Breaker. Zero values take defaults.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	ErrorRate        float64
	RateWindow       time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

// Breaker guards the model service. It opens after FailureThreshold
// consecutive failures or when the failure ratio in a tumbling window reaches
// ErrorRate. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerSettings
	now      func() time.Time
	onChange func(BreakerState)

	state     BreakerState
	failures  int
	successes int
	trials    int // half-open calls admitted and not yet reported
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerSettings) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers a callback fired (under no lock) whenever the
// breaker changes state.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow returns nil when a call may proceed, ErrBreakerOpen otherwise. While
// half-open only SuccessThreshold calls are admitted until they report back.
// Every admitted call must be followed by Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	changed := b.tick()
	state := b.state
	admit := state == BreakerClosed
	if state == BreakerHalfOpen && b.trials < b.cfg.SuccessThreshold {
		b.trials++
		admit = true
	}
	fn := b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
	if !admit {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	changed := false
	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.count(false)
	case BreakerHalfOpen:
		b.release()
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures, b.successes, b.trials = 0, 0, 0
			b.resetWindow()
			changed = true
		}
	}
	state, fn := b.state, b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	changed := false
	switch b.state {
	case BreakerClosed:
		b.failures++
		b.count(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.trip()
			changed = true
		}
	case BreakerHalfOpen:
		b.trip()
		changed = true
	}
	state, fn := b.state, b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
}

// State returns the current state, promoting Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}

// ErrorRate returns the failure ratio and sample count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

// tick moves Open to HalfOpen after the cool-down. Lock held.
func (b *Breaker) tick() bool {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.successes, b.trials = 0, 0
		return true
	}
	return false
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes, b.trials = 0, 0
	b.resetWindow()
}

// release frees a half-open slot. Lock held.
func (b *Breaker) release() {
	if b.trials > 0 {
		b.trials--
	}
}

func (b *Breaker) count(failed bool) {
	if b.cfg.RateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindow() {
	if b.cfg.RateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.RateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRate <= 0 || b.cfg.RateWindow <= 0 || b.windowTotal < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRate
}
