package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseBackoffWait
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseBackoffWait:
		return "backoff_wait"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Attempt describes one scheduled reconnection. Number starts at 1.
type Attempt struct {
	Number    int
	Delay     time.Duration
	StartedAt time.Time
}

// Policy decides whether and when to reconnect after a failure. Delays grow
// as min(base*2^(n-1), max) with no jitter.
type Policy struct {
	cfg      Config
	backoff  *backoff.ExponentialBackOff
	attempts int
	phase    Phase
	now      func() time.Time
}

func New(cfg Config) *Policy {
	cfg = cfg.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxDelay,
	}
	b.Reset()
	return &Policy{cfg: cfg, backoff: b, now: time.Now}
}

func (p *Policy) Config() Config { return p.cfg }

func (p *Policy) Phase() Phase { return p.phase }

// Attempts is the number of consecutive reconnection attempts scheduled
// since the last successful connection.
func (p *Policy) Attempts() int { return p.attempts }

// Connecting records that a connection attempt is in flight.
func (p *Policy) Connecting() {
	if p.phase != PhaseFailed {
		p.phase = PhaseConnecting
	}
}

// Connected resets the attempt counter.
func (p *Policy) Connected() {
	p.attempts = 0
	p.backoff.Reset()
	p.phase = PhaseConnected
}

// Failure records a lost or failed connection and returns the next attempt
// to schedule. It returns false once MaxAttempts consecutive attempts have
// been used, leaving the policy in PhaseFailed.
func (p *Policy) Failure() (Attempt, bool) {
	if p.phase == PhaseFailed || p.phase == PhaseIdle {
		return Attempt{}, false
	}
	if p.attempts >= p.cfg.MaxAttempts {
		p.phase = PhaseFailed
		return Attempt{}, false
	}
	p.attempts++
	p.phase = PhaseBackoffWait
	return Attempt{
		Number:    p.attempts,
		Delay:     p.backoff.NextBackOff(),
		StartedAt: p.now(),
	}, true
}

// Cancel abandons any retry sequence and returns the policy to idle.
func (p *Policy) Cancel() {
	p.attempts = 0
	p.backoff.Reset()
	p.phase = PhaseIdle
}
