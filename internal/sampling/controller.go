// Package sampling picks the polling interval of the capture loop.
//
// The controller has three cadence tiers. Low-power mode overrides
// everything; otherwise recent activity keeps the loop fast and a long
// quiet stretch slows it to the idle cadence.
package sampling

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tier is a cadence tier.
type Tier int

const (
	Fast Tier = iota
	Idle
	LowPower
)

func (t Tier) String() string {
	switch t {
	case Fast:
		return "FAST"
	case Idle:
		return "IDLE"
	case LowPower:
		return "LOW_POWER"
	default:
		return "UNKNOWN"
	}
}

// Decision is the outcome of one Observe call.
type Decision struct {
	Tier     Tier
	Interval time.Duration
	// Changed is set when Tier differs from the previous decision.
	Changed bool
}

type Controller struct {
	cfg      Config
	lowPower atomic.Bool

	mu           sync.Mutex
	lastActivity time.Time
	tier         Tier
}

func NewController(cfg Config, start time.Time) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg}
	c.lowPower.Store(cfg.LowPower)
	c.Reset(start)

	return c, nil
}

// Reset returns the controller to its initial state for a session starting at start.
// The low-power flag is kept.
func (c *Controller) Reset(start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActivity = start
	c.tier = Fast
}

// SetLowPower may be called at any time; it takes effect on the next Observe.
func (c *Controller) SetLowPower(enabled bool) {
	c.lowPower.Store(enabled)
}

func (c *Controller) LowPower() bool {
	return c.lowPower.Load()
}

// Observe evaluates the tier transition for a tick at now with the given
// intensity. Activity is tracked even in low-power mode so that leaving it
// does not drop straight to idle after a busy stretch.
func (c *Controller) Observe(now time.Time, intensity int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := intensity > c.cfg.ActivityThreshold
	if active {
		c.lastActivity = now
	}

	var next Tier
	switch {
	case c.lowPower.Load():
		next = LowPower
	case active:
		next = Fast
	case now.Sub(c.lastActivity) > c.cfg.IdleThreshold:
		next = Idle
	default:
		next = Fast
	}

	changed := next != c.tier
	c.tier = next

	return Decision{
		Tier:     next,
		Interval: c.intervalFor(next),
		Changed:  changed,
	}
}

// Tier returns the most recently decided tier.
func (c *Controller) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tier
}

// Interval returns the interval of the most recently decided tier.
func (c *Controller) Interval() time.Duration {
	return c.intervalFor(c.Tier())
}

// Effective returns the interval that applies right now: the low-power
// interval while the flag is set, otherwise that of the last decided tier.
// Unlike Observe it changes no state.
func (c *Controller) Effective() time.Duration {
	if c.lowPower.Load() {
		return c.cfg.LowPowerInterval
	}

	return c.Interval()
}

func (c *Controller) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastActivity
}

func (c *Controller) intervalFor(t Tier) time.Duration {
	switch t {
	case Idle:
		return c.cfg.IdleInterval
	case LowPower:
		return c.cfg.LowPowerInterval
	default:
		return c.cfg.FastInterval
	}
}
