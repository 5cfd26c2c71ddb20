package license

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "simconn/pkg/logx"
)

// State of the lease as the controller believes it to be. The simulator is
// the source of truth; ClearState exists to resynchronize when it disagrees.
type State int

const (
	// Released means no license is checked out.
	Released State = iota
	// Held means the license is checked out, in use or idling toward release.
	Held
)

func (s State) String() string {
	switch s {
	case Released:
		return "released"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

var (
	ErrClosed = errors.New("license controller closed")
)

// Timer is the subset of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config controls lease behavior.
type Config struct {
	// Enabled gates the whole controller; when false every call is a no-op
	// and the acquire/release callbacks are never invoked.
	Enabled bool

	// LeaseDuration is how long the lease may sit idle before release.
	// Defaults to 5 minutes.
	LeaseDuration time.Duration

	// StatusInterval is how often StatusLoop logs the lease state.
	// Defaults to 1 minute.
	StatusInterval time.Duration
}

// AcquireFunc checks the license out from the simulator.
type AcquireFunc func(ctx context.Context) error

// ReleaseFunc returns the license to the simulator.
type ReleaseFunc func(ctx context.Context) error

// Controller is the lease state machine.
//
// One mutex guards every transition, including the idle-timer callback and
// the acquire/release callbacks themselves. Callbacks therefore must not call
// back into the controller.
type Controller struct {
	cfg     Config
	log     logx.Logger
	clock   Clock
	acquire AcquireFunc
	release ReleaseFunc

	mu        sync.Mutex
	state     State
	usage     int
	releaseAt time.Time
	timer     Timer
	closed    bool
}

func New(cfg Config, log logx.Logger, acquire AcquireFunc, release ReleaseFunc) *Controller {
	return NewWithClock(cfg, log, acquire, release, realClock{})
}

func NewWithClock(cfg Config, log logx.Logger, acquire AcquireFunc, release ReleaseFunc, clock Clock) *Controller {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Minute
	}
	return &Controller{
		cfg:     cfg,
		log:     log,
		clock:   clock,
		acquire: acquire,
		release: release,
		state:   Released,
	}
}

// Acquire checks the license out if it is not already held. Calling it while
// the lease is held is not an error; the existing lease is reused.
func (c *Controller) Acquire(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == Held {
		c.log.Debug("license already held; reusing lease")
		return nil
	}
	return c.acquireLocked(ctx)
}

func (c *Controller) acquireLocked(ctx context.Context) error {
	if c.acquire != nil {
		if err := c.acquire(ctx); err != nil {
			return err
		}
	}
	c.state = Held
	c.log.Info("license acquired")
	return nil
}

// Usage marks one active consumer of the lease. End must be called exactly
// once; calling it again is a no-op.
type Usage struct {
	c    *Controller
	once sync.Once
}

// End releases this usage. When it was the last active usage the idle window
// starts: the lease stays held for LeaseDuration and is released afterwards
// unless a new usage begins first.
func (u *Usage) End() {
	if u == nil || u.c == nil {
		return
	}
	u.once.Do(u.c.endUsage)
}

// BeginUsage acquires the lease if needed and registers an active usage.
// While at least one usage is active the lease is never released.
func (c *Controller) BeginUsage(ctx context.Context) (*Usage, error) {
	if !c.cfg.Enabled {
		return &Usage{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.state != Held {
		if err := c.acquireLocked(ctx); err != nil {
			return nil, err
		}
	}
	c.usage++
	// Any pending idle release is void while something is running.
	c.stopTimerLocked()
	return &Usage{c: c}, nil
}

func (c *Controller) endUsage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usage > 0 {
		c.usage--
	}
	if c.usage > 0 || c.state != Held || c.closed {
		return
	}
	c.releaseAt = c.clock.Now().Add(c.cfg.LeaseDuration)
	c.stopTimerLocked()
	c.timer = c.clock.AfterFunc(c.cfg.LeaseDuration, c.onIdleExpired)
	c.log.Debug("license idle; release scheduled",
		logx.Time("release_at", c.releaseAt),
		logx.Duration("lease", c.cfg.LeaseDuration))
}

// onIdleExpired runs in the timer goroutine. The deadline is re-checked under
// the lock: a BeginUsage racing the timer wins and the release is skipped.
func (c *Controller) onIdleExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != Held || c.usage > 0 {
		return
	}
	if c.clock.Now().Before(c.releaseAt) {
		return
	}
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	if c.release != nil {
		if err := c.release(context.Background()); err != nil {
			// Transition to Released anyway so the lease can never get
			// permanently stuck on a flaky checkin; the simulator's own
			// timeout reclaims the license server-side.
			c.log.Warn("license release failed", logx.Err(err))
		}
	}
	c.state = Released
	c.releaseAt = time.Time{}
	c.log.Info("license released")
}

// ClearState forces the controller back to Released without invoking the
// release callback. Use it when the simulator reports the license is already
// gone (crash, external checkin) and the controller's view is stale.
func (c *Controller) ClearState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.state = Released
	c.usage = 0
	c.releaseAt = time.Time{}
	c.log.Info("license state cleared")
}

// Snapshot is a read-only view for diagnostics and status reporting.
type Snapshot struct {
	State     State
	Usage     int
	ReleaseAt time.Time
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, Usage: c.usage, ReleaseAt: c.releaseAt}
}

// Close releases a held lease immediately and rejects further calls.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.stopTimerLocked()
	if c.cfg.Enabled && c.state == Held {
		if c.release != nil {
			if err := c.release(context.Background()); err != nil {
				c.log.Warn("license release on close failed", logx.Err(err))
			}
		}
		c.state = Released
	}
	return nil
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// StatusLoop periodically logs the lease state until ctx is done. Run it
// under the supervisor next to the other background loops.
func (c *Controller) StatusLoop(ctx context.Context) error {
	if !c.cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(c.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s := c.Snapshot()
			fields := []logx.Field{
				logx.String("state", s.State.String()),
				logx.Int("usage", s.Usage),
			}
			if !s.ReleaseAt.IsZero() {
				fields = append(fields, logx.Time("release_at", s.ReleaseAt))
			}
			c.log.Info("license status", fields...)
		}
	}
}
