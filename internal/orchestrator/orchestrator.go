package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"simconn/internal/eventbus"
	logx "simconn/pkg/logx"
)

// Operation is the body of a run. It must honor ctx for preemption and
// shutdown to work; see the package doc for the cooperative-cancel caveat.
type Operation func(ctx context.Context) (any, error)

// Config controls the orchestrator.
type Config struct {
	// MaxConcurrent is the concurrency ceiling shared across all keys.
	MaxConcurrent int

	// DefaultTimeout bounds each operation body. 0 disables it.
	DefaultTimeout time.Duration
}

// RunEvent is emitted on the event bus for run lifecycle events.
type RunEvent struct {
	Key      string        `json:"key"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Priority bool          `json:"priority"`
	Error    string        `json:"error,omitempty"`
}

type entry struct {
	key      string
	handle   *Handle
	ctx      context.Context
	cancel   context.CancelFunc
	priority bool

	// cleanup guards slot release and table removal so a terminal completion
	// runs exactly once even on unusual exit paths.
	cleanup sync.Once
}

type Orchestrator struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	// slots is pre-filled with MaxConcurrent tokens; receiving acquires.
	slots chan struct{}

	inFlight int32

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	slots := make(chan struct{}, cfg.MaxConcurrent)
	for i := 0; i < cfg.MaxConcurrent; i++ {
		slots <- struct{}{}
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		slots:   slots,
		entries: make(map[string]*entry),
	}
}

// Submit starts op under key, or returns the already-tracked run's handle
// when one exists (op is then never called).
//
// ctx governs the run: it is the cancellation the operation body sees, and it
// also bounds the wait for a free concurrency slot.
func (o *Orchestrator) Submit(ctx context.Context, key string, op Operation) (*Handle, error) {
	key, err := validate(key, op)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := o.entries[key]; ok {
		h := e.handle
		o.mu.Unlock()
		o.log.Debug("run already tracked; sharing handle", logx.String("key", key))
		return h, nil
	}
	e := o.registerLocked(ctx, key, false)
	o.mu.Unlock()

	o.start(e, op)
	return e.handle, nil
}

// SubmitPriority unconditionally replaces any tracked run for key: the old
// run's context is cancelled (even if it was itself a priority run), the
// table mapping is swapped, and a fresh run is started.
//
// Cancellation of the old run is a request, not a guarantee: its body may
// still be executing (and holding a slot) when the new body starts.
func (o *Orchestrator) SubmitPriority(ctx context.Context, key string, op Operation) (*Handle, error) {
	key, err := validate(key, op)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if old, ok := o.entries[key]; ok {
		old.cancel()
		delete(o.entries, key)
		o.log.Info("run preempted by priority submit", logx.String("key", key))
		if o.bus != nil {
			o.bus.Publish(eventbus.Event{Type: "run.preempted", Data: RunEvent{Key: key, Priority: old.priority}})
		}
	}
	e := o.registerLocked(ctx, key, true)
	o.mu.Unlock()

	o.start(e, op)
	return e.handle, nil
}

// Close cancels every tracked run and rejects all further calls with
// ErrClosed. It does not wait for run bodies to return.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.closed = true
	es := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		es = append(es, e)
	}
	o.mu.Unlock()

	for _, e := range es {
		e.cancel()
	}
	o.log.Info("orchestrator closed", logx.Int("cancelled", len(es)))
	return nil
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	MaxConcurrent int
	InFlight      int
	Tracked       int
	Closed        bool
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	tracked := len(o.entries)
	closed := o.closed
	o.mu.Unlock()
	return Snapshot{
		MaxConcurrent: o.cfg.MaxConcurrent,
		InFlight:      int(atomic.LoadInt32(&o.inFlight)),
		Tracked:       tracked,
		Closed:        closed,
	}
}

func validate(key string, op Operation) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}
	if op == nil {
		return "", ErrOperationRequired
	}
	return key, nil
}

func (o *Orchestrator) registerLocked(ctx context.Context, key string, priority bool) *entry {
	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		key:      key,
		handle:   newHandle(key),
		ctx:      runCtx,
		cancel:   cancel,
		priority: priority,
	}
	o.entries[key] = e
	return e
}

func (o *Orchestrator) start(e *entry, op Operation) {
	go func() {
		// Slot wait is a suspension point that honors cancellation.
		select {
		case <-o.slots:
		case <-e.ctx.Done():
			o.finish(e, nil, e.ctx.Err(), false, time.Time{})
			return
		}

		started := time.Now()
		atomic.AddInt32(&o.inFlight, 1)
		o.log.Debug("run.started", logx.String("key", e.key), logx.Bool("priority", e.priority))
		if o.bus != nil {
			o.bus.Publish(eventbus.Event{Type: "run.started", Time: started, Data: RunEvent{Key: e.key, Started: started, Priority: e.priority}})
		}

		runCtx := e.ctx
		var cancel context.CancelFunc
		if o.cfg.DefaultTimeout > 0 {
			runCtx, cancel = context.WithTimeout(e.ctx, o.cfg.DefaultTimeout)
		}

		var value any
		var err error
		// Guard against operation panics: convert to error so one bad run
		// can't take the connector down or leak the slot.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					o.log.Error("run.panic", logx.String("key", e.key), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			value, err = op(runCtx)
		}()
		if cancel != nil {
			cancel()
		}

		atomic.AddInt32(&o.inFlight, -1)
		o.finish(e, value, err, true, started)
	}()
}

// finish performs terminal cleanup exactly once: slot release, table removal
// (only if the mapping still points at this entry; a priority submit may have
// replaced it), handle resolution, and lifecycle eventing.
func (o *Orchestrator) finish(e *entry, value any, err error, slotHeld bool, started time.Time) {
	e.cleanup.Do(func() {
		if slotHeld {
			o.slots <- struct{}{}
		}

		o.mu.Lock()
		if cur, ok := o.entries[e.key]; ok && cur == e {
			delete(o.entries, e.key)
		}
		o.mu.Unlock()

		e.cancel()
		e.handle.resolve(value, err)

		now := time.Now()
		dur := time.Duration(0)
		if !started.IsZero() {
			dur = now.Sub(started)
		}
		ev := RunEvent{Key: e.key, Started: started, Duration: dur, Priority: e.priority}
		switch {
		case err == nil:
			o.log.Info("run.completed", logx.String("key", e.key), logx.Duration("dur", dur))
			if o.bus != nil {
				o.bus.Publish(eventbus.Event{Type: "run.finished", Time: now, Data: ev})
			}
		case errors.Is(err, context.Canceled):
			o.log.Info("run.cancelled", logx.String("key", e.key), logx.Duration("dur", dur))
			ev.Error = err.Error()
			if o.bus != nil {
				o.bus.Publish(eventbus.Event{Type: "run.cancelled", Time: now, Data: ev})
			}
		default:
			o.log.Warn("run.failed", logx.String("key", e.key), logx.Any("err", err), logx.Duration("dur", dur))
			ev.Error = err.Error()
			if o.bus != nil {
				o.bus.Publish(eventbus.Event{Type: "run.failed", Time: now, Data: ev})
			}
		}
	})
}
