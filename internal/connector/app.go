// Package connector wires the control-plane components together: config,
// logging, storage, the run orchestrator, the license lease controller and
// the trigger scheduler, with a Start/Stop lifecycle around them.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"simconn/internal/config"
	"simconn/internal/eventbus"
	"simconn/internal/license"
	"simconn/internal/orchestrator"
	"simconn/internal/runner"
	"simconn/internal/runtime/supervisor"
	"simconn/internal/scheduler"
	"simconn/internal/simulator"
	"simconn/internal/simulator/heatx"
	"simconn/internal/storage"
	logx "simconn/pkg/logx"
)

// Options carries the platform collaborators the connector cannot construct
// itself. All fields are optional; missing ones disable the corresponding
// feature.
type Options struct {
	// Provider is the platform's routine-configuration view. Without it the
	// trigger scheduler stays idle.
	Provider scheduler.ConfigurationProvider

	// Shipper delivers warning+ log lines to the platform.
	Shipper logx.Shipper

	// LicenseAcquire / LicenseRelease check the simulator license in and out.
	LicenseAcquire license.AcquireFunc
	LicenseRelease license.ReleaseFunc
}

type App struct {
	cfgPath string
	opts    Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client simulator.Client
	lic    *license.Controller
	orch   *orchestrator.Orchestrator
	run    *runner.Runner
	sched  *scheduler.Scheduler
	disp   *runDispatcher
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), opts.Shipper)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	client, err := buildSimulatorClient(cfg)
	if err != nil {
		return nil, err
	}

	licCfg, err := mapLicenseConfig(cfg)
	if err != nil {
		return nil, err
	}
	lic := license.New(licCfg, log.With(logx.String("comp", "license")),
		opts.LicenseAcquire, opts.LicenseRelease)

	orchCfg, err := mapRunsConfig(cfg)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(orchCfg, log.With(logx.String("comp", "orchestrator")), bus)

	run := runner.New(log.With(logx.String("comp", "runner")), client, lic)

	a := &App{
		cfgPath: cfgPath,
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		lic:     lic,
		orch:    orch,
		run:     run,
	}
	a.disp = newRunDispatcher(log.With(logx.String("comp", "dispatch")),
		opts.Provider, store, orch, run, a.sinkSup)
	return a, nil
}

// sinkSup lets the dispatcher spawn its record-keeping goroutines under the
// app supervisor once Start has created it.
func (a *App) sinkSup() *supervisor.Supervisor { return a.sup }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// CreateRun exposes the dispatcher for manual (non-scheduled) run requests.
// Manual runs preempt an active run for the same calculation.
func (a *App) CreateRun(ctx context.Context, req scheduler.RunRequest) (scheduler.RunResult, error) {
	if a.disp == nil {
		return scheduler.RunResult{}, errors.New("dispatcher not initialized")
	}
	if req.Trigger == "" {
		req.Trigger = "manual"
	}
	return a.disp.CreateRun(ctx, req)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()

	// Connection check up front so misconfiguration fails fast.
	if a.client != nil {
		if err := a.client.TestConnection(a.sup.Context()); err != nil {
			return fmt.Errorf("simulator connection test: %w", err)
		}
		ver, err := a.client.SimulatorVersion(a.sup.Context())
		if err != nil {
			return fmt.Errorf("simulator version: %w", err)
		}
		a.log.Info("simulator connected",
			logx.String("simulator", ver),
			logx.String("connector", a.client.ConnectorVersion()))
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if cfg.License.Enabled {
		a.sup.GoRestart("license.status", a.lic.StatusLoop)
	}

	if cfg.Scheduler.Enabled {
		if a.opts.Provider == nil {
			a.log.Warn("scheduler enabled but no configuration provider wired; triggers idle")
		} else {
			schedCfg, err := mapSchedulerConfig(cfg)
			if err != nil {
				return err
			}
			a.sched = scheduler.New(schedCfg,
				a.log.With(logx.String("comp", "scheduler")),
				a.bus, a.opts.Provider, a.disp, a.sup)
			a.sup.Go("scheduler", a.sched.Run)
		}
	}

	// Log bus events for observability/debug.
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("connector started", logx.String("name", cfg.Connector.Name))
	return nil
}

// applyReload applies the hot-reloadable parts of a new config. Structural
// settings (storage driver, simulator engine, concurrency ceiling) need a
// restart and only produce a warning.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if a.orch != nil {
		snap := a.orch.Snapshot()
		if cfg.Runs.MaxConcurrent > 0 && cfg.Runs.MaxConcurrent != snap.MaxConcurrent {
			a.log.Warn("runs.max_concurrent changed; restart required for changes to take effect")
		}
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("orchestrator", 2*time.Second, func(c context.Context) error {
		err := a.orch.Close()
		if errors.Is(err, orchestrator.ErrClosed) {
			return nil
		}
		return err
	})
	step("license", 2*time.Second, func(c context.Context) error {
		err := a.lic.Close()
		if errors.Is(err, license.ErrClosed) {
			return nil
		}
		return err
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (scheduler, config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func buildSimulatorClient(cfg *config.Config) (simulator.Client, error) {
	engine := strings.ToLower(strings.TrimSpace(cfg.Simulator.Engine))
	switch engine {
	case "", "heatx":
		return heatx.NewClient(), nil
	default:
		return nil, fmt.Errorf("unknown simulator engine: %q", cfg.Simulator.Engine)
	}
}
