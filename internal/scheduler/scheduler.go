// Package scheduler polls platform configuration and keeps one cron-driven
// trigger loop alive per calculation. When a newer configuration revision
// appears for a calculation, the running loop is cancelled and replaced
// (supersession); when the configuration disappears, the loop exits.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"simconn/internal/eventbus"
	logx "simconn/pkg/logx"
)

// cronParser accepts standard 5-field expressions plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config controls the scheduler.
type Config struct {
	// Enabled gates Run; when false Run blocks until ctx is done.
	Enabled bool

	// PollInterval is the configuration polling cadence. Defaults to 10s.
	PollInterval time.Duration

	// ConnectorName filters configurations assigned to other connectors.
	ConnectorName string
}

// TriggerEvent is published on the bus for trigger lifecycle events.
type TriggerEvent struct {
	CalculationID string    `json:"calculation_id"`
	ConfigID      string    `json:"config_id"`
	FireTime      time.Time `json:"fire_time,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
}

type scheduledJob struct {
	calculationID string
	configID      string
	createdTime   time.Time
	spec          string
	schedule      cron.Schedule
	cancel        context.CancelFunc
	dispatched    bool
}

type Scheduler struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	provider ConfigurationProvider
	sink     RunSink
	clock    Clock
	spawn    Spawner

	mu   sync.Mutex
	jobs map[string]*scheduledJob // keyed by CalculationID
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, provider ConfigurationProvider, sink RunSink, spawn Spawner) *Scheduler {
	return NewWithClock(cfg, log, bus, provider, sink, spawn, realClock{})
}

func NewWithClock(cfg Config, log logx.Logger, bus eventbus.Bus, provider ConfigurationProvider, sink RunSink, spawn Spawner, clock Clock) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		provider: provider,
		sink:     sink,
		clock:    clock,
		spawn:    spawn,
		jobs:     make(map[string]*scheduledJob),
	}
}

// Run polls until ctx is done. It always returns nil; individual poll
// failures are logged and retried on the next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	s.log.Info("scheduler started", logx.Duration("poll_interval", s.cfg.PollInterval))
	defer s.stopAll()

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.pollOnce(ctx)
		if err := s.clock.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	snapshot, err := s.provider.Snapshot(ctx)
	if err != nil {
		s.log.Warn("config snapshot failed", logx.Err(err))
		return
	}

	winners := pickWinners(snapshot)

	s.mu.Lock()
	// Supersede or retire tracked jobs first so a replacement can be created
	// in the same poll.
	for calcID, job := range s.jobs {
		w, ok := winners[calcID]
		if ok && w.ConfigID == job.configID {
			continue
		}
		job.cancel()
		delete(s.jobs, calcID)
		if !ok {
			s.log.Info("trigger retired; configuration gone",
				logx.String("calculation_id", calcID),
				logx.String("config_id", job.configID))
			continue
		}
		s.log.Info("trigger superseded",
			logx.String("calculation_id", calcID),
			logx.String("old_config_id", job.configID),
			logx.String("new_config_id", w.ConfigID))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "trigger.superseded", Data: TriggerEvent{
				CalculationID: calcID, ConfigID: job.configID,
			}})
		}
	}

	var start []*scheduledJob
	for calcID, w := range winners {
		if _, tracked := s.jobs[calcID]; tracked {
			continue
		}
		job, ok := s.admit(ctx, w)
		if !ok {
			continue
		}
		s.jobs[calcID] = job
		start = append(start, job)
	}

	// Dispatch new loops outside any per-job state mutation but still under
	// the lock so a concurrent poll cannot double-dispatch.
	for _, job := range start {
		if job.dispatched {
			continue
		}
		job.dispatched = true
		jobCtx, cancel := context.WithCancel(ctx)
		job.cancel = cancel
		j := job
		s.spawn.Go("trigger:"+j.calculationID, func(context.Context) error {
			return s.jobLoop(jobCtx, j)
		})
	}
	s.mu.Unlock()
}

// admit decides whether a winning configuration becomes a tracked job.
// Rejections are logged and retried on every subsequent poll.
func (s *Scheduler) admit(ctx context.Context, w RoutineConfig) (*scheduledJob, bool) {
	if !w.Enabled || w.Schedule == "" {
		return nil, false
	}
	if s.cfg.ConnectorName != "" && w.Connector != "" && w.Connector != s.cfg.ConnectorName {
		return nil, false
	}
	if s.provider != nil {
		valid, err := s.provider.Validate(ctx, w)
		if err != nil {
			s.log.Warn("config validation failed",
				logx.String("config_id", w.ConfigID), logx.Err(err))
			return nil, false
		}
		if !valid {
			s.log.Warn("config rejected by validation",
				logx.String("config_id", w.ConfigID))
			return nil, false
		}
	}
	sched, err := cronParser.Parse(w.Schedule)
	if err != nil {
		s.log.Warn("cron expression invalid",
			logx.String("config_id", w.ConfigID),
			logx.String("schedule", w.Schedule),
			logx.Err(err))
		return nil, false
	}
	return &scheduledJob{
		calculationID: w.CalculationID,
		configID:      w.ConfigID,
		createdTime:   w.CreatedTime,
		spec:          w.Schedule,
		schedule:      sched,
	}, true
}

// pickWinners groups configurations by calculation and keeps the newest
// revision per group: max CreatedTime, ties broken by the lexicographically
// greatest ConfigID so the outcome is stable across polls.
func pickWinners(snapshot []RoutineConfig) map[string]RoutineConfig {
	byCalc := make(map[string][]RoutineConfig)
	for _, c := range snapshot {
		if c.CalculationID == "" || c.ConfigID == "" {
			continue
		}
		byCalc[c.CalculationID] = append(byCalc[c.CalculationID], c)
	}
	winners := make(map[string]RoutineConfig, len(byCalc))
	for calcID, group := range byCalc {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedTime.Equal(group[j].CreatedTime) {
				return group[i].CreatedTime.After(group[j].CreatedTime)
			}
			return group[i].ConfigID > group[j].ConfigID
		})
		winners[calcID] = group[0]
	}
	return winners
}

func (s *Scheduler) jobLoop(ctx context.Context, job *scheduledJob) error {
	log := s.log.With(
		logx.String("calculation_id", job.calculationID),
		logx.String("config_id", job.configID),
	)
	log.Info("trigger loop started", logx.String("schedule", job.spec))

	for {
		if ctx.Err() != nil {
			return nil
		}
		now := s.clock.Now()
		next := job.schedule.Next(now)
		if next.IsZero() {
			log.Warn("schedule yields no next occurrence; trigger loop exiting")
			s.forget(job)
			return nil
		}

		// Revalidate before committing to the sleep: the revision may have
		// been deleted between polls.
		_, ok, err := s.provider.LookupByID(ctx, job.configID)
		if err != nil {
			log.Warn("config lookup failed", logx.Err(err))
			if serr := s.clock.Sleep(ctx, next.Sub(now)); serr != nil {
				return nil
			}
			continue
		}
		if !ok {
			log.Info("configuration gone; trigger loop exiting")
			s.forget(job)
			return nil
		}

		if err := s.clock.Sleep(ctx, next.Sub(now)); err != nil {
			return nil
		}

		res, err := s.sink.CreateRun(ctx, RunRequest{
			ConfigID:      job.configID,
			CalculationID: job.calculationID,
			Trigger:       "scheduled",
			FireTime:      next,
		})
		if err != nil {
			log.Warn("scheduled run creation failed",
				logx.Time("fire_time", next), logx.Err(err))
			continue
		}
		log.Info("scheduled run created",
			logx.Time("fire_time", next),
			logx.String("run_id", res.RunID),
			logx.Bool("deduplicated", res.Deduplicated))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "trigger.fired", Data: TriggerEvent{
				CalculationID: job.calculationID,
				ConfigID:      job.configID,
				FireTime:      next,
				RunID:         res.RunID,
			}})
		}
	}
}

// forget removes a job that exited on its own, but only while the table still
// maps to it; a superseding poll may already have replaced it.
func (s *Scheduler) forget(job *scheduledJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[job.calculationID]; ok && cur == job {
		cur.cancel()
		delete(s.jobs, job.calculationID)
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for calcID, job := range s.jobs {
		if job.cancel != nil {
			job.cancel()
		}
		delete(s.jobs, calcID)
	}
}

// Tracked returns the calculation IDs with a live trigger loop, for
// diagnostics.
func (s *Scheduler) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
