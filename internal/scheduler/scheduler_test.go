package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "simconn/pkg/logx"
)

// fakeClock blocks Sleep callers until Advance moves past their deadline.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	sleepers []*sleeper
}

type sleeper struct {
	until time.Time
	ch    chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	c.mu.Lock()
	s := &sleeper{until: c.now.Add(d), ch: make(chan struct{})}
	c.sleepers = append(c.sleepers, s)
	c.mu.Unlock()

	// A caller that computed its deadline before a concurrent Advance must
	// not oversleep.
	c.mu.Lock()
	if !s.until.After(c.now) {
		select {
		case <-s.ch:
		default:
			close(s.ch)
		}
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ch:
		return nil
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	rest := c.sleepers[:0]
	for _, s := range c.sleepers {
		if !s.until.After(c.now) {
			close(s.ch)
		} else {
			rest = append(rest, s)
		}
	}
	c.sleepers = rest
	c.mu.Unlock()
}

func (c *fakeClock) SleeperCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepers)
}

// fakeProvider serves a mutable snapshot.
type fakeProvider struct {
	mu      sync.Mutex
	configs map[string]RoutineConfig
	snapErr error
	invalid map[string]bool
}

func newFakeProvider(cfgs ...RoutineConfig) *fakeProvider {
	p := &fakeProvider{configs: map[string]RoutineConfig{}, invalid: map[string]bool{}}
	for _, c := range cfgs {
		p.configs[c.ConfigID] = c
	}
	return p
}

func (p *fakeProvider) set(c RoutineConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[c.ConfigID] = c
}

func (p *fakeProvider) remove(configID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.configs, configID)
}

func (p *fakeProvider) Snapshot(ctx context.Context) ([]RoutineConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapErr != nil {
		return nil, p.snapErr
	}
	out := make([]RoutineConfig, 0, len(p.configs))
	for _, c := range p.configs {
		out = append(out, c)
	}
	return out, nil
}

func (p *fakeProvider) LookupByID(ctx context.Context, id string) (RoutineConfig, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.configs[id]
	return c, ok, nil
}

func (p *fakeProvider) Validate(ctx context.Context, cfg RoutineConfig) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.invalid[cfg.ConfigID], nil
}

// fakeSink records run requests.
type fakeSink struct {
	mu   sync.Mutex
	reqs []RunRequest
}

func (s *fakeSink) CreateRun(ctx context.Context, req RunRequest) (RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return RunResult{RunID: "run-1"}, nil
}

func (s *fakeSink) requests() []RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRequest, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// goSpawner runs loops as plain goroutines.
type goSpawner struct{ wg sync.WaitGroup }

func (g *goSpawner) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_ = fn(context.Background())
	}()
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func baseTime() time.Time {
	return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
}

func newTestScheduler(p *fakeProvider, sink *fakeSink, clk *fakeClock) (*Scheduler, *goSpawner) {
	sp := &goSpawner{}
	s := NewWithClock(
		Config{Enabled: true, PollInterval: 10 * time.Second, ConnectorName: "conn-1"},
		logx.Nop(), nil, p, sink, sp, clk,
	)
	return s, sp
}

func TestPickWinners(t *testing.T) {
	t.Parallel()

	t0 := baseTime()
	cases := []struct {
		name     string
		snapshot []RoutineConfig
		want     map[string]string // calculationID -> winning configID
	}{
		{
			name: "newest created time wins",
			snapshot: []RoutineConfig{
				{ConfigID: "c1", CalculationID: "calc", CreatedTime: t0},
				{ConfigID: "c2", CalculationID: "calc", CreatedTime: t0.Add(time.Hour)},
			},
			want: map[string]string{"calc": "c2"},
		},
		{
			name: "tie broken by greatest config id",
			snapshot: []RoutineConfig{
				{ConfigID: "aaa", CalculationID: "calc", CreatedTime: t0},
				{ConfigID: "zzz", CalculationID: "calc", CreatedTime: t0},
				{ConfigID: "mmm", CalculationID: "calc", CreatedTime: t0},
			},
			want: map[string]string{"calc": "zzz"},
		},
		{
			name: "independent calculations",
			snapshot: []RoutineConfig{
				{ConfigID: "c1", CalculationID: "a", CreatedTime: t0},
				{ConfigID: "c2", CalculationID: "b", CreatedTime: t0},
			},
			want: map[string]string{"a": "c1", "b": "c2"},
		},
		{
			name: "missing identity skipped",
			snapshot: []RoutineConfig{
				{ConfigID: "", CalculationID: "a", CreatedTime: t0},
				{ConfigID: "c1", CalculationID: "", CreatedTime: t0},
			},
			want: map[string]string{},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := pickWinners(tc.snapshot)
			if len(got) != len(tc.want) {
				t.Fatalf("winners = %v, want %v", got, tc.want)
			}
			for calc, cfgID := range tc.want {
				if got[calc].ConfigID != cfgID {
					t.Errorf("winner[%s] = %s, want %s", calc, got[calc].ConfigID, cfgID)
				}
			}
		})
	}
}

func TestScheduledRunFires(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	p := newFakeProvider(RoutineConfig{
		ConfigID:      "cfg-1",
		CalculationID: "calc-1",
		CreatedTime:   baseTime(),
		Enabled:       true,
		Schedule:      "* * * * *",
		Connector:     "conn-1",
	})
	sink := &fakeSink{}
	s, _ := newTestScheduler(p, sink, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.pollOnce(ctx)
	if got := s.Tracked(); len(got) != 1 || got[0] != "calc-1" {
		t.Fatalf("Tracked = %v, want [calc-1]", got)
	}

	// The job loop sleeps until the next minute boundary.
	waitUntil(t, func() bool { return clk.SleeperCount() > 0 }, "job loop never slept")
	clk.Advance(time.Minute)

	waitUntil(t, func() bool { return len(sink.requests()) >= 1 }, "no run created")
	req := sink.requests()[0]
	if req.ConfigID != "cfg-1" || req.CalculationID != "calc-1" || req.Trigger != "scheduled" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.FireTime.IsZero() {
		t.Fatal("fire time not set")
	}
}

func TestSupersessionCancelsOldLoop(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	old := RoutineConfig{
		ConfigID: "cfg-old", CalculationID: "calc-1",
		CreatedTime: baseTime(), Enabled: true,
		Schedule: "* * * * *", Connector: "conn-1",
	}
	p := newFakeProvider(old)
	sink := &fakeSink{}
	s, _ := newTestScheduler(p, sink, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.pollOnce(ctx)
	waitUntil(t, func() bool { return clk.SleeperCount() > 0 }, "old loop never slept")

	// Newer revision replaces the old one.
	p.remove("cfg-old")
	p.set(RoutineConfig{
		ConfigID: "cfg-new", CalculationID: "calc-1",
		CreatedTime: baseTime().Add(time.Hour), Enabled: true,
		Schedule: "* * * * *", Connector: "conn-1",
	})
	s.pollOnce(ctx)

	// The cancelled loop's stale sleeper stays registered; wait for the
	// replacement loop to add a second one before advancing time.
	waitUntil(t, func() bool { return clk.SleeperCount() >= 2 }, "new loop never slept")
	clk.Advance(time.Minute)
	waitUntil(t, func() bool { return len(sink.requests()) >= 1 }, "no run created")

	for _, req := range sink.requests() {
		if req.ConfigID != "cfg-new" {
			t.Fatalf("run created for superseded config: %+v", req)
		}
	}
}

func TestBadCronRetriedEveryPoll(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	bad := RoutineConfig{
		ConfigID: "cfg-1", CalculationID: "calc-1",
		CreatedTime: baseTime(), Enabled: true,
		Schedule: "not a cron", Connector: "conn-1",
	}
	p := newFakeProvider(bad)
	s, _ := newTestScheduler(p, &fakeSink{}, clk)

	ctx := context.Background()
	s.pollOnce(ctx)
	s.pollOnce(ctx)
	if got := s.Tracked(); len(got) != 0 {
		t.Fatalf("Tracked = %v, want empty for invalid cron", got)
	}

	// Fixing the expression makes the next poll pick it up.
	bad.Schedule = "*/5 * * * *"
	p.set(bad)
	s.pollOnce(ctx)
	if got := s.Tracked(); len(got) != 1 {
		t.Fatalf("Tracked = %v, want 1 after fix", got)
	}
	s.stopAll()
}

func TestAdmitFilters(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	base := RoutineConfig{
		ConfigID: "cfg-1", CalculationID: "calc-1",
		CreatedTime: baseTime(), Enabled: true,
		Schedule: "* * * * *", Connector: "conn-1",
	}

	cases := []struct {
		name    string
		mutate  func(*RoutineConfig)
		invalid bool
		want    bool
	}{
		{name: "accepted", mutate: func(c *RoutineConfig) {}, want: true},
		{name: "disabled", mutate: func(c *RoutineConfig) { c.Enabled = false }, want: false},
		{name: "no schedule", mutate: func(c *RoutineConfig) { c.Schedule = "" }, want: false},
		{name: "other connector", mutate: func(c *RoutineConfig) { c.Connector = "conn-2" }, want: false},
		{name: "unassigned runs anywhere", mutate: func(c *RoutineConfig) { c.Connector = "" }, want: true},
		{name: "rejected by validation", mutate: func(c *RoutineConfig) {}, invalid: true, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			p := newFakeProvider(cfg)
			if tc.invalid {
				p.invalid[cfg.ConfigID] = true
			}
			s, _ := newTestScheduler(p, &fakeSink{}, clk)
			_, got := s.admit(context.Background(), cfg)
			if got != tc.want {
				t.Fatalf("admit = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoopExitsWhenConfigGone(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cfg := RoutineConfig{
		ConfigID: "cfg-1", CalculationID: "calc-1",
		CreatedTime: baseTime(), Enabled: true,
		Schedule: "* * * * *", Connector: "conn-1",
	}
	p := newFakeProvider(cfg)
	sink := &fakeSink{}
	s, sp := newTestScheduler(p, sink, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.pollOnce(ctx)
	waitUntil(t, func() bool { return clk.SleeperCount() > 0 }, "loop never slept")

	// Delete the revision; the loop notices on its next revalidation and
	// removes itself.
	p.remove("cfg-1")
	clk.Advance(time.Minute)
	waitUntil(t, func() bool { return len(s.Tracked()) == 0 }, "job not retired after config removal")

	cancel()
	sp.wg.Wait()
}

func TestSnapshotErrorLeavesJobsAlone(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cfg := RoutineConfig{
		ConfigID: "cfg-1", CalculationID: "calc-1",
		CreatedTime: baseTime(), Enabled: true,
		Schedule: "* * * * *", Connector: "conn-1",
	}
	p := newFakeProvider(cfg)
	s, _ := newTestScheduler(p, &fakeSink{}, clk)

	ctx := context.Background()
	s.pollOnce(ctx)
	if len(s.Tracked()) != 1 {
		t.Fatal("setup: job not tracked")
	}

	p.mu.Lock()
	p.snapErr = errors.New("platform unavailable")
	p.mu.Unlock()

	s.pollOnce(ctx)
	if got := s.Tracked(); len(got) != 1 {
		t.Fatalf("Tracked = %v, want job kept across snapshot failure", got)
	}
	s.stopAll()
}
