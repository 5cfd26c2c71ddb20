package scheduler

import (
	"context"
	"time"
)

// RoutineConfig is the platform-side configuration of one calculation routine
// as the provider exposes it. The scheduler only inspects the identity,
// versioning and trigger fields; everything else rides along for the sink.
type RoutineConfig struct {
	// ConfigID identifies this configuration revision.
	ConfigID string

	// CalculationID identifies the calculation the revision belongs to.
	// Several revisions may exist per calculation; only the newest is live.
	CalculationID string

	Name        string
	CreatedTime time.Time

	// Enabled gates periodic triggering. A disabled config still supersedes
	// older revisions of the same calculation.
	Enabled bool

	// Schedule is a standard 5-field cron expression (descriptors allowed).
	// Empty means the calculation has no periodic trigger.
	Schedule string

	// Connector names the connector the calculation is assigned to.
	// Empty means any connector may pick it up.
	Connector string

	// ModelPath is passed through to run creation.
	ModelPath string
}

// RunRequest asks the sink to create one run of a calculation.
type RunRequest struct {
	ConfigID      string
	CalculationID string
	ModelPath     string

	// Trigger records what caused the run ("scheduled" here).
	Trigger string

	// FireTime is the cron occurrence that produced the request.
	FireTime time.Time
}

// RunResult reports what the sink did with the request.
type RunResult struct {
	RunID string

	// Deduplicated is true when the sink coalesced the request into an
	// already-active run instead of starting a new one.
	Deduplicated bool
}

// ConfigurationProvider is the scheduler's read view of platform config.
type ConfigurationProvider interface {
	// Snapshot returns all routine configurations currently visible.
	Snapshot(ctx context.Context) ([]RoutineConfig, error)

	// LookupByID fetches one configuration revision. ok=false means the
	// revision no longer exists (superseded or deleted).
	LookupByID(ctx context.Context, configID string) (RoutineConfig, bool, error)

	// Validate checks a configuration before the scheduler tracks it.
	Validate(ctx context.Context, cfg RoutineConfig) (bool, error)
}

// RunSink receives the runs the scheduler decides to fire.
type RunSink interface {
	CreateRun(ctx context.Context, req RunRequest) (RunResult, error)
}

// Clock abstracts time so tests can drive the poll and job loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Still give cancellation a chance.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Spawner runs a named background loop with panic recovery. The supervisor
// satisfies it; tests may substitute plain goroutines.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}
