package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"simconn/internal/orchestrator"
	"simconn/internal/runner"
	"simconn/internal/runtime/supervisor"
	"simconn/internal/scheduler"
	"simconn/internal/simulator"
	"simconn/internal/storage"
	logx "simconn/pkg/logx"
)

// dedupTTL bounds how long a fired occurrence stays remembered. It only needs
// to outlive restarts between two occurrences of the same schedule.
const dedupTTL = 24 * time.Hour

// runDispatcher turns run requests into orchestrator submissions. It is the
// scheduler's RunSink and also serves manual run requests from the app.
//
// Scheduled occurrences are deduplicated through the store so a restart
// between trigger fire and poll does not double-run a calculation.
type runDispatcher struct {
	log      logx.Logger
	provider scheduler.ConfigurationProvider
	store    storage.Store
	orch     *orchestrator.Orchestrator
	run      *runner.Runner
	sup      func() *supervisor.Supervisor
}

func newRunDispatcher(
	log logx.Logger,
	provider scheduler.ConfigurationProvider,
	store storage.Store,
	orch *orchestrator.Orchestrator,
	run *runner.Runner,
	sup func() *supervisor.Supervisor,
) *runDispatcher {
	return &runDispatcher{
		log:      log,
		provider: provider,
		store:    store,
		orch:     orch,
		run:      run,
		sup:      sup,
	}
}

func (d *runDispatcher) CreateRun(ctx context.Context, req scheduler.RunRequest) (scheduler.RunResult, error) {
	if req.CalculationID == "" {
		return scheduler.RunResult{}, errors.New("calculation id required")
	}

	// Occurrence-level dedup for scheduled fires.
	var dedupKey string
	if req.Trigger == "scheduled" && !req.FireTime.IsZero() && d.store != nil {
		dedupKey = fmt.Sprintf("%s|%d", req.CalculationID, req.FireTime.Unix())
		if _, seen, err := d.store.GetDedup(ctx, dedupKey); err != nil {
			d.log.Warn("dedup lookup failed", logx.String("key", dedupKey), logx.Err(err))
		} else if seen {
			d.log.Debug("occurrence already fired; skipping",
				logx.String("key", dedupKey))
			return scheduler.RunResult{Deduplicated: true}, nil
		}
	}

	spec, err := d.buildSpec(ctx, req)
	if err != nil {
		return scheduler.RunResult{}, err
	}

	runID := uuid.NewString()
	var handle *orchestrator.Handle
	if req.Trigger == "manual" {
		handle, err = d.orch.SubmitPriority(ctx, spec.RunKey, d.run.Operation(spec))
	} else {
		handle, err = d.orch.Submit(ctx, spec.RunKey, d.run.Operation(spec))
	}
	if err != nil {
		return scheduler.RunResult{}, err
	}

	if dedupKey != "" {
		if err := d.store.PutDedup(ctx, dedupKey, time.Now().Add(dedupTTL)); err != nil {
			d.log.Warn("dedup record failed", logx.String("key", dedupKey), logx.Err(err))
		}
	}

	d.recordWhenDone(handle, runID, req)
	return scheduler.RunResult{RunID: runID}, nil
}

// buildSpec assembles the runner spec for a request. The configuration
// revision supplies the model path; inputs and outputs come from the engine's
// variable vocabulary (the reference engine exposes everything through the
// run command, so outputs alone suffice for run history).
func (d *runDispatcher) buildSpec(ctx context.Context, req scheduler.RunRequest) (runner.Spec, error) {
	modelPath := req.ModelPath
	if modelPath == "" && req.ConfigID != "" && d.provider != nil {
		cfg, ok, err := d.provider.LookupByID(ctx, req.ConfigID)
		if err != nil {
			return runner.Spec{}, fmt.Errorf("config lookup %q: %w", req.ConfigID, err)
		}
		if !ok {
			return runner.Spec{}, fmt.Errorf("config %q no longer exists", req.ConfigID)
		}
		modelPath = cfg.ModelPath
	}

	return runner.Spec{
		RunKey:    req.CalculationID,
		ModelPath: modelPath,
		Command:   simulator.Args{"command": "simulate"},
		Outputs: []runner.Output{
			{Args: simulator.Args{"variable": "outlet_temp"}},
			{Args: simulator.Args{"variable": "heat_duty"}},
			{Args: simulator.Args{"variable": "temperature_rise"}},
			{Args: simulator.Args{"variable": "efficiency"}},
			{Args: simulator.Args{"variable": "status"}},
		},
	}, nil
}

// recordWhenDone persists the run outcome once the handle resolves. The
// waiter runs under the app supervisor when available so shutdown drains it.
func (d *runDispatcher) recordWhenDone(handle *orchestrator.Handle, runID string, req scheduler.RunRequest) {
	if d.store == nil {
		return
	}
	record := func(ctx context.Context) {
		started := time.Now()
		select {
		case <-ctx.Done():
			return
		case <-handle.Done():
		}

		rec := storage.RunRecord{
			At:            time.Now(),
			RunID:         runID,
			RunKey:        handle.Key(),
			ConfigID:      req.ConfigID,
			CalculationID: req.CalculationID,
			Trigger:       req.Trigger,
			Status:        "success",
			TookMS:        time.Since(started).Milliseconds(),
		}
		v, err := handle.Wait(context.Background())
		if err != nil {
			rec.Status = "failure"
			rec.Error = err.Error()
		} else if res, ok := v.(runner.Result); ok {
			rec.TookMS = res.Duration.Milliseconds()
			if b, err := json.Marshal(res.Outputs); err == nil {
				rec.OutputsJSON = string(b)
			}
		}

		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.store.AppendRun(wctx, rec); err != nil {
			d.log.Warn("run history append failed",
				logx.String("run_id", runID), logx.Err(err))
		}
	}

	if s := d.sup(); s != nil {
		s.Go0("run.record:"+runID, record)
		return
	}
	go record(context.Background())
}
