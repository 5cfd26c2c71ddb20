// Package runner executes one simulation run: open the model, stage the
// configured inputs, fire the command, collect the outputs. Engine
// interaction happens inside a license usage scope so the lease controller
// never releases mid-run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"simconn/internal/license"
	"simconn/internal/orchestrator"
	"simconn/internal/simulator"
	logx "simconn/pkg/logx"
)

var ErrNoCommand = errors.New("run spec has no command")

// Input stages one value before the command fires.
type Input struct {
	Args  simulator.Args
	Value any
}

// Output names one value to collect after the command. The result map is
// keyed by the "variable" argument.
type Output struct {
	Args simulator.Args
}

// Spec describes everything one run needs.
type Spec struct {
	// RunKey identifies the run toward the orchestrator (dedup key).
	RunKey string

	ModelPath string
	Inputs    []Input
	Command   simulator.Args
	Outputs   []Output
}

// Result is what a completed run produced.
type Result struct {
	Outputs  map[string]any
	Duration time.Duration
}

// Lease is the slice of the license controller the runner needs.
type Lease interface {
	BeginUsage(ctx context.Context) (*license.Usage, error)
}

type Runner struct {
	log    logx.Logger
	client simulator.Client
	lease  Lease
}

func New(log logx.Logger, client simulator.Client, lease Lease) *Runner {
	return &Runner{log: log, client: client, lease: lease}
}

// Run executes spec start to finish. The usage scope covers the whole engine
// interaction including model opening.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Command) == 0 {
		return Result{}, ErrNoCommand
	}

	usage, err := r.lease.BeginUsage(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("license: %w", err)
	}
	defer usage.End()

	started := time.Now()
	routine, err := r.client.OpenModel(ctx, spec.ModelPath)
	if err != nil {
		return Result{}, fmt.Errorf("open model %q: %w", spec.ModelPath, err)
	}

	for _, in := range spec.Inputs {
		if err := routine.SetInput(in.Args, in.Value); err != nil {
			return Result{}, fmt.Errorf("set input %v: %w", in.Args, err)
		}
	}

	if err := routine.RunCommand(ctx, spec.Command); err != nil {
		return Result{}, fmt.Errorf("run command %v: %w", spec.Command, err)
	}

	outputs := make(map[string]any, len(spec.Outputs))
	for _, out := range spec.Outputs {
		name, err := simulator.Variable(out.Args)
		if err != nil {
			return Result{}, fmt.Errorf("output args %v: %w", out.Args, err)
		}
		v, err := routine.GetOutput(out.Args)
		if err != nil {
			return Result{}, fmt.Errorf("get output %q: %w", name, err)
		}
		outputs[name] = v
	}

	dur := time.Since(started)
	r.log.Info("run executed",
		logx.String("run_key", spec.RunKey),
		logx.String("model", spec.ModelPath),
		logx.Int("outputs", len(outputs)),
		logx.Duration("dur", dur))
	return Result{Outputs: outputs, Duration: dur}, nil
}

// Operation adapts a spec into an orchestrator operation.
func (r *Runner) Operation(spec Spec) orchestrator.Operation {
	return func(ctx context.Context) (any, error) {
		res, err := r.Run(ctx, spec)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}
