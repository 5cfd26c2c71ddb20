// Package simulator defines the integration surface between the connector and
// a simulation engine: a Client for engine lifecycle (connection, versions,
// model opening) and a Routine for executing configured calculation steps.
package simulator

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMissingVariable = errors.New(`argument "variable" is required`)
	ErrEmptyVariable   = errors.New(`argument "variable" cannot be empty`)
	ErrUnknownVariable = errors.New("variable not found in simulation results")
)

// Args carries the step arguments configured for a routine step.
type Args map[string]string

// Variable extracts the mandatory "variable" argument.
func Variable(args Args) (string, error) {
	name, ok := args["variable"]
	if !ok {
		return "", ErrMissingVariable
	}
	if name == "" {
		return "", ErrEmptyVariable
	}
	return name, nil
}

// Client is the engine-level surface the connector talks to.
type Client interface {
	// TestConnection verifies the engine is reachable and operational.
	TestConnection(ctx context.Context) error

	// ConnectorVersion reports this connector's version string.
	ConnectorVersion() string

	// SimulatorVersion reports the engine's version string.
	SimulatorVersion(ctx context.Context) (string, error)

	// OpenModel opens and validates a model file, returning a Routine bound
	// to it.
	OpenModel(ctx context.Context, path string) (Routine, error)
}

// Routine executes the steps of one calculation against an opened model.
//
// Implementations are not required to be safe for concurrent use; the runner
// drives one routine from one goroutine.
type Routine interface {
	// SetInput stages an input value for the next command.
	SetInput(args Args, value any) error

	// GetOutput reads a result value produced by a previous command.
	GetOutput(args Args) (any, error)

	// RunCommand executes a simulation command with the staged inputs.
	RunCommand(ctx context.Context, args Args) error
}

// UnknownVariableError wraps ErrUnknownVariable with the variable name.
func UnknownVariableError(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
}
