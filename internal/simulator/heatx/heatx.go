// Package heatx is a self-contained heat-exchanger engine implementing the
// simulator interfaces. It serves as the reference integration and as the
// engine used in tests; real deployments plug in their own engine.
package heatx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"simconn/internal/simulator"
)

const connectorVersion = "1.0.0"

// Input defaults (water at 20°C).
const (
	defaultInletTemp    = 20.0    // °C
	defaultFlowRate     = 1.0     // kg/s
	defaultHeatCapacity = 4186.0  // J/(kg·K)
	defaultHeatTransfer = 10000.0 // W
)

// efficiencyBasis is the idealized-exchanger factor the efficiency figure is
// computed against.
const efficiencyBasis = 0.95

// Simulation status values reported through the "status" output variable.
const (
	StatusConverged       = "converged"
	StatusHighTemperature = "warning_high_temperature"
	StatusCoolingDetected = "error_cooling_detected"
)

var (
	ErrFlowRateNotPositive     = errors.New("flow rate must be positive")
	ErrHeatCapacityNotPositive = errors.New("heat capacity must be positive")
)

// Definition describes the heat-exchanger engine toward the platform.
func Definition() simulator.Definition {
	return simulator.Definition{
		ExternalID:         "HeatX",
		Name:               "Heat Exchanger Simulator",
		FileExtensionTypes: []string{"json", "yaml"},
		ModelTypes: []simulator.ModelType{
			{Name: "Shell and Tube", Key: "ShellAndTube"},
			{Name: "Plate", Key: "Plate"},
			{Name: "General Thermal", Key: "GeneralThermal"},
		},
		StepFields: []simulator.StepField{
			{
				StepType: "get/set",
				Fields: []simulator.Field{
					{Name: "variable", Label: "Variable", Info: "Name of the simulation variable (inlet_temp, flow_rate, heat_capacity, heat_transfer, outlet_temp, heat_duty, temperature_rise, efficiency, status)"},
				},
			},
			{
				StepType: "command",
				Fields: []simulator.Field{
					{Name: "command", Label: "Command", Info: "Command to execute (simulate)"},
				},
			},
		},
		UnitQuantities: []simulator.UnitQuantity{
			{Name: "Temperature", Label: "Temperature", Units: []simulator.Unit{
				{Name: "C", Label: "Celsius"},
				{Name: "K", Label: "Kelvin"},
			}},
			{Name: "MassFlow", Label: "Mass Flow", Units: []simulator.Unit{
				{Name: "kg/s", Label: "Kilograms per second"},
				{Name: "kg/h", Label: "Kilograms per hour"},
			}},
			{Name: "Power", Label: "Power", Units: []simulator.Unit{
				{Name: "W", Label: "Watts"},
				{Name: "kW", Label: "Kilowatts"},
			}},
			{Name: "SpecificHeat", Label: "Specific Heat Capacity", Units: []simulator.Unit{
				{Name: "J/(kg·K)", Label: "Joules per kilogram-kelvin"},
			}},
		},
	}
}

// Client implements simulator.Client for the embedded engine.
type Client struct {
	version string
}

func NewClient() *Client {
	return &Client{version: "HeatX 2.1"}
}

// TestConnection always succeeds; the engine is in-process.
func (c *Client) TestConnection(ctx context.Context) error { return ctx.Err() }

func (c *Client) ConnectorVersion() string { return connectorVersion }

func (c *Client) SimulatorVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.version, nil
}

// OpenModel validates that the model file exists and binds a fresh routine
// to it. The engine itself needs nothing from the file contents.
func (c *Client) OpenModel(ctx context.Context, path string) (simulator.Routine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("model file not found: %w", err)
		}
	}
	return NewRoutine(path), nil
}

// Routine implements simulator.Routine with the heat-exchanger calculation.
type Routine struct {
	modelPath string

	mu        sync.Mutex
	variables map[string]any
}

func NewRoutine(modelPath string) *Routine {
	return &Routine{
		modelPath: modelPath,
		variables: make(map[string]any),
	}
}

func (r *Routine) SetInput(args simulator.Args, value any) error {
	name, err := simulator.Variable(args)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.variables[name] = value
	r.mu.Unlock()
	return nil
}

func (r *Routine) GetOutput(args simulator.Args) (any, error) {
	name, err := simulator.Variable(args)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.variables[name]
	if !ok {
		return nil, simulator.UnknownVariableError(name)
	}
	return v, nil
}

// RunCommand executes the calculation with the staged inputs and stores the
// results as output variables. Unknown commands run the default simulation.
func (r *Routine) RunCommand(ctx context.Context, args simulator.Args) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	results, err := calculate(r.variables)
	if err != nil {
		return err
	}
	for k, v := range results {
		r.variables[k] = v
	}
	return nil
}

// calculate runs the heat-exchanger balance: Q = m·Cp·ΔT, solved for the
// outlet temperature given the transferred heat.
func calculate(vars map[string]any) (map[string]any, error) {
	inletTemp := floatVar(vars, "inlet_temp", defaultInletTemp)
	flowRate := floatVar(vars, "flow_rate", defaultFlowRate)
	heatCapacity := floatVar(vars, "heat_capacity", defaultHeatCapacity)
	heatTransfer := floatVar(vars, "heat_transfer", defaultHeatTransfer)

	if flowRate <= 0 {
		return nil, ErrFlowRateNotPositive
	}
	if heatCapacity <= 0 {
		return nil, ErrHeatCapacityNotPositive
	}

	deltaT := heatTransfer / (flowRate * heatCapacity)
	outletTemp := inletTemp + deltaT
	heatDuty := heatTransfer / 1000.0

	maxPossibleRise := heatTransfer / (flowRate * heatCapacity) / efficiencyBasis
	efficiency := 0.0
	if maxPossibleRise > 0 {
		efficiency = (deltaT / maxPossibleRise) * 100
	}

	status := StatusConverged
	switch {
	case outletTemp > 100:
		status = StatusHighTemperature
	case outletTemp < inletTemp:
		status = StatusCoolingDetected
	}

	return map[string]any{
		"outlet_temp":      round2(outletTemp),
		"heat_duty":        round2(heatDuty),
		"temperature_rise": round2(deltaT),
		"efficiency":       round2(efficiency),
		"status":           status,
	}, nil
}

// floatVar reads a numeric variable, tolerating the types JSON decoding and
// step values produce.
func floatVar(vars map[string]any, name string, def float64) float64 {
	v, ok := vars[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
