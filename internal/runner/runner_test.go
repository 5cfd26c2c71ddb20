package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"simconn/internal/license"
	"simconn/internal/simulator"
	"simconn/internal/simulator/heatx"
	logx "simconn/pkg/logx"
)

type leaseProbe struct {
	mu       sync.Mutex
	acquires int
	releases int
	ctrl     *license.Controller
}

// newLeaseProbe builds a real controller with a tiny lease window so the
// release fires promptly after the run.
func newLeaseProbe() *leaseProbe {
	p := &leaseProbe{}
	p.ctrl = license.New(
		license.Config{Enabled: true, LeaseDuration: 10 * time.Millisecond},
		logx.Nop(),
		func(ctx context.Context) error {
			p.mu.Lock()
			p.acquires++
			p.mu.Unlock()
			return nil
		},
		func(ctx context.Context) error {
			p.mu.Lock()
			p.releases++
			p.mu.Unlock()
			return nil
		},
	)
	return p
}

func (p *leaseProbe) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires, p.releases
}

func heatxSpec() Spec {
	return Spec{
		RunKey: "calc-1",
		Inputs: []Input{
			{Args: simulator.Args{"variable": "inlet_temp"}, Value: 20.0},
			{Args: simulator.Args{"variable": "heat_transfer"}, Value: 10000.0},
		},
		Command: simulator.Args{"command": "simulate"},
		Outputs: []Output{
			{Args: simulator.Args{"variable": "outlet_temp"}},
			{Args: simulator.Args{"variable": "status"}},
		},
	}
}

func TestRunCollectsOutputs(t *testing.T) {
	t.Parallel()

	probe := newLeaseProbe()
	defer probe.ctrl.Close()
	r := New(logx.Nop(), heatx.NewClient(), probe.ctrl)

	res, err := r.Run(context.Background(), heatxSpec())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Outputs["outlet_temp"]; got != 22.39 {
		t.Errorf("outlet_temp = %v, want 22.39", got)
	}
	if got := res.Outputs["status"]; got != heatx.StatusConverged {
		t.Errorf("status = %v, want %q", got, heatx.StatusConverged)
	}
	if a, _ := probe.counts(); a != 1 {
		t.Errorf("license acquires = %d, want 1", a)
	}
}

func TestRunHoldsLeaseUntilDone(t *testing.T) {
	t.Parallel()

	probe := newLeaseProbe()
	defer probe.ctrl.Close()
	r := New(logx.Nop(), heatx.NewClient(), probe.ctrl)

	if _, err := r.Run(context.Background(), heatxSpec()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Release happens only after the idle window, not during the run.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, rel := probe.counts(); rel == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("license never released after idle window")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	t.Parallel()

	probe := newLeaseProbe()
	defer probe.ctrl.Close()
	r := New(logx.Nop(), heatx.NewClient(), probe.ctrl)

	spec := heatxSpec()
	spec.Command = nil
	if _, err := r.Run(context.Background(), spec); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("err = %v, want ErrNoCommand", err)
	}
	if a, _ := probe.counts(); a != 0 {
		t.Errorf("license acquired for a rejected spec: %d", a)
	}
}

func TestRunErrorsDoNotLeakUsage(t *testing.T) {
	t.Parallel()

	probe := newLeaseProbe()
	defer probe.ctrl.Close()
	r := New(logx.Nop(), heatx.NewClient(), probe.ctrl)

	spec := heatxSpec()
	spec.Outputs = append(spec.Outputs, Output{Args: simulator.Args{"variable": "no_such_output"}})
	if _, err := r.Run(context.Background(), spec); !errors.Is(err, simulator.ErrUnknownVariable) {
		t.Fatalf("err = %v, want ErrUnknownVariable", err)
	}

	// Usage ended on the error path, so the idle release still fires.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if s := probe.ctrl.Snapshot(); s.State == license.Released {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease stuck held after failed run")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunFailsWhenModelMissing(t *testing.T) {
	t.Parallel()

	probe := newLeaseProbe()
	defer probe.ctrl.Close()
	r := New(logx.Nop(), heatx.NewClient(), probe.ctrl)

	spec := heatxSpec()
	spec.ModelPath = "/does/not/exist.json"
	if _, err := r.Run(context.Background(), spec); err == nil {
		t.Fatal("Run must fail for a missing model file")
	}
}
