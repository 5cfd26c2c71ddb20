package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "simconn/pkg/logx"
)

func testLogger() logx.Logger {
	var l logx.Logger
	return l
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	o := New(Config{}, testLogger(), nil)
	defer o.Close()

	noop := func(ctx context.Context) (any, error) { return nil, nil }

	cases := []struct {
		name    string
		key     string
		op      Operation
		wantErr error
	}{
		{name: "empty key", key: "", op: noop, wantErr: ErrKeyRequired},
		{name: "whitespace key", key: "   ", op: noop, wantErr: ErrKeyRequired},
		{name: "nil op", key: "k", op: nil, wantErr: ErrOperationRequired},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := o.Submit(context.Background(), tc.key, tc.op); !errors.Is(err, tc.wantErr) {
				t.Fatalf("Submit err = %v, want %v", err, tc.wantErr)
			}
			if _, err := o.SubmitPriority(context.Background(), tc.key, tc.op); !errors.Is(err, tc.wantErr) {
				t.Fatalf("SubmitPriority err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestSubmitDeduplicatesByKey(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 2}, testLogger(), nil)
	defer o.Close()

	var calls int32
	release := make(chan struct{})
	op := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "result", nil
	}

	h1, err := o.Submit(context.Background(), "model-1", op)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	h2, err := o.Submit(context.Background(), "model-1", op)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if h1 != h2 {
		t.Fatal("duplicate Submit must return the same handle")
	}

	close(release)
	v, err := h1.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "result" {
		t.Fatalf("Wait value = %v, want result", v)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("operation ran %d times, want 1", n)
	}
}

func TestKeyReusableAfterCompletion(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 1}, testLogger(), nil)
	defer o.Close()

	run := func(v string) *Handle {
		h, err := o.Submit(context.Background(), "model-1", func(ctx context.Context) (any, error) {
			return v, nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		return h
	}

	h1 := run("first")
	if v, _ := h1.Wait(context.Background()); v != "first" {
		t.Fatalf("first run value = %v", v)
	}
	h2 := run("second")
	if h1 == h2 {
		t.Fatal("completed key must start a fresh run with a fresh handle")
	}
	if v, _ := h2.Wait(context.Background()); v != "second" {
		t.Fatalf("second run value = %v", v)
	}
}

func TestSubmitPriorityPreemptsTrackedRun(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 2}, testLogger(), nil)
	defer o.Close()

	oldCancelled := make(chan struct{})
	oldStarted := make(chan struct{})
	hOld, err := o.Submit(context.Background(), "model-1", func(ctx context.Context) (any, error) {
		close(oldStarted)
		<-ctx.Done()
		close(oldCancelled)
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-oldStarted

	hNew, err := o.SubmitPriority(context.Background(), "model-1", func(ctx context.Context) (any, error) {
		return "priority", nil
	})
	if err != nil {
		t.Fatalf("SubmitPriority: %v", err)
	}
	if hNew == hOld {
		t.Fatal("priority submit must produce a new handle")
	}

	select {
	case <-oldCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("old run context was not cancelled")
	}
	if _, err := hOld.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("old handle err = %v, want context.Canceled", err)
	}
	if v, err := hNew.Wait(context.Background()); err != nil || v != "priority" {
		t.Fatalf("new handle = (%v, %v), want (priority, nil)", v, err)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 1}, testLogger(), nil)
	defer o.Close()

	firstRunning := make(chan struct{})
	releaseFirst := make(chan struct{})
	var secondRan int32

	h1, err := o.Submit(context.Background(), "a", func(ctx context.Context) (any, error) {
		close(firstRunning)
		<-releaseFirst
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	<-firstRunning

	h2, err := o.Submit(context.Background(), "b", func(ctx context.Context) (any, error) {
		atomic.AddInt32(&secondRan, 1)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit b: %v", err)
	}

	// With one slot held, b must be queued, not running.
	select {
	case <-h2.Done():
		t.Fatal("second run completed while the only slot was held")
	case <-time.After(50 * time.Millisecond):
	}
	if atomic.LoadInt32(&secondRan) != 0 {
		t.Fatal("second run started while the only slot was held")
	}

	close(releaseFirst)
	if _, err := h1.Wait(context.Background()); err != nil {
		t.Fatalf("Wait a: %v", err)
	}
	if _, err := h2.Wait(context.Background()); err != nil {
		t.Fatalf("Wait b: %v", err)
	}
	if atomic.LoadInt32(&secondRan) != 1 {
		t.Fatal("second run never executed after slot freed")
	}
}

func TestQueuedRunCancellableWhileWaitingForSlot(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 1}, testLogger(), nil)
	defer o.Close()

	running := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	if _, err := o.Submit(context.Background(), "a", func(ctx context.Context) (any, error) {
		close(running)
		<-release
		return nil, nil
	}); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	h, err := o.Submit(ctx, "b", func(ctx context.Context) (any, error) {
		t.Error("queued operation body must not run after cancel")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	cancel()

	if _, err := h.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("queued run err = %v, want context.Canceled", err)
	}
}

func TestOperationPanicBecomesError(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 1}, testLogger(), nil)
	defer o.Close()

	h, err := o.Submit(context.Background(), "boom", func(ctx context.Context) (any, error) {
		panic("kaput")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.Wait(context.Background()); err == nil {
		t.Fatal("panicking run must resolve with an error")
	}

	// Slot must have been released; a follow-up run completes.
	h2, err := o.Submit(context.Background(), "ok", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	if v, err := h2.Wait(context.Background()); err != nil || v != 42 {
		t.Fatalf("run after panic = (%v, %v), want (42, nil)", v, err)
	}
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 1, DefaultTimeout: 20 * time.Millisecond}, testLogger(), nil)
	defer o.Close()

	h, err := o.Submit(context.Background(), "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestCloseRejectsAndCancels(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 1}, testLogger(), nil)

	running := make(chan struct{})
	h, err := o.Submit(context.Background(), "a", func(ctx context.Context) (any, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-running

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close err = %v, want ErrClosed", err)
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("tracked run err = %v, want context.Canceled", err)
	}
	if _, err := o.Submit(context.Background(), "b", func(ctx context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close err = %v, want ErrClosed", err)
	}
	if _, err := o.SubmitPriority(context.Background(), "b", func(ctx context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("SubmitPriority after Close err = %v, want ErrClosed", err)
	}
}

func TestHandleWaitAbandonKeepsRunAlive(t *testing.T) {
	t.Parallel()

	o := New(Config{MaxConcurrent: 1}, testLogger(), nil)
	defer o.Close()

	release := make(chan struct{})
	h, err := o.Submit(context.Background(), "a", func(ctx context.Context) (any, error) {
		<-release
		return "late", nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Wait(waitCtx); !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned Wait err = %v, want context.Canceled", err)
	}

	close(release)
	if v, err := h.Wait(context.Background()); err != nil || v != "late" {
		t.Fatalf("second Wait = (%v, %v), want (late, nil)", v, err)
	}
}
