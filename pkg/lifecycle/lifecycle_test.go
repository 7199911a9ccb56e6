package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownRunsStoppersThenAbortsThenCloses(t *testing.T) {
	l := New(context.Background())

	var order []string
	l.RegisterStopper(func() { order = append(order, "stop1") })
	l.RegisterStopper(func() { order = append(order, "stop2") })
	l.RegisterCloser(func() error { order = append(order, "close1"); return nil })
	l.RegisterCloser(func() error { order = append(order, "close2"); return nil })

	var aborted atomic.Bool
	l.Go("watch-abort", func(ctx context.Context) error {
		<-ctx.Done()
		aborted.Store(true)
		return nil
	})

	if err := l.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}

	if !aborted.Load() {
		t.Fatalf("expected abort signal to fire")
	}

	want := []string{"stop2", "stop1", "close2", "close1"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestShutdownTimesOutOnHungTask(t *testing.T) {
	l := New(context.Background())
	l.Go("hangs-forever", func(ctx context.Context) error {
		<-make(chan struct{})
		return nil
	})

	err := l.Shutdown(50 * time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestGoFailureDoesNotFailShutdown(t *testing.T) {
	l := New(context.Background())
	l.Go("fails", func(ctx context.Context) error {
		return context.DeadlineExceeded
	})

	if err := l.Shutdown(time.Second); err != nil {
		t.Fatalf("a failing background task must not fail shutdown: %v", err)
	}
}
