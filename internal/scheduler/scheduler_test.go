package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunNowExecutesRegisteredJob(t *testing.T) {
	s := New(nil)
	var calls atomic.Int32
	s.Register("noop", time.Hour, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := s.RunNow(context.Background(), "noop"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected job to run once, ran %d times", calls.Load())
	}
}

func TestRunNowIgnoresUnknownJob(t *testing.T) {
	s := New(nil)
	if err := s.RunNow(context.Background(), "missing"); err != nil {
		t.Fatalf("unexpected error for unknown job: %v", err)
	}
}

func TestSingletonGuardSkipsOverlappingRun(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	s.Register("slow", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})

	go s.RunNow(context.Background(), "slow")
	<-started

	// A second concurrent RunNow while the first is still in flight must be
	// skipped by the atomic.Bool guard rather than running a second time.
	if err := s.RunNow(context.Background(), "slow"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(release)
	time.Sleep(20 * time.Millisecond)

	if runs.Load() != 1 {
		t.Fatalf("expected exactly 1 run while the first was in flight, got %d", runs.Load())
	}
}

func TestStatusReportsLastRunAndError(t *testing.T) {
	s := New(nil)
	wantErr := errors.New("boom")
	s.Register("failing", time.Hour, func(ctx context.Context) error {
		return wantErr
	})

	_ = s.RunNow(context.Background(), "failing")

	statuses := s.Status()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(statuses))
	}
	if statuses[0].LastError == nil || statuses[0].LastError.Error() != "boom" {
		t.Fatalf("expected last error to be recorded, got %v", statuses[0].LastError)
	}
	if statuses[0].LastRun.IsZero() {
		t.Fatalf("expected LastRun to be set")
	}
}

func TestStartTicksRegisteredJobs(t *testing.T) {
	s := New(nil)
	var calls atomic.Int32
	s.Register("ticking", 10*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(55 * time.Millisecond)
	cancel()
	s.Stop(time.Second)

	if calls.Load() < 2 {
		t.Fatalf("expected at least 2 ticks to fire, got %d", calls.Load())
	}
}

func TestStopReturnsPromptlyWhenDeadlineExceeded(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	s.Register("stuck", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		<-release
		return nil
	})

	s.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	go s.RunNow(context.Background(), "stuck")
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	s.Stop(30 * time.Millisecond)
	elapsed := time.Since(start)
	close(release)

	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected Stop to return near its deadline, took %v", elapsed)
	}
}
