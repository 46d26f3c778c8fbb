package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/fabric/scheduler"
)

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPeriodicFiresRepeatedly(t *testing.T) {
	var runs atomic.Int64
	s := scheduler.New("periodic", scheduler.Every(5*time.Millisecond), func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if got := s.State(); got != scheduler.Stopped {
		t.Fatalf("initial state = %s, want stopped", got)
	}

	s.Start()
	waitFor(t, "three cycles", time.Second, func() bool { return runs.Load() >= 3 })
	s.Stop(true)

	if got := s.State(); got != scheduler.Stopped {
		t.Errorf("state after Stop = %s, want stopped", got)
	}
	if s.Cycles() < 3 {
		t.Errorf("Cycles() = %d, want >= 3", s.Cycles())
	}

	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != n {
		t.Error("cycles ran after Stop")
	}
}

func TestInitialDelay(t *testing.T) {
	var started atomic.Int64
	begin := time.Now()
	s := scheduler.New("delayed", scheduler.Periodic{InitialDelay: 40 * time.Millisecond, Delay: time.Hour},
		func(context.Context) error {
			started.Store(time.Since(begin).Milliseconds())
			return nil
		})
	s.Start()
	defer s.Stop(true)

	waitFor(t, "first cycle", time.Second, func() bool { return started.Load() > 0 })
	if ms := started.Load(); ms < 40 {
		t.Errorf("first cycle after %dms, want >= 40ms", ms)
	}
}

func TestErrorsAndPanicsDoNotStopSchedule(t *testing.T) {
	var runs atomic.Int64
	s := scheduler.New("flaky", scheduler.Every(time.Millisecond), func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return nil
	})
	s.Start()
	defer s.Stop(true)

	waitFor(t, "cycles after failures", time.Second, func() bool { return runs.Load() >= 4 })
}

func TestStateRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s := scheduler.New("state", scheduler.Every(time.Hour), func(context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	s.Start()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("cycle did not start")
	}
	if got := s.State(); got != scheduler.Running {
		t.Errorf("state during cycle = %s, want running", got)
	}

	close(release)
	waitFor(t, "scheduled state", time.Second, func() bool { return s.State() == scheduler.Scheduled })
	s.Stop(true)
}

func TestStopWaitBlocksUntilCycleEnds(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	s := scheduler.New("slow", scheduler.Every(time.Hour), func(context.Context) error {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	s.Start()
	<-entered

	s.Stop(true)
	if !finished.Load() {
		t.Fatal("Stop(true) returned before the cycle finished")
	}
}

func TestStopNoWaitCancelsCycle(t *testing.T) {
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	s := scheduler.New("cancel", scheduler.Every(time.Hour), func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	s.Start()
	<-entered

	s.Stop(false)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Stop(false) did not cancel the running cycle")
	}
}

func TestStopNeverStarted(t *testing.T) {
	s := scheduler.New("idle", scheduler.Every(time.Second), func(context.Context) error { return nil })
	s.Stop(true)
	s.Stop(false)
	if got := s.State(); got != scheduler.Stopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	var runs atomic.Int64
	s := scheduler.New("restart", scheduler.Every(time.Millisecond), func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start()
	waitFor(t, "first run", time.Second, func() bool { return runs.Load() >= 1 })
	s.Stop(true)

	n := runs.Load()
	s.Start()
	defer s.Stop(true)
	waitFor(t, "run after restart", time.Second, func() bool { return runs.Load() > n })
}

func TestWatchdogCancelsAndRestarts(t *testing.T) {
	const timeout = 20 * time.Millisecond
	var runs atomic.Int64
	s := scheduler.New("hung", scheduler.Every(time.Hour), func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, scheduler.WithTimeout(timeout))
	s.Start()
	defer s.Stop(true)

	waitFor(t, "replacement cycle", time.Second, func() bool { return runs.Load() >= 2 })
	if s.Timeouts() != 1 {
		t.Errorf("Timeouts() = %d, want 1", s.Timeouts())
	}
}

// A cycle that ignores cancellation and runs ten timeouts long must not
// silence the schedule: fresh cycles keep starting while it runs.
func TestWatchdogSelfHeals(t *testing.T) {
	const timeout = 50 * time.Millisecond
	firstDone := make(chan uint64, 1)
	var runs atomic.Int64

	var s *scheduler.Scheduler
	s = scheduler.New("stuck", scheduler.Every(time.Hour), func(context.Context) error {
		n := runs.Add(1)
		time.Sleep(10*timeout + timeout/2)
		if n == 1 {
			firstDone <- s.Cycles()
		}
		return nil
	}, scheduler.WithTimeout(timeout))
	s.Start()
	defer s.Stop(false)

	select {
	case started := <-firstDone:
		if started < 10 {
			t.Errorf("cycles started during one stuck cycle = %d, want >= 10", started)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never returned")
	}
	if s.Timeouts() < 9 {
		t.Errorf("Timeouts() = %d, want >= 9", s.Timeouts())
	}
}

func TestCronTrigger(t *testing.T) {
	c, err := scheduler.ParseCron("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 3, 0, 0, time.UTC)
	want := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	if got := c.First(now); !got.Equal(want) {
		t.Errorf("First(%s) = %s, want %s", now, got, want)
	}
	if got := c.Next(want); !got.Equal(want.Add(5 * time.Minute)) {
		t.Errorf("Next(%s) = %s, want %s", want, got, want.Add(5*time.Minute))
	}
}

func TestCronTriggerSeconds(t *testing.T) {
	c, err := scheduler.ParseCron("*/10 * * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 3, 0, time.UTC)
	want := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)
	if got := c.Next(now); !got.Equal(want) {
		t.Errorf("Next(%s) = %s, want %s", now, got, want)
	}
}

func TestParseCronInvalid(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "61 * * * *"} {
		if _, err := scheduler.ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) succeeded, want error", expr)
		}
	}
}

func TestCronScheduler(t *testing.T) {
	c, err := scheduler.ParseCron("@every 1s")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	var runs atomic.Int64
	s := scheduler.New("cron", c, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start()
	defer s.Stop(true)

	waitFor(t, "cron firing", 3*time.Second, func() bool { return runs.Load() >= 1 })
}
