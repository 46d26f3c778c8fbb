package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task is one cycle of scheduled work. It should return promptly once ctx
// is cancelled.
type Task func(ctx context.Context) error

// State is the lifecycle state of a Scheduler.
type State int

const (
	// Stopped means no firing is pending.
	Stopped State = iota
	// Scheduled means the next firing is pending.
	Scheduled
	// Running means a cycle is executing.
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithTimeout arms the watchdog: a cycle still running after d is
// cancelled and replaced by a fresh one. Zero disables the watchdog.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithClock sets the clock used for timers.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// Scheduler runs a Task whenever its Trigger fires.
type Scheduler struct {
	name    string
	trigger Trigger
	task    Task
	timeout time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	cycle    uint64
	timer    clockwork.Timer
	watchdog clockwork.Timer
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	cycles   atomic.Uint64
	timeouts atomic.Uint64
}

// New creates a stopped Scheduler. name only labels log records.
func New(name string, trigger Trigger, task Task, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:    name,
		trigger: trigger,
		task:    task,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the first firing. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		return
	}
	s.state = Scheduled
	s.armLocked(s.trigger.First(s.clock.Now()))
	s.logger.Debug("scheduler started", slog.String("scheduler", s.name))
}

// Stop cancels pending firings. With wait set it blocks until every cycle
// started so far has returned; otherwise it cancels the running cycle and
// returns immediately. Stopping a stopped scheduler is safe.
func (s *Scheduler) Stop(wait bool) {
	s.mu.Lock()
	if s.state != Stopped {
		s.state = Stopped
		s.cycle++ // orphan the running cycle so it does not re-arm
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.watchdog != nil {
			s.watchdog.Stop()
			s.watchdog = nil
		}
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if wait {
		s.wg.Wait()
		if cancel != nil {
			cancel()
		}
	} else if cancel != nil {
		cancel()
	}
	s.logger.Debug("scheduler stopped", slog.String("scheduler", s.name), slog.Bool("wait", wait))
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycles returns how many cycles have been started.
func (s *Scheduler) Cycles() uint64 { return s.cycles.Load() }

// Timeouts returns how many cycles the watchdog has cancelled.
func (s *Scheduler) Timeouts() uint64 { return s.timeouts.Load() }

// armLocked schedules the next firing at the given instant.
func (s *Scheduler) armLocked(at time.Time) {
	d := at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	s.timer = s.clock.AfterFunc(d, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Scheduled {
		return
	}
	s.timer = nil
	s.startCycleLocked()
}

// startCycleLocked launches a new cycle and, if configured, its watchdog.
func (s *Scheduler) startCycleLocked() {
	s.cycle++
	gen := s.cycle
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = Running
	s.cycles.Add(1)

	if s.timeout > 0 {
		s.watchdog = s.clock.AfterFunc(s.timeout, func() { s.expire(gen) })
	}

	s.wg.Add(1)
	go s.run(ctx, cancel, gen)
}

// expire is the watchdog: it replaces cycle gen if it is still running.
func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.cycle || s.state != Running {
		return
	}
	s.timeouts.Add(1)
	s.logger.Warn("cycle timed out, starting a fresh one",
		slog.String("scheduler", s.name),
		slog.Duration("timeout", s.timeout),
	)
	s.cancel()
	s.startCycleLocked()
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer s.wg.Done()
	defer cancel()

	err := s.invoke(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		s.logger.Debug("cycle cancelled", slog.String("scheduler", s.name))
	default:
		s.logger.Error("cycle failed",
			slog.String("scheduler", s.name),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.cycle || s.state != Running {
		return
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.cancel = nil
	s.state = Scheduled
	s.armLocked(s.trigger.Next(s.clock.Now()))
}

// invoke runs the task, turning a panic into an error.
func (s *Scheduler) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: panic in %s: %v", s.name, r)
		}
	}()
	return s.task(ctx)
}
