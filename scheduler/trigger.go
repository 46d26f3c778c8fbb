package scheduler

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Trigger computes firing instants.
type Trigger interface {
	// First returns the instant of the first firing after Start.
	First(now time.Time) time.Time

	// Next returns the instant of the firing that follows a cycle
	// completed at now.
	Next(now time.Time) time.Time
}

// minDelay keeps a zero-delay periodic trigger from spinning.
const minDelay = time.Millisecond

// Periodic fires after InitialDelay and then Delay after every completed
// cycle.
type Periodic struct {
	InitialDelay time.Duration
	Delay        time.Duration
}

// Every returns a Periodic trigger that first fires immediately.
func Every(d time.Duration) Periodic {
	return Periodic{Delay: d}
}

// First implements Trigger.
func (p Periodic) First(now time.Time) time.Time {
	return now.Add(p.InitialDelay)
}

// Next implements Trigger.
func (p Periodic) Next(now time.Time) time.Time {
	return now.Add(max(p.Delay, minDelay))
}

func (p Periodic) String() string {
	return fmt.Sprintf("every %s after %s", p.Delay, p.InitialDelay)
}

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field and descriptors such as "@hourly" or "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom |
		cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Cron fires at the instants described by a cron expression.
type Cron struct {
	expr     string
	schedule cronlib.Schedule
}

// ParseCron parses expr into a Cron trigger.
func ParseCron(expr string) (*Cron, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}
	return &Cron{expr: expr, schedule: sched}, nil
}

// First implements Trigger.
func (c *Cron) First(now time.Time) time.Time { return c.schedule.Next(now) }

// Next implements Trigger.
func (c *Cron) Next(now time.Time) time.Time { return c.schedule.Next(now) }

// Expression returns the source expression.
func (c *Cron) Expression() string { return c.expr }

func (c *Cron) String() string { return c.expr }
