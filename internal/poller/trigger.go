package poller

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger decides when a job fires next.
type Trigger interface {
	// Next returns the first fire time strictly after t.
	Next(t time.Time) time.Time
	String() string
}

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type cronTrigger struct {
	expr     string
	schedule cron.Schedule
}

// NewCronTrigger parses expr. A malformed expression is an error.
func NewCronTrigger(expr string) (Trigger, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &cronTrigger{expr: expr, schedule: schedule}, nil
}

func (c *cronTrigger) Next(t time.Time) time.Time { return c.schedule.Next(t) }

func (c *cronTrigger) String() string { return "cron(" + c.expr + ")" }

type periodicTrigger struct {
	period time.Duration
}

// NewPeriodicTrigger returns a trigger firing every period.
func NewPeriodicTrigger(period time.Duration) (Trigger, error) {
	if period <= 0 {
		return nil, fmt.Errorf("run period must be positive, got %s", period)
	}
	return &periodicTrigger{period: period}, nil
}

func (p *periodicTrigger) Next(t time.Time) time.Time { return t.Add(p.period) }

func (p *periodicTrigger) String() string { return "every " + p.period.String() }

// firstFire returns when a freshly armed trigger fires for the first time:
// immediately for periodic triggers, at the next match for cron triggers.
func firstFire(tr Trigger, now time.Time) time.Time {
	if _, ok := tr.(*periodicTrigger); ok {
		return now
	}
	return tr.Next(now)
}
