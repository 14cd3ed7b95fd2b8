package pool

import (
	"fmt"
	"strings"
	"time"
)

// FlushKind selects when buffered records leave a channel.
type FlushKind int

const (
	// FlushAlways transmits on every Write.
	FlushAlways FlushKind = iota
	// FlushNever only transmits on an explicit Flush or on Close.
	FlushNever
	// FlushTimeBased transmits on a fixed per-channel period.
	FlushTimeBased
)

func (k FlushKind) String() string {
	switch k {
	case FlushAlways:
		return "always"
	case FlushNever:
		return "never"
	case FlushTimeBased:
		return "timeBased"
	default:
		return fmt.Sprintf("FlushKind(%d)", int(k))
	}
}

// FlushStrategy is attached to a pool when it is built and never changes.
type FlushStrategy struct {
	Kind  FlushKind
	Delay time.Duration
}

// Always returns the flush-on-write strategy.
func Always() FlushStrategy { return FlushStrategy{Kind: FlushAlways} }

// Never returns the manual strategy.
func Never() FlushStrategy { return FlushStrategy{Kind: FlushNever} }

// TimeBased returns a strategy that flushes every delay.
func TimeBased(delay time.Duration) FlushStrategy {
	return FlushStrategy{Kind: FlushTimeBased, Delay: delay}
}

// ParseFlushStrategy maps a configuration name to a strategy. An empty name
// means always.
func ParseFlushStrategy(name string, delay time.Duration) (FlushStrategy, error) {
	var fs FlushStrategy
	switch strings.ToLower(name) {
	case "", "always":
		fs = Always()
	case "never":
		fs = Never()
	case "timebased", "time_based":
		fs = TimeBased(delay)
	default:
		return FlushStrategy{}, fmt.Errorf("unknown flush strategy %q", name)
	}
	if err := fs.Validate(); err != nil {
		return FlushStrategy{}, err
	}
	return fs, nil
}

// Validate rejects a time-based strategy without a positive delay.
func (f FlushStrategy) Validate() error {
	switch f.Kind {
	case FlushAlways, FlushNever:
		return nil
	case FlushTimeBased:
		if f.Delay <= 0 {
			return fmt.Errorf("time-based flush requires a positive delay, got %s", f.Delay)
		}
		return nil
	default:
		return fmt.Errorf("unknown flush kind %d", int(f.Kind))
	}
}

func (f FlushStrategy) String() string {
	if f.Kind == FlushTimeBased {
		return fmt.Sprintf("timeBased(%s)", f.Delay)
	}
	return f.Kind.String()
}

// ticker is the part of *time.Ticker the flush loop uses.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) ticker {
	return realTicker{t: time.NewTicker(d)}
}
