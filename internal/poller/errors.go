package poller

import (
	"errors"
	"fmt"

	"github.com/nmslite/nmstrans/internal/model"
)

var (
	// ErrAlreadyScheduled is returned when a server with the same host:port
	// already has an armed trigger.
	ErrAlreadyScheduled = errors.New("server already scheduled")

	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrPoolStopped is returned by Submit once Shutdown has begun.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrStopTimeout is returned by Shutdown when workers did not drain
	// within the grace period and queued tasks were dropped.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)

// SchedulingError reports that a server's trigger could not be built or
// registered.
type SchedulingError struct {
	Server *model.Server
	Err    error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("failed to schedule %s: %v", e.Server, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// Lifecycle stages reported by LifecycleError.
const (
	StageStart    = "start"
	StageValidate = "validate"
	StageSchedule = "schedule"
)

// LifecycleError wraps any failure that kept a server from being scheduled.
type LifecycleError struct {
	Server *model.Server
	Stage  string
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("server %s: %s failed: %v", e.Server, e.Stage, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }
