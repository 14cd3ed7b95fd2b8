package poller

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/nmstrans/internal/model"
)

// Job is one armed trigger for a server.
type Job struct {
	Name    string
	Server  *model.Server
	Trigger Trigger

	running atomic.Bool
	fires   atomic.Uint64
	skipped atomic.Uint64

	mu   sync.Mutex
	next time.Time

	stop chan struct{}
}

func (j *Job) setNext(t time.Time) {
	j.mu.Lock()
	j.next = t
	j.mu.Unlock()
}

// JobInfo is a snapshot of a scheduled job.
type JobInfo struct {
	Name     string    `json:"name"`
	Server   string    `json:"server"`
	Trigger  string    `json:"trigger"`
	NextFire time.Time `json:"next_fire"`
	Running  bool      `json:"running"`
	Fires    uint64    `json:"fires"`
	Skipped  uint64    `json:"skipped"`
}

func (j *Job) info() JobInfo {
	j.mu.Lock()
	next := j.next
	j.mu.Unlock()
	return JobInfo{
		Name:     j.Name,
		Server:   j.Server.String(),
		Trigger:  j.Trigger.String(),
		NextFire: next,
		Running:  j.running.Load(),
		Fires:    j.fires.Load(),
		Skipped:  j.skipped.Load(),
	}
}

// Fire is a single firing of a job. The receiver of a Fire must call Done
// once the work it started has finished; until then later fires of the same
// job are skipped.
type Fire struct {
	ID  string
	Job *Job
	At  time.Time

	once sync.Once
}

func (f *Fire) Done() {
	f.once.Do(func() { f.Job.running.Store(false) })
}

// FireFunc hands a fire off to the worker that runs it. It must not block.
type FireFunc func(f *Fire) error

// SchedulerConfig holds the scheduler settings.
type SchedulerConfig struct {
	// DefaultRunPeriod is used for servers without a cron expression or run
	// period of their own.
	DefaultRunPeriod time.Duration
	Logger           *slog.Logger
}

// Scheduler runs one goroutine per armed trigger. Each goroutine only hands
// fires to the FireFunc; it never runs queries itself.
type Scheduler struct {
	defaultPeriod time.Duration
	fire          FireFunc
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, fire FireFunc) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		defaultPeriod: cfg.DefaultRunPeriod,
		fire:          fire,
		logger:        logger.With("component", "scheduler"),
		now:           time.Now,
		jobs:          make(map[string]*Job),
		done:          make(chan struct{}),
	}
}

// TriggerFor builds the trigger a server would be scheduled with: a cron
// trigger when the server has a cron expression, a periodic one otherwise.
func (s *Scheduler) TriggerFor(server *model.Server) (Trigger, error) {
	if server.Cron != "" {
		return NewCronTrigger(server.Cron)
	}
	period := server.RunPeriod
	if period <= 0 {
		period = s.defaultPeriod
	}
	return NewPeriodicTrigger(period)
}

// ScheduleJob arms a trigger for server. Every failure is a *SchedulingError.
func (s *Scheduler) ScheduleJob(server *model.Server) (*Job, error) {
	trigger, err := s.TriggerFor(server)
	if err != nil {
		return nil, &SchedulingError{Server: server, Err: err}
	}

	key := server.Address()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, &SchedulingError{Server: server, Err: ErrSchedulerStopped}
	}
	if _, exists := s.jobs[key]; exists {
		return nil, &SchedulingError{Server: server, Err: ErrAlreadyScheduled}
	}

	now := s.now()
	job := &Job{
		Name:    jobName(key, now),
		Server:  server,
		Trigger: trigger,
		stop:    make(chan struct{}),
	}
	next := firstFire(trigger, now)
	job.setNext(next)
	s.jobs[key] = job

	s.wg.Add(1)
	go s.run(job, next)

	s.logger.Info("job scheduled",
		"job", job.Name,
		"server", server.String(),
		"trigger", trigger.String(),
		"next_fire", next,
	)
	return job, nil
}

// Unschedule disarms the trigger of the server with the given host:port.
func (s *Scheduler) Unschedule(server *model.Server) bool {
	s.mu.Lock()
	job, ok := s.jobs[server.Address()]
	if ok {
		delete(s.jobs, server.Address())
		close(job.stop)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("job unscheduled", "job", job.Name)
	}
	return ok
}

// Jobs lists the scheduled jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		infos = append(infos, j.info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, k int) bool { return infos[i].Name < infos[k].Name })
	return infos
}

// Stop disarms every trigger and waits for the trigger goroutines to exit.
// No fire happens after Stop returns. Work already handed off is not waited
// for.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler shutdown complete")
}

func (s *Scheduler) run(job *Job, next time.Time) {
	defer s.wg.Done()

	timer := time.NewTimer(next.Sub(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-job.stop:
			return
		case <-timer.C:
		}

		// Stop may have raced with the timer.
		select {
		case <-s.done:
			return
		case <-job.stop:
			return
		default:
		}

		s.dispatch(job, next)

		now := s.now()
		next = job.Trigger.Next(next)
		if !next.After(now) {
			// Fell behind; resume from now rather than firing a burst.
			next = job.Trigger.Next(now)
		}
		job.setNext(next)
		timer.Reset(next.Sub(now))

		s.logger.Debug("job rescheduled", "job", job.Name, "next_fire", next)
	}
}

func (s *Scheduler) dispatch(job *Job, at time.Time) {
	if !job.running.CompareAndSwap(false, true) {
		job.skipped.Add(1)
		s.logger.Warn("previous run still in progress, skipping fire",
			"job", job.Name,
			"server", job.Server.String(),
		)
		return
	}
	job.fires.Add(1)

	f := &Fire{ID: uuid.NewString(), Job: job, At: at}
	if err := s.fire(f); err != nil {
		f.Done()
		s.logger.Error("failed to hand off fire",
			"job", job.Name,
			"fire_id", f.ID,
			"error", err,
		)
	}
}

// jobName is unique per scheduling call: host:port, the scheduling time in
// milliseconds and ten random digits.
func jobName(key string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%010d", key, now.UnixMilli(), rand.Int64N(10_000_000_000))
}
