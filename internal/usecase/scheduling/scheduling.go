package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction identifies a type of recurring maintenance action.
type ScheduledAction string

const (
	// ActionProjectionCheck verifies that every projection is still applying
	// events and agrees with the authoritative stores.
	ActionProjectionCheck ScheduledAction = "projection_check"
)

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
}

// Scheduler runs recurring actions and one-shot delays on a cron loop.
// Task retries and interval repeats are one-shot delays keyed by task run id.
type Scheduler struct {
	cron       *cron.Cron
	actions    map[ScheduledAction]func(ctx context.Context) error
	tasks      map[string]cron.EntryID // recurring task name to entry
	delays     map[string]cron.EntryID
	logger     *slog.Logger
	mu         sync.Mutex
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	jobTimeout time.Duration
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		actions:    make(map[ScheduledAction]func(ctx context.Context) error),
		tasks:      make(map[string]cron.EntryID),
		delays:     make(map[string]cron.EntryID),
		logger:     logger,
		jobTimeout: 5 * time.Minute,
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a recurring task. The schedule can be a cron expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already added", task.Name)
	}
	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	s.tasks[task.Name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run("scheduled task", task.Name, fn)
	}))

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// RemoveTask drops a recurring task by name.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(entryID)
	delete(s.tasks, name)
	return nil
}

// run executes fn under the scheduler context with a per-job timeout.
func (s *Scheduler) run(what, name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping "+what, "name", name)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(jobCtx); err != nil {
		s.logger.Warn(what+" failed", "name", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug(what+" completed", "name", name, "duration", time.Since(start))
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Jobs take s.mu to read the context, so wait without holding it.
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// arm schedules fn under id. A one-shot entry forgets id before fn runs so
// fn may arm the same id again.
func (s *Scheduler) arm(id string, schedule cron.Schedule, fn func(ctx context.Context) error, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.delays[id]; exists {
		return fmt.Errorf("scheduler: delay %q already pending", id)
	}

	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		if oneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			if s.delays[id] == entryID {
				delete(s.delays, id)
			}
			s.mu.Unlock()
		}
		s.run("delay", id, fn)
	}))
	s.delays[id] = entryID
	return nil
}

// disarm drops the entry for id and reports whether one was pending.
func (s *Scheduler) disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.delays[id]
	if !ok {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.delays, id)
	return true
}

// After runs fn once, d from now, under id. A pending delay with the same id
// is replaced. Task retries and interval repeats are keyed by task run id.
func (s *Scheduler) After(id string, d time.Duration, fn func(ctx context.Context) error) error {
	s.disarm(id)
	if err := s.arm(id, newOnceSchedule(time.Now().Add(d)), fn, true); err != nil {
		return err
	}
	s.logger.Debug("delay armed", "id", id, "delay", d)
	return nil
}

// Cancel drops a pending delay. Cancelling an unknown id is not an error.
func (s *Scheduler) Cancel(id string) error {
	if s.disarm(id) {
		s.logger.Debug("delay cancelled", "id", id)
	}
	return nil
}

// Pending reports when the delay under id fires next.
func (s *Scheduler) Pending(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.delays[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

// onceSchedule fires a single time. A deadline already in the past fires on
// the next loop tick.
type onceSchedule struct {
	at   time.Time
	done atomic.Bool
}

func newOnceSchedule(at time.Time) *onceSchedule {
	return &onceSchedule{at: at}
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if s.done.Swap(true) {
		return time.Time{} // zero value = never fire again
	}
	if s.at.Before(t) {
		return t
	}
	return s.at
}
