package schedule

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/taskman"
)

// Service turns due schedules into tasks. Kinds:
//
//	at    - fires once at an RFC3339 timestamp, then disables itself
//	every - fires on a fixed interval given as a Go duration string
//	cron  - fires per a 5-field cron expression
type Service struct {
	st    *store.Store
	tasks *taskman.Manager
	tick  time.Duration
	gron  *gronx.Gronx

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewService(st *store.Store, tasks *taskman.Manager, tick time.Duration) *Service {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &Service{
		st:    st,
		tasks: tasks,
		tick:  tick,
		gron:  gronx.New(),
	}
}

// Add validates and persists a schedule with its first run time computed.
func (s *Service) Add(ctx context.Context, kind store.ScheduleKind, expression, timezone string, template store.TaskTemplate) (*store.Schedule, error) {
	if template.Subject == "" {
		return nil, fmt.Errorf("schedule needs a task subject")
	}

	next, err := s.firstRun(kind, expression, timezone, time.Now())
	if err != nil {
		return nil, err
	}

	sched := &store.Schedule{
		Kind:       kind,
		Expression: expression,
		Timezone:   timezone,
		Template:   template,
		NextRunMs:  next,
		Enabled:    true,
	}
	if err := s.st.Schedules.Create(ctx, sched); err != nil {
		return nil, err
	}
	logger.InfoCF("schedule", "Schedule added", map[string]any{
		"id":   sched.ID,
		"kind": string(kind),
		"expr": expression,
	})
	return sched, nil
}

// Remove deletes a schedule.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	return s.st.Schedules.Delete(ctx, id)
}

// SetEnabled flips a schedule on or off. Re-enabling recomputes the next
// run so a long-disabled schedule does not fire a backlog.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.st.Schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("no schedule with id %s", id)
	}
	sched.Enabled = enabled
	if enabled {
		next, err := s.nextRun(sched, time.Now())
		if err != nil {
			return err
		}
		sched.NextRunMs = next
	}
	return s.st.Schedules.Update(ctx, sched)
}

// List returns all schedules ordered by next run.
func (s *Service) List(ctx context.Context) ([]*store.Schedule, error) {
	return s.st.Schedules.List(ctx)
}

// Start launches the tick loop. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.fireDue()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for an in-flight tick.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

// fireDue materializes every due schedule into a task and advances it.
func (s *Service) fireDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	due, err := s.st.Schedules.GetDue(ctx, now.UnixMilli())
	if err != nil {
		logger.ErrorCF("schedule", "Due query failed", map[string]any{"error": err.Error()})
		return
	}

	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			logger.ErrorCF("schedule", "Schedule firing failed", map[string]any{
				"id":    sched.ID,
				"error": err.Error(),
			})
		}
	}
}

func (s *Service) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	task := &store.Task{
		Subject:       sched.Template.Subject,
		Description:   sched.Template.Description,
		ActiveForm:    sched.Template.ActiveForm,
		VerifyCommand: sched.Template.VerifyCommand,
		Owner:         sched.Template.Owner,
		Status:        store.TaskPending,
		Metadata:      map[string]any{"schedule_id": sched.ID, "scheduled": true},
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return err
	}

	lastRun := now.UnixMilli()
	sched.LastRunMs = &lastRun

	if sched.Kind == store.ScheduleAt {
		// one-shot
		sched.Enabled = false
	} else {
		next, err := s.nextRun(sched, now)
		if err != nil {
			return err
		}
		sched.NextRunMs = next
	}

	if err := s.st.Schedules.Update(ctx, sched); err != nil {
		return err
	}
	logger.InfoCF("schedule", "Schedule fired", map[string]any{
		"id":      sched.ID,
		"task_id": task.ID,
	})
	return nil
}

// firstRun computes the initial NextRunMs for a new schedule.
func (s *Service) firstRun(kind store.ScheduleKind, expression, timezone string, now time.Time) (int64, error) {
	switch kind {
	case store.ScheduleAt:
		at, err := parseAt(expression)
		if err != nil {
			return 0, err
		}
		return at, nil
	case store.ScheduleEvery:
		interval, err := time.ParseDuration(expression)
		if err != nil || interval <= 0 {
			return 0, fmt.Errorf("invalid interval %q", expression)
		}
		return now.Add(interval).UnixMilli(), nil
	case store.ScheduleCron:
		if !s.gron.IsValid(expression) {
			return 0, fmt.Errorf("invalid cron expression %q", expression)
		}
		return s.cronNext(expression, timezone, now)
	}
	return 0, fmt.Errorf("unknown schedule kind %q", kind)
}

// nextRun advances an existing schedule past now.
func (s *Service) nextRun(sched *store.Schedule, now time.Time) (int64, error) {
	switch sched.Kind {
	case store.ScheduleAt:
		return sched.NextRunMs, nil
	case store.ScheduleEvery:
		interval, err := time.ParseDuration(sched.Expression)
		if err != nil || interval <= 0 {
			return 0, fmt.Errorf("invalid interval %q", sched.Expression)
		}
		return now.Add(interval).UnixMilli(), nil
	case store.ScheduleCron:
		return s.cronNext(sched.Expression, sched.Timezone, now)
	}
	return 0, fmt.Errorf("unknown schedule kind %q", sched.Kind)
}

func (s *Service) cronNext(expression, timezone string, now time.Time) (int64, error) {
	ref := now
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		ref = now.In(loc)
	}
	next, err := gronx.NextTickAfter(expression, ref, false)
	if err != nil {
		return 0, fmt.Errorf("cron next tick: %w", err)
	}
	return next.UnixMilli(), nil
}

// parseAt accepts RFC3339 or epoch milliseconds.
func parseAt(expression string) (int64, error) {
	if ms, err := strconv.ParseInt(expression, 10, 64); err == nil {
		return ms, nil
	}
	at, err := time.Parse(time.RFC3339, expression)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", expression, err)
	}
	return at.UnixMilli(), nil
}
