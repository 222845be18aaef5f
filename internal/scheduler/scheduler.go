package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clinisafe/compliance-engine/internal/config"
)

// TaskHandler is one periodic surveillance task.
type TaskHandler interface {
	Name() string
	Execute(ctx context.Context) error
}

// ScheduledTask tracks one registered task and its run history.
type ScheduledTask struct {
	Name        string
	Schedule    string
	Handler     TaskHandler
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	ErrorCount  int64
	cronEntryID cron.EntryID
}

// Scheduler runs the periodic surveillance tasks on cron schedules.
// Overlapping runs of the same task are skipped, so a slow scan never
// stacks up behind itself.
type Scheduler struct {
	logger *slog.Logger
	cfg    config.SchedulerConfig
	cron   *cron.Cron

	mu    sync.RWMutex
	tasks map[string]*ScheduledTask
}

// New creates a scheduler from the configured schedules and handlers.
func New(cfg config.SchedulerConfig, logger *slog.Logger, handlers ...TaskHandler) (*Scheduler, error) {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s := &Scheduler{
		logger: logger,
		cfg:    cfg,
		cron:   c,
		tasks:  make(map[string]*ScheduledTask),
	}
	for _, h := range handlers {
		schedule, ok := s.scheduleFor(h.Name())
		if !ok {
			return nil, fmt.Errorf("no schedule configured for task %s", h.Name())
		}
		if err := s.register(h, schedule); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) scheduleFor(name string) (string, bool) {
	switch name {
	case TaskSurveillance:
		return s.cfg.SurveillanceSchedule, true
	case TaskRetrySweep:
		return s.cfg.RetrySweepSchedule, true
	case TaskDeadlineEscalation:
		return s.cfg.EscalationSchedule, true
	}
	return "", false
}

func (s *Scheduler) register(handler TaskHandler, schedule string) error {
	task := &ScheduledTask{
		Name:     handler.Name(),
		Schedule: schedule,
		Handler:  handler,
	}
	entryID, err := s.cron.AddFunc(schedule, func() {
		s.execute(task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.Name, err)
	}
	task.cronEntryID = entryID

	s.mu.Lock()
	s.tasks[task.Name] = task
	s.mu.Unlock()
	return nil
}

// Start begins running scheduled tasks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
}

// Stop waits for in-flight task runs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunNow executes a task immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	task, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task %s", name)
	}
	go s.execute(task)
	return nil
}

// Stats reports per-task run history.
func (s *Scheduler) Stats() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(s.tasks))
	for _, task := range s.tasks {
		next := task.NextRun
		for _, entry := range s.cron.Entries() {
			if entry.ID == task.cronEntryID {
				next = entry.Next
			}
		}
		out = append(out, map[string]interface{}{
			"name":        task.Name,
			"schedule":    task.Schedule,
			"last_run":    task.LastRun,
			"next_run":    next,
			"run_count":   task.RunCount,
			"error_count": task.ErrorCount,
		})
	}
	return out
}

func (s *Scheduler) execute(task *ScheduledTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	s.mu.Lock()
	task.LastRun = start
	task.RunCount++
	s.mu.Unlock()

	if err := task.Handler.Execute(ctx); err != nil {
		s.mu.Lock()
		task.ErrorCount++
		s.mu.Unlock()
		s.logger.Error("Scheduled task failed",
			"task", task.Name,
			"duration", time.Since(start),
			"error", err)
		return
	}
	s.logger.Debug("Scheduled task completed",
		"task", task.Name,
		"duration", time.Since(start))
}
