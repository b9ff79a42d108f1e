package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mescon/stallarr/internal/logger"
)

// Job is a named unit of scheduled work.
type Job func(ctx context.Context) error

// SchedulerService runs jobs on cron expressions.
type SchedulerService struct {
	ctx  context.Context
	cron *cron.Cron
	jobs map[string]cron.EntryID
	mu   sync.Mutex
}

// NewSchedulerService creates a scheduler. Jobs receive ctx.
func NewSchedulerService(ctx context.Context) *SchedulerService {
	return &SchedulerService{
		ctx:  ctx,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs: make(map[string]cron.EntryID),
	}
}

func (s *SchedulerService) Start() {
	logger.Infof("Starting Scheduler Service...")
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// AddJob schedules job under name, replacing any job with the same name.
func (s *SchedulerService) AddJob(name, cronExpr string, job Job) error {
	// Validate cron expression
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		logger.Infof("Executing scheduled job: %s", name)
		if err := job(s.ctx); err != nil {
			logger.Errorf("Scheduled job %s failed: %v", name, err)
		}
	})
	if err != nil {
		return err
	}

	s.jobs[name] = entryID
	logger.Infof("Scheduled %s at %q", name, cronExpr)
	return nil
}

// RemoveJob unschedules name. Unknown names are ignored.
func (s *SchedulerService) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
	}
}

// Jobs returns the scheduled job names.
func (s *SchedulerService) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// ClearCompletedJob adapts the cleaner to a scheduled job.
func ClearCompletedJob(cleaner *CleanerService) Job {
	return func(ctx context.Context) error {
		_, err := cleaner.ClearCompleted(ctx)
		return err
	}
}

// JournalMaintainer prunes the event journal. *db.Repository satisfies it.
type JournalMaintainer interface {
	RunMaintenance(retentionDays int) error
}

// JournalMaintenanceJob prunes journal entries older than retentionDays.
func JournalMaintenanceJob(journal JournalMaintainer, retentionDays int) Job {
	return func(ctx context.Context) error {
		return journal.RunMaintenance(retentionDays)
	}
}
