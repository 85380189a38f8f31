package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/pkg/helper"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/robfig/cron/v3"
)

const stopTimeout = 30 * time.Second

// Scheduler runs a job on a cron schedule, never two at a time.
type Scheduler struct {
	expr   string
	job    func(ctx context.Context)
	logger *logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
	wrapped cron.Job
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewScheduler(expr string, job func(ctx context.Context)) *Scheduler {
	return &Scheduler{
		expr:   expr,
		job:    job,
		logger: logger.NewLogger("scheduler"),
	}
}

// Start parses the schedule and begins running the job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("Scheduler is already running")
		return nil
	}

	schedule, err := cron.ParseStandard(s.expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.expr, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx

	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl))
	s.wrapped = cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		defer helper.RecoverPanic(s.logger, "update-cycle")
		if ctx.Err() != nil {
			return
		}
		s.job(ctx)
	}))
	s.cron.Schedule(schedule, s.wrapped)
	s.cron.Start()
	s.running = true

	s.logger.WithFields(logger.Fields{"schedule": s.expr}).Info("Scheduler started")
	return nil
}

// Trigger runs the job now unless a run is already in progress.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	job := s.wrapped
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		job.Run()
	}()
}

// Stop cancels a running job and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	stopped := s.cron.Stop()
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped gracefully")
	case <-time.After(stopTimeout):
		s.logger.Warn("Scheduler stop timed out")
	}
}

// cronLogger routes cron's own messages to the module logger.
type cronLogger struct {
	logger *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logger.Fields {
	fields := logger.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
