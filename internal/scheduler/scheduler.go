// Package scheduler runs the pipeline on a recurring cron or interval
// schedule for long-lived deployments.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emeraldleaf/riparian-poc/internal/config"
	"github.com/emeraldleaf/riparian-poc/internal/logging"
)

// RunFunc executes one pipeline invocation of the given mode.
type RunFunc func(ctx context.Context, mode string) error

// Scheduler triggers recurring pipeline runs. Overlapping triggers are
// dropped: at most one run executes at a time.
type Scheduler struct {
	cron    *cron.Cron
	run     RunFunc
	mode    string
	log     *logging.Logger
	running atomic.Bool
}

// New builds a scheduler from the environment schedule settings. Exactly one
// of ETL_SCHEDULE_CRON or ETL_SCHEDULE_INTERVAL_HOURS must be set.
func New(cfg config.Config, run RunFunc, log *logging.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(),
		run:  run,
		mode: cfg.UpdateType,
		log:  log,
	}

	switch {
	case cfg.ScheduleCron != "":
		if _, err := s.cron.AddFunc(cfg.ScheduleCron, s.trigger); err != nil {
			return nil, fmt.Errorf("invalid ETL_SCHEDULE_CRON %q: %w", cfg.ScheduleCron, err)
		}
		log.Info("scheduled pipeline", "mode", s.mode, "cron", cfg.ScheduleCron)
	case cfg.ScheduleIntervalHours > 0:
		s.cron.Schedule(
			cron.Every(time.Duration(cfg.ScheduleIntervalHours)*time.Hour),
			cron.FuncJob(s.trigger),
		)
		log.Info("scheduled pipeline", "mode", s.mode,
			"interval_hours", cfg.ScheduleIntervalHours)
	default:
		return nil, errors.New("scheduled mode needs ETL_SCHEDULE_CRON or ETL_SCHEDULE_INTERVAL_HOURS")
	}
	return s, nil
}

func (s *Scheduler) trigger() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("previous run still in progress, skipping trigger")
		return
	}
	defer s.running.Store(false)

	if err := s.run(context.Background(), s.mode); err != nil {
		s.log.Error("scheduled run failed", "mode", s.mode, "error", err)
	}
}

// Run starts the schedule and blocks until the context is cancelled. An
// in-flight run is given until it finishes before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("scheduler started")

	<-ctx.Done()
	s.log.Info("scheduler stopping")

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
