package job

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/veilgate/veilgate/logger"
)

// Scheduler runs the lifecycle jobs on two independent cadences. Stop only
// halts future firings; an in-flight cycle runs to completion.
type Scheduler struct {
	cron *cron.Cron

	expirySpec  string
	trafficSpec string
	expiryJob   *CheckExpiryJob
	trafficJob  *TrafficCapJob
}

func NewScheduler(expirySpec, trafficSpec string, expiryJob *CheckExpiryJob, trafficJob *TrafficCapJob) *Scheduler {
	return &Scheduler{
		expirySpec:  expirySpec,
		trafficSpec: trafficSpec,
		expiryJob:   expiryJob,
		trafficJob:  trafficJob,
	}
}

func (s *Scheduler) Start() error {
	loc, err := time.LoadLocation("Local")
	if err != nil {
		return err
	}
	s.cron = cron.New(cron.WithLocation(loc), cron.WithSeconds())

	if _, err := s.cron.AddJob(s.expirySpec, s.expiryJob); err != nil {
		return err
	}
	if _, err := s.cron.AddJob(s.trafficSpec, s.trafficJob); err != nil {
		return err
	}

	s.cron.Start()
	logger.Infof("scheduler started (expiry %q, traffic %q)", s.expirySpec, s.trafficSpec)

	// First pass right away so a restart does not postpone overdue work.
	go s.expiryJob.Run()
	go s.trafficJob.Run()

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		logger.Info("scheduler stopped")
	}
}
