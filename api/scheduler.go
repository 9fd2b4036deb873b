/*
scheduler.go - Background jobs for the points engine

PURPOSE:
  Runs the periodic maintenance jobs on cron schedules:
  - reconcile: rebuild balances and store accounts that drifted from the log
  - expiry:    expire due points for every customer with available points

DESIGN:
  - robfig/cron drives the schedules (standard specs and "@every 1h")
  - SkipIfStillRunning: a slow run is never overlapped by the next tick
  - Recover: a panicking job is logged, the scheduler keeps going
  - each run gets its own timeout context

CONFIGURATION:
  An empty spec disables that job.

USAGE:
  s, err := NewScheduler(service, SchedulerConfig{Reconcile: "@every 1h", Expiry: "@daily"}, log)
  s.Start()
  // ... later
  <-s.Stop().Done()

SEE ALSO:
  - handlers.go: Reconcile and ExpireAll endpoints (manual runs)
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/points"
)

// Jobs is the part of points.Service the scheduler drives.
type Jobs interface {
	Reconcile(ctx context.Context) (points.ReconcileReport, error)
	ExpireAll(ctx context.Context) (points.ExpiryReport, error)
}

type SchedulerConfig struct {
	Reconcile string
	Expiry    string
	// Timeout bounds one run. Zero means 10 minutes.
	Timeout time.Duration
}

// Scheduler runs Jobs on cron schedules.
type Scheduler struct {
	jobs    Jobs
	log     logrus.FieldLogger
	cron    *cron.Cron
	timeout time.Duration
	entries map[string]cron.EntryID
}

// NewScheduler validates the specs and registers the jobs. It does not start.
func NewScheduler(jobs Jobs, cfg SchedulerConfig, log logrus.FieldLogger) (*Scheduler, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	clog := cron.PrintfLogger(log)
	s := &Scheduler{
		jobs:    jobs,
		log:     log,
		timeout: cfg.Timeout,
		entries: make(map[string]cron.EntryID),
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}

	for name, job := range map[string]struct {
		spec string
		run  func(context.Context) error
	}{
		"reconcile": {cfg.Reconcile, s.RunReconcile},
		"expiry":    {cfg.Expiry, s.RunExpiry},
	} {
		if job.spec == "" {
			log.WithField("job", name).Info("scheduled job disabled")
			continue
		}
		run := job.run
		id, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			_ = run(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, job.spec, err)
		}
		s.entries[name] = id
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.entries)).Info("scheduler started")
}

// Stop stops scheduling. The returned context is done when running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.log.Info("scheduler stopped")
	return ctx
}

// NextRun returns when the named job fires next, or the zero time when it
// is disabled or the scheduler is not running.
func (s *Scheduler) NextRun(job string) time.Time {
	id, ok := s.entries[job]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// RunReconcile runs one drift sweep and logs the outcome.
func (s *Scheduler) RunReconcile(ctx context.Context) error {
	start := time.Now()
	report, err := s.jobs.Reconcile(ctx)
	log := s.log.WithFields(logrus.Fields{
		"job":                "reconcile",
		"customers_checked":  report.CustomersChecked,
		"customers_repaired": report.CustomersRepaired,
		"stores_checked":     report.StoresChecked,
		"stores_repaired":    report.StoresRepaired,
		"duration":           time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Error("reconcile run failed")
		return err
	}
	if report.CustomersRepaired > 0 || report.StoresRepaired > 0 {
		log.Warn("reconcile repaired drift")
		return nil
	}
	log.Info("reconcile run completed")
	return nil
}

// RunExpiry runs one expiry sweep and logs the outcome.
func (s *Scheduler) RunExpiry(ctx context.Context) error {
	start := time.Now()
	report, err := s.jobs.ExpireAll(ctx)
	log := s.log.WithFields(logrus.Fields{
		"job":               "expiry",
		"customers_checked": report.CustomersChecked,
		"customers_expired": report.CustomersExpired,
		"points_expired":    report.PointsExpired,
		"duration":          time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Error("expiry run failed")
		return err
	}
	log.Info("expiry run completed")
	return nil
}
