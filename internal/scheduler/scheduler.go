package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"fleetpricing/internal/config"
	"fleetpricing/internal/logger"
	"fleetpricing/internal/market"
	"fleetpricing/internal/metrics"
	"fleetpricing/internal/signals"
	"fleetpricing/internal/store"
)

// Job names.
const (
	JobFullGridScrape  = "full_grid_scrape"
	JobLiteRefresh     = "lite_refresh"
	JobCleanup         = "cleanup"
	JobUtilization     = "utilization_snapshot"
	liteRefreshLockTTL = 15 * time.Minute
)

// Scheduler states for Status().
const (
	StateRunning        = "running"
	StateStopped        = "stopped"
	StateNotInitialized = "not_initialized"
)

// JobStatus reports one registered job.
type JobStatus struct {
	Name       string `json:"name"`
	NextRunUTC string `json:"next_run_utc"`
}

// Status is the scheduler's operational view.
type Status struct {
	State string      `json:"state"`
	Jobs  []JobStatus `json:"jobs"`
}

// Scheduler owns the cron runtime and the three periodic jobs: the daily
// full-grid scrape, the lite refresh, and cleanup. All jobs run under a
// distributed lock so multiple replicas never double-run.
type Scheduler struct {
	cfg          *config.Config
	store        store.Store
	locks        *LockManager
	orchestrator *market.Orchestrator
	aggregator   *market.Aggregator
	signals      *signals.Service

	cron    *cron.Cron
	entries map[string]cron.EntryID
	running bool
}

// New builds the scheduler. Jobs are registered but not started.
func New(cfg *config.Config, s store.Store, orch *market.Orchestrator, agg *market.Aggregator, sig *signals.Service) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
	}

	sched := &Scheduler{
		cfg:          cfg,
		store:        s,
		locks:        NewLockManager(s),
		orchestrator: orch,
		aggregator:   agg,
		signals:      sig,
		cron:         cron.New(cron.WithLocation(loc)),
		entries:      map[string]cron.EntryID{},
	}
	if err := sched.register(); err != nil {
		return nil, err
	}
	return sched, nil
}

func (s *Scheduler) register() error {
	fullGridSpec := fmt.Sprintf("%d %d * * *", s.cfg.ScrapeMinute, s.cfg.ScrapeHour)
	id, err := s.cron.AddFunc(fullGridSpec, func() { s.runFullGrid(context.Background()) })
	if err != nil {
		return fmt.Errorf("register full-grid job: %w", err)
	}
	s.entries[JobFullGridScrape] = id

	if s.cfg.LiteRefreshOn {
		spec := fmt.Sprintf("@every %dh", s.cfg.LiteRefreshHours)
		id, err = s.cron.AddFunc(spec, func() { s.runLiteRefresh(context.Background()) })
		if err != nil {
			return fmt.Errorf("register lite-refresh job: %w", err)
		}
		s.entries[JobLiteRefresh] = id
	}

	id, err = s.cron.AddFunc("30 4 * * *", func() { s.runCleanup(context.Background()) })
	if err != nil {
		return fmt.Errorf("register cleanup job: %w", err)
	}
	s.entries[JobCleanup] = id

	id, err = s.cron.AddFunc("0 1 * * *", func() { s.runUtilizationSnapshot(context.Background()) })
	if err != nil {
		return fmt.Errorf("register utilization job: %w", err)
	}
	s.entries[JobUtilization] = id
	return nil
}

// Start begins cron dispatch.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.running = true
	logger.Success("SCHEDULER", fmt.Sprintf("started with %d jobs (%s)", len(s.entries), s.cfg.Timezone))
}

// Stop halts dispatch and waits for running jobs.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	logger.Info("SCHEDULER", "stopped")
}

// Status reports scheduler state and each job's next run in UTC.
func (s *Scheduler) Status() Status {
	if len(s.entries) == 0 {
		return Status{State: StateNotInitialized}
	}
	state := StateStopped
	if s.running {
		state = StateRunning
	}
	st := Status{State: state}
	for name, id := range s.entries {
		entry := s.cron.Entry(id)
		next := ""
		if !entry.Next.IsZero() {
			next = entry.Next.UTC().Format(time.RFC3339)
		}
		st.Jobs = append(st.Jobs, JobStatus{Name: name, NextRunUTC: next})
	}
	return st
}

// TriggerScrape runs a scrape in the given mode immediately, under the same
// lock as the scheduled jobs.
func (s *Scheduler) TriggerScrape(ctx context.Context, mode string) {
	s.runLocked(ctx, "manual_scrape_"+mode, DefaultLockTTL, func(ctx context.Context) (interface{}, error) {
		summary, err := s.orchestrator.Run(ctx, mode)
		if err != nil {
			return nil, err
		}
		if _, err := s.aggregator.Refresh(ctx); err != nil {
			logger.Warn("SCHEDULER", fmt.Sprintf("aggregate refresh after manual scrape: %v", err))
		}
		return summary, nil
	})
}

func (s *Scheduler) runFullGrid(ctx context.Context) {
	s.runLocked(ctx, JobFullGridScrape, DefaultLockTTL, func(ctx context.Context) (interface{}, error) {
		summary, err := s.orchestrator.Run(ctx, market.ModeFullGrid)
		if err != nil {
			return nil, err
		}
		if _, err := s.aggregator.Refresh(ctx); err != nil {
			return summary, fmt.Errorf("aggregate refresh: %w", err)
		}
		s.validateAnomalies(ctx)
		return summary, nil
	})
}

func (s *Scheduler) runLiteRefresh(ctx context.Context) {
	s.runLocked(ctx, JobLiteRefresh, liteRefreshLockTTL, func(ctx context.Context) (interface{}, error) {
		summary, err := s.orchestrator.Run(ctx, market.ModeAirportQuote)
		if err != nil {
			return nil, err
		}
		if _, err := s.aggregator.Refresh(ctx); err != nil {
			return summary, fmt.Errorf("aggregate refresh: %w", err)
		}
		return summary, nil
	})
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	s.runLocked(ctx, JobCleanup, DefaultLockTTL, func(ctx context.Context) (interface{}, error) {
		return s.Cleanup(ctx)
	})
}

func (s *Scheduler) runUtilizationSnapshot(ctx context.Context) {
	s.runLocked(ctx, JobUtilization, liteRefreshLockTTL, func(ctx context.Context) (interface{}, error) {
		written, err := s.signals.SnapshotUtilization(ctx, time.Now())
		return map[string]interface{}{"snapshots": written}, err
	})
}

// runLocked wraps a job body with lock acquisition and run logging. A lock
// held elsewhere records a skipped run; a lock *error* fails open so a
// broken lock collection cannot silence the fleet's jobs.
func (s *Scheduler) runLocked(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) (interface{}, error)) {
	acquired, err := s.locks.Acquire(ctx, name, ttl)
	if err != nil {
		logger.Warn("SCHEDULER", fmt.Sprintf("lock %s errored, proceeding unlocked: %v", name, err))
		acquired = true
	} else if !acquired {
		logger.Info("SCHEDULER", fmt.Sprintf("job %s skipped, lock held elsewhere", name))
		s.logRun(ctx, name, "skipped", 0, nil, nil)
		metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
		return
	} else {
		defer func() {
			if err := s.locks.Release(ctx, name); err != nil {
				logger.Warn("SCHEDULER", fmt.Sprintf("release lock %s: %v", name, err))
			}
		}()
	}

	started := time.Now()
	details, runErr := fn(ctx)
	elapsed := time.Since(started)

	if runErr != nil {
		logger.Error("SCHEDULER", fmt.Sprintf("job %s failed after %s: %v", name, elapsed.Round(time.Millisecond), runErr))
		s.logRun(ctx, name, "fail", elapsed, details, runErr)
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		return
	}
	logger.Success("SCHEDULER", fmt.Sprintf("job %s done in %s", name, elapsed.Round(time.Millisecond)))
	s.logRun(ctx, name, "success", elapsed, details, nil)
	metrics.JobRuns.WithLabelValues(name, "success").Inc()
}

func (s *Scheduler) logRun(ctx context.Context, job, status string, elapsed time.Duration, details interface{}, runErr error) {
	doc := store.Doc{
		"job":         job,
		"status":      status,
		"worker_id":   s.locks.WorkerID(),
		"duration_ms": elapsed.Milliseconds(),
		"ran_at":      time.Now().UTC(),
	}
	if details != nil {
		doc["details"] = details
	}
	if runErr != nil {
		doc["error"] = runErr.Error()
	}
	if err := s.store.Put(ctx, store.ColJobLogs, uuid.NewString(), doc); err != nil {
		logger.Warn("SCHEDULER", fmt.Sprintf("job log write: %v", err))
	}
}

// validateAnomalies compares every vehicle's base rate against the fresh
// market median and logs outliers. Observation only; rates never move here.
func (s *Scheduler) validateAnomalies(ctx context.Context) {
	vehicles, err := s.store.Query(ctx, store.ColVehicles, store.Query{})
	if err != nil {
		logger.Warn("SCHEDULER", fmt.Sprintf("anomaly validation: %v", err))
		return
	}
	reader := market.NewReader(s.store)
	flagged := 0
	for _, v := range vehicles {
		base := v.Float("base_daily_rate")
		if base <= 0 {
			continue
		}
		ms, err := reader.Read(ctx, v.Str("branch_id"), v.Str("vehicle_class"))
		if err != nil || !ms.HasData() {
			continue
		}
		ratio := base / ms.Stats.Median
		switch {
		case ratio < 0.50:
			flagged++
			logger.Warn("SCHEDULER", fmt.Sprintf("vehicle %s underpriced: %.2f vs market median %.2f", v.ID(), base, ms.Stats.Median))
		case ratio > 2.00:
			flagged++
			logger.Warn("SCHEDULER", fmt.Sprintf("vehicle %s overpriced: %.2f vs market median %.2f", v.ID(), base, ms.Stats.Median))
		}
	}
	if flagged > 0 {
		logger.Stats("anomalous_vehicles", flagged)
	}
}
