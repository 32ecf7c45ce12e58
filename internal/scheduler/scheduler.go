// Package scheduler drives the daily payout sweep. Invocation is
// at-least-once (cron tick, boot-time catch-up run, operator trigger);
// exactly-once payout application is the lifecycle manager's job via its
// per-due-date idempotency record, so a crashed or repeated run never
// double-credits.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/mohib051/grow-stake-daily/internal/ledger"
	"github.com/mohib051/grow-stake-daily/internal/rules"
	"github.com/mohib051/grow-stake-daily/internal/stakes"
	"github.com/mohib051/grow-stake-daily/pkg/config"
	"github.com/mohib051/grow-stake-daily/pkg/logging"
)

const busyRetries = 3

// Metrics holds the scheduler's Prometheus metrics
type Metrics struct {
	SchedulerRuns  *prometheus.CounterVec // labels: status
	PayoutsApplied *prometheus.CounterVec // labels: status
}

// Summary is the per-run result reported for observability
type Summary struct {
	StakesProcessed int `json:"stakes_processed"`
	PayoutsApplied  int `json:"payouts_applied"`
	Failures        int `json:"failures"`
}

// JobManager handles background payout and expiry jobs
type JobManager struct {
	db       *sql.DB
	logger   logging.Logger
	manager  *stakes.Manager
	resolver *rules.Resolver
	metrics  *Metrics

	cron       *cron.Cron
	payoutSpec string
	expirySpec string
	workers    int
	now        func() time.Time
}

// NewJobManager creates a job manager for payout scheduling
func NewJobManager(db *sql.DB, logger logging.Logger, manager *stakes.Manager, resolver *rules.Resolver, metrics *Metrics) *JobManager {
	tzName := config.GetEnv("SCHEDULER_TZ", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		logger.WithError(err).WithField("tz", tzName).Warn("Unknown scheduler timezone, using UTC")
		loc = time.UTC
	}

	return &JobManager{
		db:         db,
		logger:     logger,
		manager:    manager,
		resolver:   resolver,
		metrics:    metrics,
		cron:       cron.New(cron.WithLocation(loc)),
		payoutSpec: config.GetEnv("PAYOUT_CUTOFF_CRON", "0 0 * * *"),
		expirySpec: config.GetEnv("PENDING_EXPIRY_CRON", "*/5 * * * *"),
		workers:    config.GetEnvInt("SCHEDULER_WORKERS", 4),
		now:        time.Now,
	}
}

// Start begins all background jobs. A catch-up sweep runs immediately so
// payouts missed during downtime are applied without waiting for the next
// cutoff. A malformed cron spec fails Start.
func (jm *JobManager) Start(ctx context.Context) error {
	jm.logger.WithFields(logging.Fields{
		"payout_cron": jm.payoutSpec,
		"expiry_cron": jm.expirySpec,
		"workers":     jm.workers,
	}).Info("Starting payout job manager")

	if _, err := jm.cron.AddFunc(jm.payoutSpec, func() { jm.runPayoutSweep(ctx) }); err != nil {
		return fmt.Errorf("register payout cron %q: %w", jm.payoutSpec, err)
	}
	if _, err := jm.cron.AddFunc(jm.expirySpec, func() { jm.runPendingExpiry(ctx) }); err != nil {
		return fmt.Errorf("register expiry cron %q: %w", jm.expirySpec, err)
	}
	jm.cron.Start()

	go jm.runPayoutSweep(ctx)
	return nil
}

// Stop stops all background jobs and waits for running ones to finish
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping payout job manager")
	stopCtx := jm.cron.Stop()
	<-stopCtx.Done()
}

func (jm *JobManager) runPayoutSweep(ctx context.Context) {
	if err := jm.resolver.Reload(ctx); err != nil {
		jm.logger.WithError(err).Warn("Payout rule reload failed, keeping previous snapshot")
	}

	summary, err := jm.RunDailyPayouts(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		jm.logger.WithError(err).Error("Payout sweep failed")
	}
	if jm.metrics != nil {
		jm.metrics.SchedulerRuns.WithLabelValues(status).Inc()
	}

	jm.logger.WithFields(logging.Fields{
		"stakes_processed": summary.StakesProcessed,
		"payouts_applied":  summary.PayoutsApplied,
		"failures":         summary.Failures,
	}).Info("Payout sweep finished")
}

func (jm *JobManager) runPendingExpiry(ctx context.Context) {
	if _, err := jm.manager.ExpirePendingPayments(ctx); err != nil {
		jm.logger.WithError(err).Error("Pending payment expiry failed")
	}
}

// RunDailyPayouts finds all ACTIVE stakes due on or before today and
// applies every missed payout in chronological order, one per due date.
// Users are partitioned across a bounded worker pool; stakes of one user
// are always processed by a single worker.
func (jm *JobManager) RunDailyPayouts(ctx context.Context) (Summary, error) {
	today := jm.now().UTC()

	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, user_id FROM stakes
		WHERE state = 'ACTIVE' AND next_payout_date <= $1
		ORDER BY user_id, created_at
	`, time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC))
	if err != nil {
		return Summary{}, fmt.Errorf("scan due stakes: %w", err)
	}
	defer rows.Close()

	// Partition due stakes by owner so per-user work stays on one worker.
	userOrder := make([]string, 0)
	byUser := make(map[string][]string)
	for rows.Next() {
		var stakeID, userID string
		if err := rows.Scan(&stakeID, &userID); err != nil {
			return Summary{}, fmt.Errorf("scan due stake: %w", err)
		}
		if _, seen := byUser[userID]; !seen {
			userOrder = append(userOrder, userID)
		}
		byUser[userID] = append(byUser[userID], stakeID)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	var processed, applied, failures atomic.Int64

	batches := make(chan []string)
	var wg sync.WaitGroup
	for i := 0; i < jm.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stakeIDs := range batches {
				for _, stakeID := range stakeIDs {
					processed.Add(1)
					n, err := jm.drainStake(ctx, stakeID, today)
					applied.Add(int64(n))
					if err != nil {
						failures.Add(1)
						jm.logger.WithError(err).WithField("stake_id", stakeID).Error("Payout application failed")
					}
				}
			}
		}()
	}

	for _, userID := range userOrder {
		batches <- byUser[userID]
	}
	close(batches)
	wg.Wait()

	return Summary{
		StakesProcessed: int(processed.Load()),
		PayoutsApplied:  int(applied.Load()),
		Failures:        int(failures.Load()),
	}, nil
}

// drainStake applies payouts to one stake until it is caught up to today.
// Each iteration settles exactly one due date; a stake three days behind
// gets three separate payouts. ErrBusy is retried with backoff.
func (jm *JobManager) drainStake(ctx context.Context, stakeID string, today time.Time) (int, error) {
	applied := 0
	for {
		ok, err := jm.applyWithRetry(ctx, stakeID, today)
		if err != nil {
			if jm.metrics != nil {
				jm.metrics.PayoutsApplied.WithLabelValues("error").Inc()
			}
			return applied, err
		}
		if !ok {
			return applied, nil
		}
		applied++
		if jm.metrics != nil {
			jm.metrics.PayoutsApplied.WithLabelValues("ok").Inc()
		}
	}
}

func (jm *JobManager) applyWithRetry(ctx context.Context, stakeID string, today time.Time) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		ok, err := jm.manager.ApplyPayout(ctx, stakeID, today)
		if err == nil {
			return ok, nil
		}
		if !errors.Is(err, ledger.ErrBusy) {
			return false, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return false, lastErr
}
