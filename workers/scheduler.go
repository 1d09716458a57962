// Package workers runs the periodic lifecycle maintenance jobs.
package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"sign-bounty-system/services"

	"github.com/go-co-op/gocron/v2"
)

// Intervals between runs of each job. A zero interval disables the job.
type Intervals struct {
	ClaimSweep     time.Duration
	RetentionSweep time.Duration
	PayoutRetry    time.Duration
	Repair         time.Duration
	LimiterCleanup time.Duration
}

// Scheduler owns the gocron scheduler that drives the lifecycle jobs.
type Scheduler struct {
	sched gocron.Scheduler
	life  *services.Lifecycle
}

// NewScheduler registers every enabled job. Jobs receive ctx and stop doing
// work once it is cancelled. cleanup may be nil.
func NewScheduler(ctx context.Context, life *services.Lifecycle, every Intervals, cleanup func()) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{sched: sched, life: life}

	jobs := []struct {
		name  string
		every time.Duration
		run   func()
	}{
		{"claim-sweep", every.ClaimSweep, func() { s.sweepClaims(ctx) }},
		{"report-retention", every.RetentionSweep, func() { s.expireReports(ctx) }},
		{"payout-retry", every.PayoutRetry, func() { s.retryPayouts(ctx) }},
		{"counter-repair", every.Repair, func() { s.repairCounters(ctx) }},
	}
	if cleanup != nil {
		jobs = append(jobs, struct {
			name  string
			every time.Duration
			run   func()
		}{"limiter-cleanup", every.LimiterCleanup, cleanup})
	}

	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		_, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.run),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("register %s job: %w", j.name, err)
		}
		log.Printf("[Scheduler] %s every %s", j.name, j.every)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown waits for running jobs to finish.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

func (s *Scheduler) sweepClaims(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.life.Claims.SweepExpired(ctx, s.life.Settings.Now())
	if err != nil {
		log.Printf("[Scheduler] claim sweep error: %v", err)
	}
	if n > 0 {
		log.Printf("⌛ [Scheduler] expired %d overdue claims", n)
	}
}

func (s *Scheduler) expireReports(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.life.Reports.ExpireStaleReports(ctx, s.life.Settings.Now())
	if err != nil {
		log.Printf("[Scheduler] report retention error: %v", err)
	}
	if n > 0 {
		log.Printf("🗑️ [Scheduler] expired %d stale reports", n)
	}
}

func (s *Scheduler) retryPayouts(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.life.Payouts.RetryFailedPayouts(ctx, s.life.Settings.Now())
	if err != nil {
		log.Printf("[Scheduler] payout retry error: %v", err)
	}
	if n > 0 {
		log.Printf("💸 [Scheduler] retried %d payouts", n)
	}
}

func (s *Scheduler) repairCounters(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.life.Reconcile(ctx); err != nil {
		log.Printf("[Scheduler] counter repair error: %v", err)
	}
}
