package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"sign-bounty-system/models"
	"sign-bounty-system/store"

	"github.com/google/uuid"
)

// ClaimService arbitrates exclusive, time-boxed claims on sign reports.
//
// Every slot transition (claim, release, expiry, verification) goes through
// one store call that holds the report's slot for the whole check-and-write,
// so two callers racing on one report always resolve to a single winner.
type ClaimService struct {
	store    store.Store
	settings Settings
}

func NewClaimService(st store.Store, settings Settings) *ClaimService {
	return &ClaimService{store: st, settings: settings.withDefaults()}
}

// Claim opens an active claim on the report for worker.
func (s *ClaimService) Claim(ctx context.Context, reportID string, worker models.Actor) (*models.Claim, error) {
	if worker.ID == "" || !worker.HasRole(models.RoleWorker) {
		return nil, fmt.Errorf("%w: only workers can claim bounties", models.ErrAuthorization)
	}

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if err := report.Claimable(); err != nil {
		return nil, err
	}

	now := s.settings.Now()
	c := &models.Claim{
		ID:           uuid.NewString(),
		SignReportID: reportID,
		WorkerID:     worker.ID,
		ClaimedAt:    now,
		ExpiresAt:    now.Add(s.settings.ClaimWindow),
		Timestamps:   models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	if err := s.store.CreateClaim(ctx, c); err != nil {
		if errors.Is(err, models.ErrAlreadyClaimed) {
			log.Printf("[CLAIM] worker %s lost report %s: %v", worker.ID, reportID, err)
		}
		return nil, err
	}

	log.Printf("🔒 [CLAIM] %s: worker %s holds report %s until %s", c.ID, worker.ID, reportID, c.ExpiresAt.Format(time.RFC3339))
	return c, nil
}

func (s *ClaimService) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	return s.store.GetClaim(ctx, id)
}

// Release gives the report back. Releasing a claim that is no longer active
// returns it unchanged.
func (s *ClaimService) Release(ctx context.Context, claimID string, worker models.Actor) (*models.Claim, error) {
	c, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if c.WorkerID != worker.ID && !worker.IsAdmin() {
		return nil, fmt.Errorf("%w: claim %s belongs to another worker", models.ErrAuthorization, claimID)
	}

	changed, err := s.store.EndClaim(ctx, claimID, models.ClaimReleased, s.settings.Now())
	if err != nil {
		return nil, err
	}
	if changed {
		log.Printf("🔓 [CLAIM] %s released by %s, report %s reopened", claimID, worker.ID, c.SignReportID)
	}
	return s.store.GetClaim(ctx, claimID)
}

// SweepExpired expires active claims whose deadline passed before now and
// reopens their reports. The deadline is re-checked under the slot, so a
// verification that commits first is never undone. Returns how many claims
// this pass expired.
func (s *ClaimService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.ListOverdueClaims(ctx, now, 0)
	if err != nil {
		return 0, err
	}
	expired := 0
	var errs []error
	for _, c := range overdue {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		changed, err := s.store.EndClaim(ctx, c.ID, models.ClaimExpired, now)
		if err != nil {
			log.Printf("❌ [SWEEP] failed to expire claim %s: %v", c.ID, err)
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
			log.Printf("[SWEEP] claim %s by %s expired, report %s reopened", c.ID, c.WorkerID, c.SignReportID)
		}
	}
	return expired, errors.Join(errs...)
}

// ListWorkerClaims lists a worker's claims, newest first.
func (s *ClaimService) ListWorkerClaims(ctx context.Context, workerID string, statuses ...models.ClaimStatus) ([]models.Claim, error) {
	return s.store.ListClaims(ctx, store.ClaimFilter{WorkerID: workerID, Statuses: statuses})
}
