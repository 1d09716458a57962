package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"sign-bounty-system/models"
	"sign-bounty-system/store"
	"sign-bounty-system/utils"

	"github.com/google/uuid"
)

// PayoutService verifies completed removals and drives their single payout.
type PayoutService struct {
	store     store.Store
	client    PayoutClient
	campaigns *CampaignService
	settings  Settings
}

func NewPayoutService(st store.Store, client PayoutClient, campaigns *CampaignService, settings Settings) *PayoutService {
	return &PayoutService{
		store:     st,
		client:    client,
		campaigns: campaigns,
		settings:  settings.withDefaults(),
	}
}

// Verify completes worker's claim with proof and dispatches the payout. The
// returned record reflects the first attempt; a failed transfer is not an
// error here, the claim stays completed and the retry job takes over.
func (s *PayoutService) Verify(ctx context.Context, claimID string, worker models.Actor, proofRef string) (*models.PayoutRecord, error) {
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return nil, fmt.Errorf("%w: proof is required", models.ErrValidation)
	}
	c, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if c.WorkerID != worker.ID {
		return nil, fmt.Errorf("%w: claim %s belongs to another worker", models.ErrAuthorization, claimID)
	}
	campaign, err := s.store.GetCampaign(ctx, c.CampaignID)
	if err != nil {
		return nil, err
	}

	p := &models.PayoutRecord{
		ID:         uuid.NewString(),
		CampaignID: c.CampaignID,
		WorkerID:   c.WorkerID,
		Amount:     campaign.BountyAmount,
		Status:     models.PayoutPending,
	}
	if err := s.store.CompleteClaim(ctx, claimID, proofRef, s.settings.Now(), p); err != nil {
		if errors.Is(err, models.ErrClaimExpired) {
			log.Printf("⌛ [VERIFY] claim %s by %s arrived too late: %v", claimID, worker.ID, err)
		}
		return nil, err
	}

	log.Printf("✅ [VERIFY] claim %s completed, report %s verified, payout %s pending", claimID, c.SignReportID, p.ID)
	s.campaigns.CompleteIfAccounted(ctx, c.CampaignID)

	record, err := s.ProcessPayout(ctx, claimID)
	if err != nil {
		log.Printf("⚠️ [PAYOUT] dispatch for claim %s deferred to retry: %v", claimID, err)
		return s.store.GetPayoutByClaim(ctx, claimID)
	}
	return record, nil
}

// ProcessPayout makes one attempt on the claim's payout if it is still owed
// and under the attempt limit.
func (s *PayoutService) ProcessPayout(ctx context.Context, claimID string) (*models.PayoutRecord, error) {
	return s.attempt(ctx, claimID, false)
}

// RetryEscalated is the operator override: one more attempt regardless of
// the attempt limit.
func (s *PayoutService) RetryEscalated(ctx context.Context, claimID string, operator models.Actor) (*models.PayoutRecord, error) {
	if !operator.IsAdmin() {
		return nil, fmt.Errorf("%w: payout retries are operator only", models.ErrAuthorization)
	}
	p, err := s.store.GetPayoutByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PayoutSucceeded {
		return nil, fmt.Errorf("%w: payout for claim %s already succeeded", models.ErrInvalidState, claimID)
	}
	log.Printf("[PAYOUT] operator %s retrying claim %s after %d attempts", operator.ID, claimID, p.Attempts)
	return s.attempt(ctx, claimID, true)
}

func (s *PayoutService) attempt(ctx context.Context, claimID string, force bool) (*models.PayoutRecord, error) {
	p, err := s.store.GetPayoutByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PayoutSucceeded {
		return p, nil
	}
	if !force && p.Attempts >= s.settings.MaxPayoutAttempts {
		return p, nil
	}

	started, err := s.store.StartPayoutAttempt(ctx, p.ID, p.Attempts, s.settings.Now())
	if err != nil {
		return nil, err
	}
	if !started {
		// Another dispatcher owns this attempt.
		return s.store.GetPayoutByClaim(ctx, claimID)
	}
	attempt := p.Attempts + 1

	receipt, payErr := s.client.RequestPayout(ctx, models.PayoutRequest{
		WorkerID: p.WorkerID,
		Amount:   p.Amount,
		ClaimID:  claimID,
	})
	res := store.PayoutResult{Attempt: attempt, At: s.settings.Now()}
	if payErr == nil {
		res.Succeeded = true
		res.ReceiptID = receipt.ReceiptID
	} else {
		res.FailureReason = failureReason(payErr)
		res.NeedsAttention = attempt >= s.settings.MaxPayoutAttempts
	}

	finished, err := s.store.FinishPayoutAttempt(ctx, p.ID, res)
	if err != nil {
		return nil, err
	}
	switch {
	case !finished:
		log.Printf("[PAYOUT] attempt %d for claim %s was superseded", attempt, claimID)
	case res.Succeeded:
		log.Printf("💸 [PAYOUT] claim %s paid %s to %s (receipt %s)", claimID, utils.FormatAmount(p.Amount), p.WorkerID, res.ReceiptID)
	case res.NeedsAttention:
		log.Printf("🚨 [PAYOUT] claim %s failed %d times, needs manual attention: %s", claimID, attempt, res.FailureReason)
	default:
		log.Printf("❌ [PAYOUT] attempt %d/%d for claim %s failed: %s", attempt, s.settings.MaxPayoutAttempts, claimID, res.FailureReason)
	}
	return s.store.GetPayoutByClaim(ctx, claimID)
}

// RetryFailedPayouts retries failed payouts under the attempt limit and
// pending payouts whose dispatch went quiet. Returns how many were attempted.
func (s *PayoutService) RetryFailedPayouts(ctx context.Context, now time.Time) (int, error) {
	notEscalated := false
	failed, err := s.store.ListPayouts(ctx, store.PayoutFilter{
		Statuses:       []models.PayoutStatus{models.PayoutFailed},
		NeedsAttention: &notEscalated,
		MaxAttempts:    s.settings.MaxPayoutAttempts,
	})
	if err != nil {
		return 0, err
	}
	stale, err := s.store.ListPayouts(ctx, store.PayoutFilter{
		Statuses:      []models.PayoutStatus{models.PayoutPending},
		UpdatedBefore: now.Add(-s.settings.PendingPayoutGrace),
	})
	if err != nil {
		return 0, err
	}

	attempted := 0
	var errs []error
	for _, p := range stale {
		if p.Attempts < s.settings.MaxPayoutAttempts {
			failed = append(failed, p)
			continue
		}
		// The last allowed attempt never reported back.
		if _, err := s.store.FinishPayoutAttempt(ctx, p.ID, store.PayoutResult{
			Attempt:        p.Attempts,
			FailureReason:  "attempt interrupted",
			NeedsAttention: true,
			At:             now,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Printf("🚨 [PAYOUT] claim %s stuck after %d attempts, escalated", p.ClaimID, p.Attempts)
	}

	for _, p := range failed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.attempt(ctx, p.ClaimID, false); err != nil {
			log.Printf("❌ [PAYOUT] retry for claim %s errored: %v", p.ClaimID, err)
			errs = append(errs, err)
			continue
		}
		attempted++
	}
	return attempted, errors.Join(errs...)
}

// ListEscalations lists payouts that exhausted their retries.
func (s *PayoutService) ListEscalations(ctx context.Context) ([]models.PayoutRecord, error) {
	flagged := true
	return s.store.ListPayouts(ctx, store.PayoutFilter{NeedsAttention: &flagged})
}

func (s *PayoutService) GetPayout(ctx context.Context, claimID string) (*models.PayoutRecord, error) {
	return s.store.GetPayoutByClaim(ctx, claimID)
}

func (s *PayoutService) WorkerEarnings(ctx context.Context, workerID string) (*models.WorkerEarnings, error) {
	return s.store.GetWorkerEarnings(ctx, workerID)
}
