// Package store persists campaigns, sign reports, claims and payouts.
//
// Every method that changes a report's claim slot (status plus active claim id)
// is atomic with respect to every other such method on the same report. Methods
// on unrelated reports never contend.
package store

import (
	"context"
	"slices"
	"time"

	"sign-bounty-system/models"
)

// DuplicateRule configures nearby-report suppression at intake.
type DuplicateRule struct {
	RadiusM float64
	Window  time.Duration
}

type ReportFilter struct {
	CampaignID string
	Statuses   []models.ReportStatus
	Limit      int
}

type ClaimFilter struct {
	CampaignID   string
	SignReportID string
	WorkerID     string
	Statuses     []models.ClaimStatus
}

type PayoutFilter struct {
	CampaignID     string
	WorkerID       string
	Statuses       []models.PayoutStatus
	NeedsAttention *bool
	// MaxAttempts keeps only records with attempts below the value when > 0.
	MaxAttempts int
	// UpdatedBefore keeps only records last touched before the instant when non-zero.
	UpdatedBefore time.Time
}

// PayoutResult is the outcome of one payout attempt.
type PayoutResult struct {
	Attempt        int
	Succeeded      bool
	ReceiptID      string
	FailureReason  string
	NeedsAttention bool
	At             time.Time
}

// Store is the persistence boundary used by the lifecycle services.
type Store interface {
	Migrate(ctx context.Context) error

	// CreateCampaign returns models.ErrCodeTaken when the code collides.
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error)
	// ListCampaigns lists an owner's campaigns, or all campaigns for an empty ownerID.
	ListCampaigns(ctx context.Context, ownerID string) ([]models.Campaign, error)
	// UpdateCampaignStatus moves from -> to, failing with ErrInvalidTransition
	// when the current status is no longer from.
	UpdateCampaignStatus(ctx context.Context, id string, from, to models.CampaignStatus) error
	// AddCampaignCounters shifts the cached counters by delta.
	AddCampaignCounters(ctx context.Context, id string, delta models.CampaignStats) error
	// RecountCampaign folds the campaign's history and overwrites the cached
	// counters with the result, atomically with respect to every transition
	// that moves a counter. Returns the counters before and after.
	RecountCampaign(ctx context.Context, id string) (before, after models.CampaignStats, err error)

	// CreateDeployment inserts d and adds its count to signs_deployed.
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	ListDeployments(ctx context.Context, campaignID string) ([]models.Deployment, error)

	// CreateReport inserts r unless an open or claimed report of the same
	// campaign lies within rule, in which case ErrDuplicateReport is returned.
	// The check, insert and signs_reported increment are atomic per campaign.
	CreateReport(ctx context.Context, r *models.SignReport, rule DuplicateRule) error
	GetReport(ctx context.Context, id string) (*models.SignReport, error)
	ListReports(ctx context.Context, f ReportFilter) ([]models.SignReport, error)
	// ExpireReports moves open reports created before cutoff to expired,
	// takes them off signs_reported and returns the reports it changed.
	ExpireReports(ctx context.Context, cutoff time.Time) ([]models.SignReport, error)

	// CreateClaim atomically inserts an active claim and moves its report to
	// claimed. Fails with ErrAlreadyClaimed, ErrGone or ErrNotFound.
	CreateClaim(ctx context.Context, c *models.Claim) error
	GetClaim(ctx context.Context, id string) (*models.Claim, error)
	ListClaims(ctx context.Context, f ClaimFilter) ([]models.Claim, error)
	// ListOverdueClaims lists active claims whose deadline passed before now.
	ListOverdueClaims(ctx context.Context, now time.Time, limit int) ([]models.Claim, error)
	// EndClaim moves an active claim to released or expired and reopens its
	// report. For expired the deadline is re-checked under the same lock.
	// Returns false without error when the claim is no longer active (or not
	// yet due for expiry).
	EndClaim(ctx context.Context, id string, to models.ClaimStatus, now time.Time) (bool, error)
	// CompleteClaim verifies an active claim: claim -> completed, report ->
	// verified, payout inserted and signs_removed bumped, all at once. A claim
	// past its deadline is expired instead and ErrClaimExpired returned.
	CompleteClaim(ctx context.Context, id, proofRef string, now time.Time, payout *models.PayoutRecord) error

	GetPayoutByClaim(ctx context.Context, claimID string) (*models.PayoutRecord, error)
	ListPayouts(ctx context.Context, f PayoutFilter) ([]models.PayoutRecord, error)
	// StartPayoutAttempt bumps attempts from expected to expected+1. It
	// returns false when another caller got there first or the payout already
	// succeeded.
	StartPayoutAttempt(ctx context.Context, id string, expected int, now time.Time) (bool, error)
	// FinishPayoutAttempt records the outcome of attempt res.Attempt. A success
	// also credits the worker's earnings and the campaign's total_bounty_paid.
	// Returns false when the attempt is stale.
	FinishPayoutAttempt(ctx context.Context, id string, res PayoutResult) (bool, error)
	GetWorkerEarnings(ctx context.Context, workerID string) (*models.WorkerEarnings, error)
}

// matches is true when list is empty (no filter) or contains v.
func matches[T comparable](list []T, v T) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

// isDuplicate reports whether candidate suppresses r under rule.
// A non-positive radius disables suppression.
func isDuplicate(r, candidate *models.SignReport, rule DuplicateRule) bool {
	if rule.RadiusM <= 0 {
		return false
	}
	if !candidate.CountsAsDuplicateTarget() || candidate.CampaignID != r.CampaignID {
		return false
	}
	if rule.Window > 0 && candidate.CreatedAt.Before(r.CreatedAt.Add(-rule.Window)) {
		return false
	}
	loc, ok := r.Location()
	if !ok {
		return false
	}
	other, ok := candidate.Location()
	if !ok {
		return false
	}
	return models.DistanceMeters(loc, other) <= rule.RadiusM
}
