package services

import (
	"context"
	"errors"
	"log"

	"sign-bounty-system/store"
)

// Lifecycle wires the bounty services over one store.
type Lifecycle struct {
	Store      store.Store
	Settings   Settings
	Campaigns  *CampaignService
	Reports    *ReportService
	Claims     *ClaimService
	Payouts    *PayoutService
	Reconciler *Reconciler
}

func NewLifecycle(st store.Store, client PayoutClient, settings Settings) *Lifecycle {
	settings = settings.withDefaults()
	if client == nil {
		client = SandboxPayoutClient{}
	}
	reconciler := NewReconciler(st)
	campaigns := NewCampaignService(st, reconciler, settings)
	return &Lifecycle{
		Store:      st,
		Settings:   settings,
		Campaigns:  campaigns,
		Reports:    NewReportService(st, settings),
		Claims:     NewClaimService(st, settings),
		Payouts:    NewPayoutService(st, client, campaigns, settings),
		Reconciler: reconciler,
	}
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	ClaimsExpired  int `json:"claims_expired"`
	ReportsExpired int `json:"reports_expired"`
	PayoutsRetried int `json:"payouts_retried"`
}

// Sweep runs the claim expiry sweep, report retention and payout retries
// once. A failing step does not stop the ones after it.
func (l *Lifecycle) Sweep(ctx context.Context) (*SweepReport, error) {
	now := l.Settings.Now()
	out := &SweepReport{}
	var claimsErr, reportsErr, payoutsErr error
	out.ClaimsExpired, claimsErr = l.Claims.SweepExpired(ctx, now)
	out.ReportsExpired, reportsErr = l.Reports.ExpireStaleReports(ctx, now)
	out.PayoutsRetried, payoutsErr = l.Payouts.RetryFailedPayouts(ctx, now)
	return out, errors.Join(claimsErr, reportsErr, payoutsErr)
}

// Reconcile repairs every campaign's counters and re-evaluates auto-completion
// for the ones that drifted.
func (l *Lifecycle) Reconcile(ctx context.Context) ([]RepairResult, error) {
	results, err := l.Reconciler.RepairAll(ctx)
	drifted := 0
	for _, r := range results {
		if r.Drifted {
			drifted++
			l.Campaigns.CompleteIfAccounted(ctx, r.CampaignID)
		}
	}
	log.Printf("[RECONCILE] checked %d campaigns, %d drifted", len(results), drifted)
	return results, err
}
