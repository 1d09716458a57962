package services

import (
	"context"
	"fmt"
	"log"

	"sign-bounty-system/models"
	"sign-bounty-system/store"
)

// Reconciler owns the cached campaign counters. The store moves them inside
// each transition; Recompute is the source of truth and Repair overwrites
// the cache with it.
type Reconciler struct {
	store store.Store
}

func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Recompute folds a campaign's deployments, reports and payouts into stats.
func (r *Reconciler) Recompute(ctx context.Context, campaignID string) (models.CampaignStats, error) {
	if _, err := r.store.GetCampaign(ctx, campaignID); err != nil {
		return models.CampaignStats{}, err
	}
	deployments, err := r.store.ListDeployments(ctx, campaignID)
	if err != nil {
		return models.CampaignStats{}, fmt.Errorf("list deployments: %w", err)
	}
	reports, err := r.store.ListReports(ctx, store.ReportFilter{CampaignID: campaignID})
	if err != nil {
		return models.CampaignStats{}, fmt.Errorf("list reports: %w", err)
	}
	payouts, err := r.store.ListPayouts(ctx, store.PayoutFilter{
		CampaignID: campaignID,
		Statuses:   []models.PayoutStatus{models.PayoutSucceeded},
	})
	if err != nil {
		return models.CampaignStats{}, fmt.Errorf("list payouts: %w", err)
	}
	return models.FoldStats(deployments, reports, payouts), nil
}

// Apply shifts the cached counters by delta. Transitions never need it; it is
// the manual correction path.
func (r *Reconciler) Apply(ctx context.Context, campaignID string, delta models.CampaignStats) error {
	if delta.IsZero() {
		return nil
	}
	return r.store.AddCampaignCounters(ctx, campaignID, delta)
}

// RepairResult describes one campaign's repair.
type RepairResult struct {
	CampaignID string               `json:"campaign_id"`
	Drifted    bool                 `json:"drifted"`
	Before     models.CampaignStats `json:"before"`
	After      models.CampaignStats `json:"after"`
}

// Repair overwrites the cached counters with the fold. The store runs the
// fold and write as one step against concurrent transitions.
func (r *Reconciler) Repair(ctx context.Context, campaignID string) (*RepairResult, error) {
	before, after, err := r.store.RecountCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	res := &RepairResult{CampaignID: campaignID, Before: before, After: after, Drifted: before != after}
	if res.Drifted {
		log.Printf("🔧 [RECONCILE] campaign %s drifted: cached=%+v actual=%+v", campaignID, before, after)
	}
	return res, nil
}

// RepairAll repairs every campaign, continuing past individual failures.
func (r *Reconciler) RepairAll(ctx context.Context) ([]RepairResult, error) {
	campaigns, err := r.store.ListCampaigns(ctx, "")
	if err != nil {
		return nil, err
	}
	results := make([]RepairResult, 0, len(campaigns))
	var failed int
	for _, c := range campaigns {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.Repair(ctx, c.ID)
		if err != nil {
			failed++
			log.Printf("❌ [RECONCILE] repair of campaign %s failed: %v", c.ID, err)
			continue
		}
		results = append(results, *res)
	}
	if failed > 0 {
		return results, fmt.Errorf("repair failed for %d of %d campaigns", failed, len(campaigns))
	}
	return results, nil
}
