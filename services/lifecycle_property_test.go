package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sign-bounty-system/models"
	"sign-bounty-system/store"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	opReport = iota
	opNearbyReport
	opClaim
	opRelease
	opVerify
	opSweep
	opDeploy
	opRetention
	opFlakyPayout
	opCount
)

// propertyWorld is a fixture without testing.T so it can live inside gopter runs.
type propertyWorld struct {
	ctx      context.Context
	clock    *testClock
	store    *store.MemoryStore
	payouts  *scriptedPayouts
	life     *Lifecycle
	campaign *models.Campaign
	lastLoc  *models.Location
}

func newPropertyWorld() (*propertyWorld, error) {
	w := &propertyWorld{
		ctx:     context.Background(),
		clock:   newTestClock(),
		store:   store.NewMemoryStore(),
		payouts: &scriptedPayouts{},
	}
	settings := DefaultSettings()
	settings.Now = w.clock.Now
	w.life = NewLifecycle(w.store, w.payouts, settings)
	c, err := w.life.Campaigns.CreateCampaign(w.ctx, owner, CreateCampaignRequest{Name: "Property", BountyAmount: 700})
	if err != nil {
		return nil, err
	}
	w.campaign = c
	return w, nil
}

func (w *propertyWorld) apply(step, op int) {
	ctx := w.ctx
	switch op {
	case opReport:
		var loc *models.Location
		if step%3 != 0 {
			loc = at(40+float64(step)*0.01, -75)
			w.lastLoc = loc
		}
		_, _ = w.life.Reports.SubmitReport(ctx, w.campaign.Code, SubmitReportRequest{Location: loc})
	case opNearbyReport:
		if w.lastLoc != nil {
			_, _ = w.life.Reports.SubmitReport(ctx, w.campaign.Code, SubmitReportRequest{
				Location: at(w.lastLoc.Latitude+0.00002, w.lastLoc.Longitude),
			})
		}
	case opClaim:
		open, _ := w.store.ListReports(ctx, store.ReportFilter{Statuses: []models.ReportStatus{models.ReportOpen}, Limit: 1})
		if len(open) > 0 {
			_, _ = w.life.Claims.Claim(ctx, open[0].ID, worker)
		}
	case opRelease, opVerify:
		active, _ := w.store.ListClaims(ctx, store.ClaimFilter{Statuses: []models.ClaimStatus{models.ClaimActive}})
		if len(active) == 0 {
			return
		}
		if op == opRelease {
			_, _ = w.life.Claims.Release(ctx, active[0].ID, worker)
		} else {
			_, _ = w.life.Payouts.Verify(ctx, active[0].ID, worker, "proof")
		}
	case opSweep:
		w.clock.Advance(3 * time.Hour)
		_, _ = w.life.Claims.SweepExpired(ctx, w.clock.Now())
	case opDeploy:
		_, _ = w.life.Campaigns.RecordDeployment(ctx, owner, w.campaign.ID, int64(step%4+1), "")
	case opRetention:
		w.clock.Advance(31 * 24 * time.Hour)
		_, _ = w.life.Reports.ExpireStaleReports(ctx, w.clock.Now())
	case opFlakyPayout:
		w.payouts.mu.Lock()
		w.payouts.failures = len(w.payouts.calls) + 1
		w.payouts.mu.Unlock()
		_, _ = w.life.Payouts.RetryFailedPayouts(ctx, w.clock.Now())
	}
}

// check verifies counter equivalence and the claim slot rules.
func (w *propertyWorld) check() error {
	cached, err := w.life.Campaigns.GetStats(w.ctx, w.campaign.ID)
	if err != nil {
		return err
	}
	folded, err := w.life.Reconciler.Recompute(w.ctx, w.campaign.ID)
	if err != nil {
		return err
	}
	if cached != folded {
		return fmt.Errorf("cached %+v != folded %+v", cached, folded)
	}

	reports, err := w.store.ListReports(w.ctx, store.ReportFilter{})
	if err != nil {
		return err
	}
	for _, r := range reports {
		active, err := w.store.ListClaims(w.ctx, store.ClaimFilter{
			SignReportID: r.ID,
			Statuses:     []models.ClaimStatus{models.ClaimActive},
		})
		if err != nil {
			return err
		}
		if len(active) > 1 {
			return fmt.Errorf("report %s has %d active claims", r.ID, len(active))
		}
		if (r.Status == models.ReportClaimed) != (len(active) == 1) {
			return fmt.Errorf("report %s is %s with %d active claims", r.ID, r.Status, len(active))
		}
	}

	payouts, err := w.store.ListPayouts(w.ctx, store.PayoutFilter{})
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, p := range payouts {
		if seen[p.ClaimID] {
			return fmt.Errorf("claim %s has two payouts", p.ClaimID)
		}
		seen[p.ClaimID] = true
	}
	return nil
}

func TestLifecycleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("cached counters always equal the fold", prop.ForAll(
		func(ops []int) bool {
			w, err := newPropertyWorld()
			if err != nil {
				return false
			}
			for step, op := range ops {
				w.apply(step, op)
				if err := w.check(); err != nil {
					t.Logf("after op %d at step %d: %v", op, step, err)
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.Property("repair is a no-op when nothing drifted", prop.ForAll(
		func(ops []int) bool {
			w, err := newPropertyWorld()
			if err != nil {
				return false
			}
			for step, op := range ops {
				w.apply(step, op)
			}
			res, err := w.life.Reconciler.Repair(w.ctx, w.campaign.ID)
			return err == nil && !res.Drifted
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.Property("exactly one of N concurrent claimants wins", prop.ForAll(
		func(n int) bool {
			w, err := newPropertyWorld()
			if err != nil {
				return false
			}
			r, err := w.life.Reports.SubmitReport(w.ctx, w.campaign.Code, SubmitReportRequest{})
			if err != nil {
				return false
			}
			var wins, losses int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					who := models.Actor{ID: fmt.Sprintf("w-%d", i), Roles: []models.Role{models.RoleWorker}}
					_, err := w.life.Claims.Claim(w.ctx, r.ID, who)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else if models.IsConflict(err) {
						losses++
					}
				}(i)
			}
			wg.Wait()
			return wins == 1 && losses == n-1 && w.check() == nil
		},
		gen.IntRange(2, 24),
	))

	properties.TestingRun(t)
}

func TestRepairHealsDrift(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(500)
	f.report(c, at(40, -75))

	// Simulate a lost incremental update.
	if err := f.store.AddCampaignCounters(f.ctx, c.ID, models.CampaignStats{SignsReported: 5, TotalBountyPaid: -10}); err != nil {
		t.Fatal(err)
	}

	results, err := f.life.Reconcile(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].Drifted {
		t.Fatalf("expected one drifted campaign, got %+v", results)
	}
	f.assertCountersMatchFold(c.ID)
}
