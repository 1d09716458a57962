package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"sign-bounty-system/models"
	"sign-bounty-system/store"

	"github.com/stretchr/testify/require"
)

var (
	owner  = models.Actor{ID: "owner-1", Roles: []models.Role{models.RoleOwner}}
	worker = models.Actor{ID: "worker-1", Roles: []models.Role{models.RoleWorker}}
	rival  = models.Actor{ID: "worker-2", Roles: []models.Role{models.RoleWorker}}
	admin  = models.Actor{ID: "ops-1", Roles: []models.Role{models.RoleAdmin}}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedPayouts fails the first failures calls and succeeds afterwards.
type scriptedPayouts struct {
	mu       sync.Mutex
	failures int
	calls    []models.PayoutRequest
}

func (p *scriptedPayouts) RequestPayout(_ context.Context, req models.PayoutRequest) (*models.PayoutReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.calls) <= p.failures {
		return nil, &PayoutFailure{Reason: "insufficient float"}
	}
	return &models.PayoutReceipt{ReceiptID: "rcpt-" + req.ClaimID}, nil
}

func (p *scriptedPayouts) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	clock   *testClock
	store   *store.MemoryStore
	payouts *scriptedPayouts
	life    *Lifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	st := store.NewMemoryStore()
	payouts := &scriptedPayouts{}
	settings := DefaultSettings()
	settings.Now = clock.Now
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   st,
		payouts: payouts,
		life:    NewLifecycle(st, payouts, settings),
	}
}

func (f *fixture) campaign(bounty int64) *models.Campaign {
	f.t.Helper()
	c, err := f.life.Campaigns.CreateCampaign(f.ctx, owner, CreateCampaignRequest{Name: "Spring Open House", BountyAmount: bounty})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) report(c *models.Campaign, loc *models.Location) *models.SignReport {
	f.t.Helper()
	r, err := f.life.Reports.SubmitReport(f.ctx, c.Code, SubmitReportRequest{Location: loc})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) claim(r *models.SignReport, who models.Actor) *models.Claim {
	f.t.Helper()
	c, err := f.life.Claims.Claim(f.ctx, r.ID, who)
	require.NoError(f.t, err)
	return c
}

// assertCountersMatchFold checks the cached counters against Recompute.
func (f *fixture) assertCountersMatchFold(campaignID string) models.CampaignStats {
	f.t.Helper()
	cached, err := f.life.Campaigns.GetStats(f.ctx, campaignID)
	require.NoError(f.t, err)
	folded, err := f.life.Reconciler.Recompute(f.ctx, campaignID)
	require.NoError(f.t, err)
	require.Equal(f.t, folded, cached)
	return cached
}

func at(lat, lng float64) *models.Location {
	return &models.Location{Latitude: lat, Longitude: lng, AccuracyM: 8}
}
