package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sign-bounty-system/models"
)

// keyedMutex hands out one mutex per key so unrelated keys never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// MemoryStore keeps everything in process. Claim slot transitions hold the
// report's slot lock for the whole read-check-write; intake holds the
// campaign's intake lock across the duplicate scan and insert. mu only guards
// map access and is never held while waiting on a slot.
type MemoryStore struct {
	mu sync.RWMutex

	campaigns     map[string]*models.Campaign
	campaignCodes map[string]string
	deployments   map[string][]models.Deployment
	reports       map[string]*models.SignReport
	reportOrder   map[string][]string // campaign id -> report ids in insert order
	claims        map[string]*models.Claim
	payouts       map[string]*models.PayoutRecord
	payoutByClaim map[string]string
	earnings      map[string]*models.WorkerEarnings

	slots  keyedMutex
	intake keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:     make(map[string]*models.Campaign),
		campaignCodes: make(map[string]string),
		deployments:   make(map[string][]models.Deployment),
		reports:       make(map[string]*models.SignReport),
		reportOrder:   make(map[string][]string),
		claims:        make(map[string]*models.Claim),
		payouts:       make(map[string]*models.PayoutRecord),
		payoutByClaim: make(map[string]string),
		earnings:      make(map[string]*models.WorkerEarnings),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

// --- campaigns ---

func (s *MemoryStore) CreateCampaign(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.campaignCodes[c.Code]; taken {
		return fmt.Errorf("%w: %s", models.ErrCodeTaken, c.Code)
	}
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("%w: campaign %s already exists", models.ErrValidation, c.ID)
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	s.campaignCodes[c.Code] = c.ID
	return nil
}

func (s *MemoryStore) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: campaign %s", models.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error) {
	s.mu.RLock()
	id, ok := s.campaignCodes[code]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: campaign code %q", models.ErrNotFound, code)
	}
	return s.GetCampaign(ctx, id)
}

func (s *MemoryStore) ListCampaigns(_ context.Context, ownerID string) ([]models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if ownerID == "" || c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateCampaignStatus(_ context.Context, id string, from, to models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: campaign %s", models.ErrNotFound, id)
	}
	if c.Status != from {
		return fmt.Errorf("%w: campaign %s is %s, not %s", models.ErrInvalidTransition, id, c.Status, from)
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddCampaignCounters(_ context.Context, id string, d models.CampaignStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: campaign %s", models.ErrNotFound, id)
	}
	setCounters(c, c.Stats().Add(d))
	return nil
}

// RecountCampaign holds mu for the whole fold and write. Every transition
// that moves a counter does so under the same write lock.
func (s *MemoryStore) RecountCampaign(_ context.Context, id string) (before, after models.CampaignStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return before, after, fmt.Errorf("%w: campaign %s", models.ErrNotFound, id)
	}
	reports := make([]models.SignReport, 0, len(s.reportOrder[id]))
	for _, rid := range s.reportOrder[id] {
		reports = append(reports, *s.reports[rid])
	}
	var payouts []models.PayoutRecord
	for _, p := range s.payouts {
		if p.CampaignID == id {
			payouts = append(payouts, *p)
		}
	}
	before = c.Stats()
	after = models.FoldStats(s.deployments[id], reports, payouts)
	setCounters(c, after)
	return before, after, nil
}

// bumpLocked shifts a campaign's counters. Requires mu held for writing.
func (s *MemoryStore) bumpLocked(campaignID string, d models.CampaignStats) {
	if c, ok := s.campaigns[campaignID]; ok {
		setCounters(c, c.Stats().Add(d))
	}
}

func setCounters(c *models.Campaign, st models.CampaignStats) {
	c.SignsDeployed = st.SignsDeployed
	c.SignsReported = st.SignsReported
	c.SignsRemoved = st.SignsRemoved
	c.TotalBountyPaid = st.TotalBountyPaid
}

func (s *MemoryStore) CreateDeployment(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[d.CampaignID]; !ok {
		return fmt.Errorf("%w: campaign %s", models.ErrNotFound, d.CampaignID)
	}
	s.deployments[d.CampaignID] = append(s.deployments[d.CampaignID], *d)
	s.bumpLocked(d.CampaignID, models.CampaignStats{SignsDeployed: d.Count})
	return nil
}

func (s *MemoryStore) ListDeployments(_ context.Context, campaignID string) ([]models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Deployment(nil), s.deployments[campaignID]...), nil
}

// --- reports ---

func (s *MemoryStore) CreateReport(_ context.Context, r *models.SignReport, rule DuplicateRule) error {
	unlock := s.intake.lock(r.CampaignID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[r.CampaignID]; !ok {
		return fmt.Errorf("%w: campaign %s", models.ErrNotFound, r.CampaignID)
	}
	for _, id := range s.reportOrder[r.CampaignID] {
		if existing := s.reports[id]; isDuplicate(r, existing, rule) {
			return fmt.Errorf("%w: report %s is within %.0fm", models.ErrDuplicateReport, existing.ID, rule.RadiusM)
		}
	}
	cp := *r
	s.reports[r.ID] = &cp
	s.reportOrder[r.CampaignID] = append(s.reportOrder[r.CampaignID], r.ID)
	s.bumpLocked(r.CampaignID, models.CampaignStats{SignsReported: 1})
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (*models.SignReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: sign report %s", models.ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListReports(_ context.Context, f ReportFilter) ([]models.SignReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SignReport
	for _, r := range s.reports {
		if f.CampaignID != "" && r.CampaignID != f.CampaignID {
			continue
		}
		if !matches(f.Statuses, r.Status) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ExpireReports(_ context.Context, cutoff time.Time) ([]models.SignReport, error) {
	s.mu.RLock()
	var candidates []string
	for id, r := range s.reports {
		if r.Status == models.ReportOpen && r.CreatedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(candidates)

	var expired []models.SignReport
	for _, id := range candidates {
		unlock := s.slots.lock(id)
		s.mu.Lock()
		r := s.reports[id]
		if r.Status == models.ReportOpen && r.CreatedAt.Before(cutoff) {
			r.Status = models.ReportExpired
			r.UpdatedAt = cutoff
			s.bumpLocked(r.CampaignID, models.CampaignStats{SignsReported: -1})
			expired = append(expired, *r)
		}
		s.mu.Unlock()
		unlock()
	}
	return expired, nil
}

// --- claims ---

func (s *MemoryStore) CreateClaim(_ context.Context, c *models.Claim) error {
	unlock := s.slots.lock(c.SignReportID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[c.SignReportID]
	if !ok {
		return fmt.Errorf("%w: sign report %s", models.ErrNotFound, c.SignReportID)
	}
	if err := r.Claimable(); err != nil {
		return err
	}
	if r.ActiveClaimID != nil {
		return fmt.Errorf("%w: report %s holds claim %s", models.ErrAlreadyClaimed, r.ID, *r.ActiveClaimID)
	}
	c.CampaignID = r.CampaignID
	c.Status = models.ClaimActive
	cp := *c
	s.claims[c.ID] = &cp

	claimID := c.ID
	r.Status = models.ReportClaimed
	r.ActiveClaimID = &claimID
	r.UpdatedAt = c.ClaimedAt
	return nil
}

func (s *MemoryStore) GetClaim(_ context.Context, id string) (*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[id]
	if !ok {
		return nil, fmt.Errorf("%w: claim %s", models.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListClaims(_ context.Context, f ClaimFilter) ([]models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Claim
	for _, c := range s.claims {
		if f.CampaignID != "" && c.CampaignID != f.CampaignID {
			continue
		}
		if f.SignReportID != "" && c.SignReportID != f.SignReportID {
			continue
		}
		if f.WorkerID != "" && c.WorkerID != f.WorkerID {
			continue
		}
		if !matches(f.Statuses, c.Status) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClaimedAt.Equal(out[j].ClaimedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ClaimedAt.After(out[j].ClaimedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListOverdueClaims(_ context.Context, now time.Time, limit int) ([]models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Claim
	for _, c := range s.claims {
		if c.Status == models.ClaimActive && c.PastDeadline(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lockClaimSlot takes the slot lock of the report a claim belongs to.
func (s *MemoryStore) lockClaimSlot(id string) (func(), error) {
	s.mu.RLock()
	c, ok := s.claims[id]
	var reportID string
	if ok {
		reportID = c.SignReportID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: claim %s", models.ErrNotFound, id)
	}
	return s.slots.lock(reportID), nil
}

// endClaimLocked requires the slot lock and mu held.
func (s *MemoryStore) endClaimLocked(c *models.Claim, to models.ClaimStatus, now time.Time) {
	c.Status = to
	ended := now
	c.EndedAt = &ended
	c.UpdatedAt = now
	if r, ok := s.reports[c.SignReportID]; ok && r.ActiveClaimID != nil && *r.ActiveClaimID == c.ID {
		r.Status = models.ReportOpen
		r.ActiveClaimID = nil
		r.UpdatedAt = now
	}
}

func (s *MemoryStore) EndClaim(_ context.Context, id string, to models.ClaimStatus, now time.Time) (bool, error) {
	if to != models.ClaimReleased && to != models.ClaimExpired {
		return false, fmt.Errorf("%w: cannot end claim as %s", models.ErrInvalidState, to)
	}
	unlock, err := s.lockClaimSlot(id)
	if err != nil {
		return false, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.claims[id]
	if c.Status != models.ClaimActive {
		return false, nil
	}
	if to == models.ClaimExpired && !c.PastDeadline(now) {
		return false, nil
	}
	s.endClaimLocked(c, to, now)
	return true, nil
}

func (s *MemoryStore) CompleteClaim(_ context.Context, id, proofRef string, now time.Time, payout *models.PayoutRecord) error {
	unlock, err := s.lockClaimSlot(id)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.claims[id]
	switch c.Status {
	case models.ClaimActive:
	case models.ClaimExpired:
		return fmt.Errorf("%w: claim %s expired at %s", models.ErrClaimExpired, id, c.ExpiresAt.Format(time.RFC3339))
	default:
		return fmt.Errorf("%w: claim %s is %s", models.ErrInvalidState, id, c.Status)
	}
	if c.PastDeadline(now) {
		s.endClaimLocked(c, models.ClaimExpired, now)
		return fmt.Errorf("%w: claim %s expired at %s", models.ErrClaimExpired, id, c.ExpiresAt.Format(time.RFC3339))
	}
	if _, exists := s.payoutByClaim[id]; exists {
		return fmt.Errorf("%w: claim %s already has a payout", models.ErrInvalidState, id)
	}

	c.Status = models.ClaimCompleted
	c.ProofRef = proofRef
	ended := now
	c.EndedAt = &ended
	c.UpdatedAt = now

	r := s.reports[c.SignReportID]
	r.Status = models.ReportVerified
	r.ActiveClaimID = nil
	r.VerifiedAt = &ended
	r.UpdatedAt = now

	payout.ClaimID = id
	payout.CreatedAt, payout.UpdatedAt = now, now
	cp := *payout
	s.payouts[payout.ID] = &cp
	s.payoutByClaim[id] = payout.ID
	s.bumpLocked(c.CampaignID, models.CampaignStats{SignsRemoved: 1})
	return nil
}

// --- payouts ---

func (s *MemoryStore) GetPayoutByClaim(_ context.Context, claimID string) (*models.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.payoutByClaim[claimID]
	if !ok {
		return nil, fmt.Errorf("%w: payout for claim %s", models.ErrNotFound, claimID)
	}
	cp := *s.payouts[id]
	return &cp, nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, f PayoutFilter) ([]models.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PayoutRecord
	for _, p := range s.payouts {
		if f.CampaignID != "" && p.CampaignID != f.CampaignID {
			continue
		}
		if f.WorkerID != "" && p.WorkerID != f.WorkerID {
			continue
		}
		if !matches(f.Statuses, p.Status) {
			continue
		}
		if f.NeedsAttention != nil && p.NeedsAttention != *f.NeedsAttention {
			continue
		}
		if f.MaxAttempts > 0 && p.Attempts >= f.MaxAttempts {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !p.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) StartPayoutAttempt(_ context.Context, id string, expected int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return false, fmt.Errorf("%w: payout %s", models.ErrNotFound, id)
	}
	if p.Status == models.PayoutSucceeded || p.Attempts != expected {
		return false, nil
	}
	p.Attempts++
	at := now
	p.LastAttemptAt = &at
	p.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) FinishPayoutAttempt(_ context.Context, id string, res PayoutResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return false, fmt.Errorf("%w: payout %s", models.ErrNotFound, id)
	}
	if p.Status == models.PayoutSucceeded || p.Attempts != res.Attempt {
		return false, nil
	}
	p.UpdatedAt = res.At
	if res.Succeeded {
		p.Status = models.PayoutSucceeded
		p.ReceiptID = res.ReceiptID
		p.FailureReason = ""
		p.NeedsAttention = false
		e, ok := s.earnings[p.WorkerID]
		if !ok {
			e = &models.WorkerEarnings{WorkerID: p.WorkerID}
			s.earnings[p.WorkerID] = e
		}
		e.TotalEarned += p.Amount
		e.PayoutCount++
		e.UpdatedAt = res.At
		s.bumpLocked(p.CampaignID, models.CampaignStats{TotalBountyPaid: p.Amount})
		return true, nil
	}
	p.Status = models.PayoutFailed
	p.FailureReason = res.FailureReason
	p.NeedsAttention = res.NeedsAttention
	return true, nil
}

func (s *MemoryStore) GetWorkerEarnings(_ context.Context, workerID string) (*models.WorkerEarnings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.earnings[workerID]; ok {
		cp := *e
		return &cp, nil
	}
	return &models.WorkerEarnings{WorkerID: workerID}, nil
}
