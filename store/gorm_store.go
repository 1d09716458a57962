package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sign-bounty-system/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the Postgres-backed Store. Claim slot transitions lock the
// sign_reports row (SELECT ... FOR UPDATE) and then the claims row, always in
// that order. The partial unique index idx_claims_one_active backs the
// single-active-claim rule at the database level.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// OpenPostgres connects with error translation enabled so unique violations
// surface as gorm.ErrDuplicatedKey.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewGormStore(db), nil
}

func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.DB.WithContext(ctx)
	if err := db.AutoMigrate(
		&models.Campaign{},
		&models.Deployment{},
		&models.SignReport{},
		&models.Claim{},
		&models.PayoutRecord{},
		&models.WorkerEarnings{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_one_active ON claims (sign_report_id) WHERE status = 'active'",
	).Error
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, what, id)
	}
	return err
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// --- campaigns ---

func (s *GormStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if err := s.DB.WithContext(ctx).Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", models.ErrCodeTaken, c.Code)
		}
		return err
	}
	return nil
}

func (s *GormStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "campaign", id)
	}
	return &c, nil
}

func (s *GormStore) GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.DB.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, notFound(err, "campaign code", code)
	}
	return &c, nil
}

func (s *GormStore) ListCampaigns(ctx context.Context, ownerID string) ([]models.Campaign, error) {
	q := s.DB.WithContext(ctx).Order("created_at ASC, id ASC")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	var out []models.Campaign
	return out, q.Find(&out).Error
}

func (s *GormStore) UpdateCampaignStatus(ctx context.Context, id string, from, to models.CampaignStatus) error {
	res := s.DB.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		current, err := s.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: campaign %s is %s, not %s", models.ErrInvalidTransition, id, current.Status, from)
	}
	return nil
}

func (s *GormStore) AddCampaignCounters(ctx context.Context, id string, d models.CampaignStats) error {
	return addCounters(s.DB.WithContext(ctx), id, d)
}

// addCounters shifts the cached counters inside tx. The UPDATE holds the
// campaign row lock until tx ends, which orders it against RecountCampaign.
func addCounters(tx *gorm.DB, id string, d models.CampaignStats) error {
	if d.IsZero() {
		return nil
	}
	res := tx.Model(&models.Campaign{}).Where("id = ?", id).Updates(map[string]interface{}{
		"signs_deployed":    gorm.Expr("signs_deployed + ?", d.SignsDeployed),
		"signs_reported":    gorm.Expr("signs_reported + ?", d.SignsReported),
		"signs_removed":     gorm.Expr("signs_removed + ?", d.SignsRemoved),
		"total_bounty_paid": gorm.Expr("total_bounty_paid + ?", d.TotalBountyPaid),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: campaign %s", models.ErrNotFound, id)
	}
	return nil
}

// RecountCampaign locks the campaign row, folds the committed history and
// writes the result. A transition that has not bumped its counter yet waits
// on the row lock and applies its delta on top of the recount.
func (s *GormStore) RecountCampaign(ctx context.Context, id string) (before, after models.CampaignStats, err error) {
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Campaign
		if err := lockForUpdate(tx).Where("id = ?", id).First(&c).Error; err != nil {
			return notFound(err, "campaign", id)
		}
		before = c.Stats()

		var deployments []models.Deployment
		if err := tx.Select("count").Where("campaign_id = ?", id).Find(&deployments).Error; err != nil {
			return fmt.Errorf("list deployments: %w", err)
		}
		var reports []models.SignReport
		if err := tx.Select("status").Where("campaign_id = ?", id).Find(&reports).Error; err != nil {
			return fmt.Errorf("list reports: %w", err)
		}
		var payouts []models.PayoutRecord
		if err := tx.Select("status", "amount").
			Where("campaign_id = ? AND status = ?", id, models.PayoutSucceeded).
			Find(&payouts).Error; err != nil {
			return fmt.Errorf("list payouts: %w", err)
		}
		after = models.FoldStats(deployments, reports, payouts)
		if after == before {
			return nil
		}
		return tx.Model(&models.Campaign{}).Where("id = ?", id).Updates(map[string]interface{}{
			"signs_deployed":    after.SignsDeployed,
			"signs_reported":    after.SignsReported,
			"signs_removed":     after.SignsRemoved,
			"total_bounty_paid": after.TotalBountyPaid,
		}).Error
	})
	return before, after, err
}

func (s *GormStore) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		return addCounters(tx, d.CampaignID, models.CampaignStats{SignsDeployed: d.Count})
	})
}

func (s *GormStore) ListDeployments(ctx context.Context, campaignID string) ([]models.Deployment, error) {
	var out []models.Deployment
	err := s.DB.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// --- reports ---

func (s *GormStore) CreateReport(ctx context.Context, r *models.SignReport, rule DuplicateRule) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The campaign row lock serializes intake per campaign so two nearby
		// reports cannot both pass the duplicate check.
		var c models.Campaign
		if err := lockForUpdate(tx).Select("id").Where("id = ?", r.CampaignID).First(&c).Error; err != nil {
			return notFound(err, "campaign", r.CampaignID)
		}

		if _, ok := r.Location(); ok && rule.RadiusM > 0 {
			q := tx.Where("campaign_id = ? AND status IN ? AND latitude IS NOT NULL AND longitude IS NOT NULL",
				r.CampaignID, []models.ReportStatus{models.ReportOpen, models.ReportClaimed})
			if rule.Window > 0 {
				q = q.Where("created_at >= ?", r.CreatedAt.Add(-rule.Window))
			}
			var candidates []models.SignReport
			if err := q.Find(&candidates).Error; err != nil {
				return err
			}
			for i := range candidates {
				if isDuplicate(r, &candidates[i], rule) {
					return fmt.Errorf("%w: report %s is within %.0fm", models.ErrDuplicateReport, candidates[i].ID, rule.RadiusM)
				}
			}
		}
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		return addCounters(tx, r.CampaignID, models.CampaignStats{SignsReported: 1})
	})
}

func (s *GormStore) GetReport(ctx context.Context, id string) (*models.SignReport, error) {
	var r models.SignReport
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err, "sign report", id)
	}
	return &r, nil
}

func (s *GormStore) ListReports(ctx context.Context, f ReportFilter) ([]models.SignReport, error) {
	q := s.DB.WithContext(ctx).Order("created_at ASC, id ASC")
	if f.CampaignID != "" {
		q = q.Where("campaign_id = ?", f.CampaignID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.SignReport
	return out, q.Find(&out).Error
}

func (s *GormStore) ExpireReports(ctx context.Context, cutoff time.Time) ([]models.SignReport, error) {
	var expired []models.SignReport
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			Where("status = ? AND created_at < ?", models.ReportOpen, cutoff).
			Order("created_at ASC").
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]string, len(expired))
		perCampaign := make(map[string]int64)
		for i := range expired {
			ids[i] = expired[i].ID
			expired[i].Status = models.ReportExpired
			perCampaign[expired[i].CampaignID]++
		}
		if err := tx.Model(&models.SignReport{}).
			Where("id IN ? AND status = ?", ids, models.ReportOpen).
			Update("status", models.ReportExpired).Error; err != nil {
			return err
		}
		// Campaign rows are locked in id order so concurrent sweeps cannot deadlock.
		campaignIDs := make([]string, 0, len(perCampaign))
		for id := range perCampaign {
			campaignIDs = append(campaignIDs, id)
		}
		sort.Strings(campaignIDs)
		for _, id := range campaignIDs {
			if err := addCounters(tx, id, models.CampaignStats{SignsReported: -perCampaign[id]}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// --- claims ---

func (s *GormStore) CreateClaim(ctx context.Context, c *models.Claim) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r models.SignReport
		if err := lockForUpdate(tx).Where("id = ?", c.SignReportID).First(&r).Error; err != nil {
			return notFound(err, "sign report", c.SignReportID)
		}
		if err := r.Claimable(); err != nil {
			return err
		}

		c.CampaignID = r.CampaignID
		c.Status = models.ClaimActive
		if err := tx.Create(c).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: report %s", models.ErrAlreadyClaimed, r.ID)
			}
			return err
		}

		res := tx.Model(&models.SignReport{}).
			Where("id = ? AND status = ?", r.ID, models.ReportOpen).
			Updates(map[string]interface{}{
				"status":          models.ReportClaimed,
				"active_claim_id": c.ID,
				"updated_at":      c.ClaimedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: report %s", models.ErrAlreadyClaimed, r.ID)
		}
		return nil
	})
}

func (s *GormStore) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	var c models.Claim
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "claim", id)
	}
	return &c, nil
}

func (s *GormStore) ListClaims(ctx context.Context, f ClaimFilter) ([]models.Claim, error) {
	q := s.DB.WithContext(ctx).Order("claimed_at DESC, id ASC")
	if f.CampaignID != "" {
		q = q.Where("campaign_id = ?", f.CampaignID)
	}
	if f.SignReportID != "" {
		q = q.Where("sign_report_id = ?", f.SignReportID)
	}
	if f.WorkerID != "" {
		q = q.Where("worker_id = ?", f.WorkerID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	var out []models.Claim
	return out, q.Find(&out).Error
}

func (s *GormStore) ListOverdueClaims(ctx context.Context, now time.Time, limit int) ([]models.Claim, error) {
	q := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.ClaimActive, now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Claim
	return out, q.Find(&out).Error
}

// lockClaimSlot locks the claim's report row and then the claim row inside tx.
func lockClaimSlot(tx *gorm.DB, id string) (*models.Claim, error) {
	var peek models.Claim
	if err := tx.Select("id", "sign_report_id").Where("id = ?", id).First(&peek).Error; err != nil {
		return nil, notFound(err, "claim", id)
	}
	var r models.SignReport
	if err := lockForUpdate(tx).Select("id").Where("id = ?", peek.SignReportID).First(&r).Error; err != nil {
		return nil, notFound(err, "sign report", peek.SignReportID)
	}
	var c models.Claim
	if err := lockForUpdate(tx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "claim", id)
	}
	return &c, nil
}

// endClaim closes an active claim and reopens its report. Caller holds the slot.
func endClaim(tx *gorm.DB, c *models.Claim, to models.ClaimStatus, now time.Time) error {
	if err := tx.Model(&models.Claim{}).
		Where("id = ? AND status = ?", c.ID, models.ClaimActive).
		Updates(map[string]interface{}{"status": to, "ended_at": now, "updated_at": now}).Error; err != nil {
		return err
	}
	return tx.Model(&models.SignReport{}).
		Where("id = ? AND active_claim_id = ? AND status = ?", c.SignReportID, c.ID, models.ReportClaimed).
		Updates(map[string]interface{}{"status": models.ReportOpen, "active_claim_id": nil, "updated_at": now}).Error
}

func (s *GormStore) EndClaim(ctx context.Context, id string, to models.ClaimStatus, now time.Time) (bool, error) {
	if to != models.ClaimReleased && to != models.ClaimExpired {
		return false, fmt.Errorf("%w: cannot end claim as %s", models.ErrInvalidState, to)
	}
	changed := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockClaimSlot(tx, id)
		if err != nil {
			return err
		}
		if c.Status != models.ClaimActive {
			return nil
		}
		if to == models.ClaimExpired && !c.PastDeadline(now) {
			return nil
		}
		if err := endClaim(tx, c, to, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *GormStore) CompleteClaim(ctx context.Context, id, proofRef string, now time.Time, payout *models.PayoutRecord) error {
	lapsed := false
	var deadline time.Time
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockClaimSlot(tx, id)
		if err != nil {
			return err
		}
		deadline = c.ExpiresAt
		switch c.Status {
		case models.ClaimActive:
		case models.ClaimExpired:
			return fmt.Errorf("%w: claim %s expired at %s", models.ErrClaimExpired, id, c.ExpiresAt.Format(time.RFC3339))
		default:
			return fmt.Errorf("%w: claim %s is %s", models.ErrInvalidState, id, c.Status)
		}
		if c.PastDeadline(now) {
			// Commit the passive expiry, then report it to the caller.
			lapsed = true
			return endClaim(tx, c, models.ClaimExpired, now)
		}

		if err := tx.Model(&models.Claim{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     models.ClaimCompleted,
			"proof_ref":  proofRef,
			"ended_at":   now,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SignReport{}).Where("id = ?", c.SignReportID).Updates(map[string]interface{}{
			"status":          models.ReportVerified,
			"active_claim_id": nil,
			"verified_at":     now,
			"updated_at":      now,
		}).Error; err != nil {
			return err
		}

		payout.ClaimID = id
		payout.CreatedAt, payout.UpdatedAt = now, now
		if err := tx.Create(payout).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: claim %s already has a payout", models.ErrInvalidState, id)
			}
			return err
		}
		return addCounters(tx, c.CampaignID, models.CampaignStats{SignsRemoved: 1})
	})
	if err != nil {
		return err
	}
	if lapsed {
		return fmt.Errorf("%w: claim %s expired at %s", models.ErrClaimExpired, id, deadline.Format(time.RFC3339))
	}
	return nil
}

// --- payouts ---

func (s *GormStore) GetPayoutByClaim(ctx context.Context, claimID string) (*models.PayoutRecord, error) {
	var p models.PayoutRecord
	if err := s.DB.WithContext(ctx).Where("claim_id = ?", claimID).First(&p).Error; err != nil {
		return nil, notFound(err, "payout for claim", claimID)
	}
	return &p, nil
}

func (s *GormStore) ListPayouts(ctx context.Context, f PayoutFilter) ([]models.PayoutRecord, error) {
	q := s.DB.WithContext(ctx).Order("created_at ASC, id ASC")
	if f.CampaignID != "" {
		q = q.Where("campaign_id = ?", f.CampaignID)
	}
	if f.WorkerID != "" {
		q = q.Where("worker_id = ?", f.WorkerID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.NeedsAttention != nil {
		q = q.Where("needs_attention = ?", *f.NeedsAttention)
	}
	if f.MaxAttempts > 0 {
		q = q.Where("attempts < ?", f.MaxAttempts)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	var out []models.PayoutRecord
	return out, q.Find(&out).Error
}

func (s *GormStore) StartPayoutAttempt(ctx context.Context, id string, expected int, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.PayoutRecord{}).
		Where("id = ? AND attempts = ? AND status <> ?", id, expected, models.PayoutSucceeded).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
			"updated_at":      now,
		})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) FinishPayoutAttempt(ctx context.Context, id string, res PayoutResult) (bool, error) {
	finished := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.PayoutRecord
		if err := lockForUpdate(tx).Where("id = ?", id).First(&p).Error; err != nil {
			return notFound(err, "payout", id)
		}
		if p.Status == models.PayoutSucceeded || p.Attempts != res.Attempt {
			return nil
		}

		updates := map[string]interface{}{"updated_at": res.At}
		if res.Succeeded {
			updates["status"] = models.PayoutSucceeded
			updates["receipt_id"] = res.ReceiptID
			updates["failure_reason"] = ""
			updates["needs_attention"] = false
		} else {
			updates["status"] = models.PayoutFailed
			updates["failure_reason"] = res.FailureReason
			updates["needs_attention"] = res.NeedsAttention
		}
		if err := tx.Model(&models.PayoutRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if res.Succeeded {
			earnings := models.WorkerEarnings{
				WorkerID:    p.WorkerID,
				TotalEarned: p.Amount,
				PayoutCount: 1,
				UpdatedAt:   res.At,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "worker_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"total_earned": gorm.Expr("worker_earnings.total_earned + ?", p.Amount),
					"payout_count": gorm.Expr("worker_earnings.payout_count + 1"),
					"updated_at":   res.At,
				}),
			}).Create(&earnings).Error; err != nil {
				return err
			}
			if err := addCounters(tx, p.CampaignID, models.CampaignStats{TotalBountyPaid: p.Amount}); err != nil {
				return err
			}
		}
		finished = true
		return nil
	})
	return finished, err
}

func (s *GormStore) GetWorkerEarnings(ctx context.Context, workerID string) (*models.WorkerEarnings, error) {
	var e models.WorkerEarnings
	err := s.DB.WithContext(ctx).Where("worker_id = ?", workerID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.WorkerEarnings{WorkerID: workerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
