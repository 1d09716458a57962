package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"sign-bounty-system/models"
	"sign-bounty-system/store"
	"sign-bounty-system/utils"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
)

const (
	maxCampaignNameLen        = 120
	maxCampaignDescriptionLen = 2000
	maxCodeNameLen            = 24
	codeAttempts              = 5
)

type CampaignService struct {
	store      store.Store
	reconciler *Reconciler
	settings   Settings
	newCode    func(name string) string
}

func NewCampaignService(st store.Store, reconciler *Reconciler, settings Settings) *CampaignService {
	return &CampaignService{
		store:      st,
		reconciler: reconciler,
		settings:   settings.withDefaults(),
		newCode:    CampaignCode,
	}
}

type CreateCampaignRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	BountyAmount int64  `json:"bounty_amount"`
}

// CampaignCode builds a public report code: QR_<NAME>_<RANDOM>.
func CampaignCode(name string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "QR_" + codeName(name) + "_" + suffix
}

// codeName transliterates name to upper-case ASCII, collapsing every run of
// other characters into a single underscore.
func codeName(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToUpper(unidecode.Unidecode(name)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	out := b.String()
	if len(out) > maxCodeNameLen {
		out = strings.TrimRight(out[:maxCodeNameLen], "_")
	}
	if out == "" {
		return "CAMPAIGN"
	}
	return out
}

func (s *CampaignService) CreateCampaign(ctx context.Context, actor models.Actor, req CreateCampaignRequest) (*models.Campaign, error) {
	if !actor.HasRole(models.RoleOwner) || actor.ID == "" {
		return nil, fmt.Errorf("%w: only owners can create campaigns", models.ErrAuthorization)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxCampaignNameLen {
		return nil, fmt.Errorf("%w: name too long (max %d characters)", models.ErrValidation, maxCampaignNameLen)
	}
	description := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(description) > maxCampaignDescriptionLen {
		return nil, fmt.Errorf("%w: description too long (max %d characters)", models.ErrValidation, maxCampaignDescriptionLen)
	}
	if req.BountyAmount <= 0 {
		return nil, fmt.Errorf("%w: bounty_amount must be positive", models.ErrValidation)
	}

	now := s.settings.Now()
	c := &models.Campaign{
		ID:           uuid.NewString(),
		OwnerID:      actor.ID,
		Name:         name,
		Description:  description,
		Slug:         slug.Make(name),
		BountyAmount: req.BountyAmount,
		Status:       models.CampaignActive,
		Timestamps:   models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}

	var err error
	for attempt := 1; attempt <= codeAttempts; attempt++ {
		c.Code = s.newCode(name)
		err = s.store.CreateCampaign(ctx, c)
		if !errors.Is(err, models.ErrCodeTaken) {
			break
		}
		log.Printf("[CAMPAIGN] code %s collided (attempt %d/%d), regenerating", c.Code, attempt, codeAttempts)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("✅ [CAMPAIGN] created %s (%s) for owner %s, bounty %s", c.ID, c.Code, c.OwnerID, utils.FormatAmount(c.BountyAmount))
	return c, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

func (s *CampaignService) GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error) {
	return s.store.GetCampaignByCode(ctx, strings.TrimSpace(code))
}

// OwnedCampaign loads a campaign the actor owns (or any campaign for admins).
func (s *CampaignService) OwnedCampaign(ctx context.Context, actor models.Actor, id string) (*models.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != actor.ID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: campaign %s belongs to another owner", models.ErrAuthorization, id)
	}
	return c, nil
}

func (s *CampaignService) ListCampaigns(ctx context.Context, ownerID string) ([]models.Campaign, error) {
	return s.store.ListCampaigns(ctx, ownerID)
}

// SetStatus applies an owner status change. Setting the current status is a
// no-op and nothing leaves completed.
func (s *CampaignService) SetStatus(ctx context.Context, campaignID string, to models.CampaignStatus, actor models.Actor) (*models.Campaign, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown campaign status %q", models.ErrValidation, to)
	}
	c, err := s.OwnedCampaign(ctx, actor, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status == to {
		return c, nil
	}
	if c.Status == models.CampaignCompleted {
		return nil, fmt.Errorf("%w: campaign %s is completed", models.ErrInvalidTransition, campaignID)
	}
	if err := s.store.UpdateCampaignStatus(ctx, campaignID, c.Status, to); err != nil {
		return nil, err
	}
	log.Printf("[CAMPAIGN] %s: %s -> %s by %s", campaignID, c.Status, to, actor.ID)
	return s.store.GetCampaign(ctx, campaignID)
}

// RecordDeployment registers count newly placed signs.
func (s *CampaignService) RecordDeployment(ctx context.Context, actor models.Actor, campaignID string, count int64, note string) (*models.Deployment, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", models.ErrValidation)
	}
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > maxCampaignDescriptionLen {
		return nil, fmt.Errorf("%w: note too long", models.ErrValidation)
	}
	c, err := s.OwnedCampaign(ctx, actor, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.CampaignCompleted {
		return nil, fmt.Errorf("%w: campaign %s is completed", models.ErrInvalidState, campaignID)
	}

	d := &models.Deployment{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Count:      count,
		Note:       note,
		CreatedAt:  s.settings.Now(),
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	s.CompleteIfAccounted(ctx, campaignID)
	return d, nil
}

// GetStats returns the cached counters.
func (s *CampaignService) GetStats(ctx context.Context, campaignID string) (models.CampaignStats, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return models.CampaignStats{}, err
	}
	return c.Stats(), nil
}

// CompleteIfAccounted moves a campaign to completed once every deployed sign
// has been removed. The decision is taken on the folded history, never on
// the cached counters. Returns true when this call completed it.
func (s *CampaignService) CompleteIfAccounted(ctx context.Context, campaignID string) bool {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Printf("⚠️ [CAMPAIGN] completion check for %s failed: %v", campaignID, err)
		return false
	}
	if c.Status == models.CampaignCompleted {
		return false
	}
	stats, err := s.reconciler.Recompute(ctx, campaignID)
	if err != nil {
		log.Printf("⚠️ [CAMPAIGN] completion check for %s failed: %v", campaignID, err)
		return false
	}
	if !stats.AllRemoved() {
		return false
	}
	if err := s.store.UpdateCampaignStatus(ctx, campaignID, c.Status, models.CampaignCompleted); err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			log.Printf("⚠️ [CAMPAIGN] auto-complete of %s failed: %v", campaignID, err)
		}
		return false
	}
	log.Printf("🏁 [CAMPAIGN] %s auto-completed: %d/%d signs removed", campaignID, stats.SignsRemoved, stats.SignsDeployed)
	return true
}

// OwnerOverview is the owner dashboard roll-up.
type OwnerOverview struct {
	TotalCampaigns  int     `json:"total_campaigns"`
	ActiveCampaigns int     `json:"active_campaigns"`
	SignsDeployed   int64   `json:"signs_deployed"`
	SignsReported   int64   `json:"signs_reported"`
	SignsRemoved    int64   `json:"signs_removed"`
	TotalBountyPaid int64   `json:"total_bounty_paid"`
	RemovalRate     float64 `json:"removal_rate"`
}

func (s *CampaignService) OwnerOverview(ctx context.Context, ownerID string) (*OwnerOverview, error) {
	campaigns, err := s.store.ListCampaigns(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := &OwnerOverview{TotalCampaigns: len(campaigns)}
	for _, c := range campaigns {
		if c.Status == models.CampaignActive {
			out.ActiveCampaigns++
		}
		out.SignsDeployed += c.SignsDeployed
		out.SignsReported += c.SignsReported
		out.SignsRemoved += c.SignsRemoved
		out.TotalBountyPaid += c.TotalBountyPaid
	}
	if out.SignsDeployed > 0 {
		out.RemovalRate = float64(out.SignsRemoved) / float64(out.SignsDeployed)
	}
	return out, nil
}
