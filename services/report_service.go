package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"sign-bounty-system/models"
	"sign-bounty-system/store"
	"sign-bounty-system/utils"

	"github.com/google/uuid"
)

const (
	maxReportDescriptionLen = 1000
	maxEmailLen             = 254
	maxPhoneLen             = 32
	defaultBountyLimit      = 50
	maxBountyLimit          = 200
)

type ReportService struct {
	store    store.Store
	settings Settings
}

func NewReportService(st store.Store, settings Settings) *ReportService {
	return &ReportService{store: st, settings: settings.withDefaults()}
}

// SubmitReportRequest is a public submission. Every field is optional.
type SubmitReportRequest struct {
	Location    *models.Location `json:"location,omitempty"`
	Description string           `json:"description,omitempty"`
	Contact     *models.Contact  `json:"contact,omitempty"`
}

func (s *ReportService) duplicateRule() store.DuplicateRule {
	return store.DuplicateRule{RadiusM: s.settings.DuplicateRadiusM, Window: s.settings.DuplicateWindow}
}

// SubmitReport files a report against the campaign behind code. A nearby
// open or claimed report yields models.ErrDuplicateReport.
func (s *ReportService) SubmitReport(ctx context.Context, code string, req SubmitReportRequest) (*models.SignReport, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: campaign code is required", models.ErrNotFound)
	}
	campaign, err := s.store.GetCampaignByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if campaign.Status != models.CampaignActive {
		return nil, fmt.Errorf("%w: campaign %s is not accepting reports", models.ErrNotFound, code)
	}

	loc, err := normalizeLocation(req.Location)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(description) > maxReportDescriptionLen {
		return nil, fmt.Errorf("%w: description too long (max %d characters)", models.ErrValidation, maxReportDescriptionLen)
	}
	contact, err := normalizeContact(req.Contact)
	if err != nil {
		return nil, err
	}

	now := s.settings.Now()
	r := &models.SignReport{
		ID:            uuid.NewString(),
		CampaignID:    campaign.ID,
		Description:   description,
		ReporterEmail: contact.Email,
		ReporterPhone: contact.Phone,
		Status:        models.ReportOpen,
		Timestamps:    models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	r.SetLocation(loc)

	if err := s.store.CreateReport(ctx, r, s.duplicateRule()); err != nil {
		if errors.Is(err, models.ErrDuplicateReport) {
			log.Printf("[REPORT] duplicate suppressed for campaign %s: %v", campaign.ID, err)
		}
		return nil, err
	}

	log.Printf("📍 [REPORT] %s filed for campaign %s (located=%t)", r.ID, campaign.ID, loc != nil)
	return r, nil
}

// normalizeLocation validates a client location. A location flagged as a
// device error is dropped.
func normalizeLocation(loc *models.Location) (*models.Location, error) {
	if loc == nil || loc.Error {
		return nil, nil
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	out := *loc
	return &out, nil
}

func normalizeContact(c *models.Contact) (models.Contact, error) {
	if c == nil {
		return models.Contact{}, nil
	}
	out := models.Contact{
		Email: strings.TrimSpace(c.Email),
		Phone: strings.TrimSpace(c.Phone),
	}
	if out.Email != "" {
		if len(out.Email) > maxEmailLen {
			return out, fmt.Errorf("%w: email too long", models.ErrValidation)
		}
		addr, err := mail.ParseAddress(out.Email)
		if err != nil {
			return out, fmt.Errorf("%w: invalid email", models.ErrValidation)
		}
		out.Email = addr.Address
	}
	if out.Phone != "" {
		if len(out.Phone) > maxPhoneLen {
			return out, fmt.Errorf("%w: phone too long", models.ErrValidation)
		}
		for _, r := range out.Phone {
			if !strings.ContainsRune("0123456789+-() .", r) {
				return out, fmt.Errorf("%w: invalid phone", models.ErrValidation)
			}
		}
	}
	return out, nil
}

func (s *ReportService) GetReport(ctx context.Context, id string) (*models.SignReport, error) {
	return s.store.GetReport(ctx, id)
}

// Bounty is an open report as listed to workers.
type Bounty struct {
	ReportID     string           `json:"report_id"`
	CampaignID   string           `json:"campaign_id"`
	CampaignName string           `json:"campaign_name"`
	BountyAmount int64            `json:"bounty_amount"`
	BountyLabel  string           `json:"bounty_label"`
	Location     *models.Location `json:"location,omitempty"`
	DistanceM    *float64         `json:"distance_m,omitempty"`
	Description  string           `json:"description,omitempty"`
	ReportedAt   time.Time        `json:"reported_at"`
}

type BountyQuery struct {
	Near  *models.Location
	Limit int
}

// ListBounties lists open reports on active campaigns. Located reports come
// first, nearest first when Near is set and oldest first otherwise; reports
// without a location follow, oldest first.
func (s *ReportService) ListBounties(ctx context.Context, q BountyQuery) ([]Bounty, error) {
	if q.Near != nil {
		if err := q.Near.Validate(); err != nil {
			return nil, err
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultBountyLimit
	}
	if limit > maxBountyLimit {
		limit = maxBountyLimit
	}

	reports, err := s.store.ListReports(ctx, store.ReportFilter{Statuses: []models.ReportStatus{models.ReportOpen}})
	if err != nil {
		return nil, err
	}

	campaigns := make(map[string]*models.Campaign)
	bounties := make([]Bounty, 0, len(reports))
	for _, r := range reports {
		c, seen := campaigns[r.CampaignID]
		if !seen {
			c, err = s.store.GetCampaign(ctx, r.CampaignID)
			if err != nil {
				return nil, err
			}
			campaigns[r.CampaignID] = c
		}
		if c.Status != models.CampaignActive {
			continue
		}
		b := Bounty{
			ReportID:     r.ID,
			CampaignID:   c.ID,
			CampaignName: c.Name,
			BountyAmount: c.BountyAmount,
			BountyLabel:  utils.FormatAmount(c.BountyAmount),
			Description:  r.Description,
			ReportedAt:   r.CreatedAt,
		}
		if loc, ok := r.Location(); ok {
			b.Location = &loc
			if q.Near != nil {
				d := models.DistanceMeters(*q.Near, loc)
				b.DistanceM = &d
			}
		}
		bounties = append(bounties, b)
	}

	sort.SliceStable(bounties, func(i, j int) bool {
		a, b := bounties[i], bounties[j]
		if (a.Location != nil) != (b.Location != nil) {
			return a.Location != nil
		}
		if a.DistanceM != nil && b.DistanceM != nil && *a.DistanceM != *b.DistanceM {
			return *a.DistanceM < *b.DistanceM
		}
		return a.ReportedAt.Before(b.ReportedAt)
	})
	if len(bounties) > limit {
		bounties = bounties[:limit]
	}
	return bounties, nil
}

// ExpireStaleReports moves open reports older than the retention window to
// expired. Claimed reports are left to the claim sweep.
func (s *ReportService) ExpireStaleReports(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireReports(ctx, now.Add(-s.settings.ReportTTL))
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		log.Printf("🧹 [RETENTION] expired %d stale reports", len(expired))
	}
	return len(expired), nil
}
