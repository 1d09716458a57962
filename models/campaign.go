package models

import "time"

// CampaignStatus is the owner-controlled lifecycle of a campaign.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignActive, CampaignPaused, CampaignCompleted:
		return true
	}
	return false
}

// Campaign is an owner's sign deployment with a bounty and a public report code.
type Campaign struct {
	ID           string         `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerID      string         `gorm:"index;not null" json:"owner_id"`
	Name         string         `gorm:"not null" json:"name"`
	Description  string         `gorm:"type:text" json:"description,omitempty"`
	Slug         string         `gorm:"index" json:"slug"`
	Code         string         `gorm:"uniqueIndex;not null" json:"code"` // immutable once issued
	BountyAmount int64          `gorm:"not null" json:"bounty_amount"`    // minor units
	Status       CampaignStatus `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`

	// Cached counters. Moved by the store in the same transaction as the
	// transition they count; FoldStats over the history is the source of truth.
	SignsDeployed   int64 `gorm:"not null;default:0" json:"signs_deployed"`
	SignsReported   int64 `gorm:"not null;default:0" json:"signs_reported"`
	SignsRemoved    int64 `gorm:"not null;default:0" json:"signs_removed"`
	TotalBountyPaid int64 `gorm:"not null;default:0" json:"total_bounty_paid"`

	Timestamps
}

// Stats returns the cached counters.
func (c *Campaign) Stats() CampaignStats {
	return CampaignStats{
		SignsDeployed:   c.SignsDeployed,
		SignsReported:   c.SignsReported,
		SignsRemoved:    c.SignsRemoved,
		TotalBountyPaid: c.TotalBountyPaid,
	}
}

// CampaignStats is the aggregate projection shown on dashboards. It doubles as
// a delta when applied incrementally.
type CampaignStats struct {
	SignsDeployed   int64 `json:"signs_deployed"`
	SignsReported   int64 `json:"signs_reported"`
	SignsRemoved    int64 `json:"signs_removed"`
	TotalBountyPaid int64 `json:"total_bounty_paid"`
}

func (s CampaignStats) Add(d CampaignStats) CampaignStats {
	return CampaignStats{
		SignsDeployed:   s.SignsDeployed + d.SignsDeployed,
		SignsReported:   s.SignsReported + d.SignsReported,
		SignsRemoved:    s.SignsRemoved + d.SignsRemoved,
		TotalBountyPaid: s.TotalBountyPaid + d.TotalBountyPaid,
	}
}

func (s CampaignStats) IsZero() bool {
	return s == CampaignStats{}
}

// AllRemoved is the auto-completion rule: every deployed sign has a verified
// removal. SignsReported already includes verified reports, so adding it to
// SignsRemoved would count each removal twice.
func (s CampaignStats) AllRemoved() bool {
	return s.SignsDeployed > 0 && s.SignsRemoved >= s.SignsDeployed
}

// FoldStats derives a campaign's counters from its history. Deployed sums the
// deployments, reported counts reports that have not expired, removed counts
// verified reports and paid sums succeeded payouts.
func FoldStats(deployments []Deployment, reports []SignReport, payouts []PayoutRecord) CampaignStats {
	var st CampaignStats
	for _, d := range deployments {
		st.SignsDeployed += d.Count
	}
	for _, r := range reports {
		if r.Status != ReportExpired {
			st.SignsReported++
		}
		if r.Status == ReportVerified {
			st.SignsRemoved++
		}
	}
	for _, p := range payouts {
		if p.Status == PayoutSucceeded {
			st.TotalBountyPaid += p.Amount
		}
	}
	return st
}

// Deployment records signs physically placed for a campaign. SignsDeployed is
// the sum of deployment counts.
type Deployment struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	CampaignID string    `gorm:"type:uuid;index;not null" json:"campaign_id"`
	Count      int64     `gorm:"not null" json:"count"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
