package models

import "time"

// ClaimStatus of a worker's hold on a report.
type ClaimStatus string

const (
	ClaimActive    ClaimStatus = "active"
	ClaimCompleted ClaimStatus = "completed"
	ClaimReleased  ClaimStatus = "released"
	ClaimExpired   ClaimStatus = "expired"
)

// Claim is one worker's exclusive, time-boxed hold on a SignReport.
// At most one active claim exists per report (partial unique index on sign_report_id).
type Claim struct {
	ID           string      `gorm:"primaryKey;type:uuid" json:"id"`
	SignReportID string      `gorm:"type:uuid;index;not null" json:"sign_report_id"`
	CampaignID   string      `gorm:"type:uuid;index;not null" json:"campaign_id"`
	WorkerID     string      `gorm:"index;not null" json:"worker_id"`
	Status       ClaimStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ClaimedAt    time.Time   `gorm:"not null" json:"claimed_at"`
	ExpiresAt    time.Time   `gorm:"not null;index" json:"expires_at"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	ProofRef     string      `json:"proof_ref,omitempty"`

	Timestamps
}

// PastDeadline is true once now is after ExpiresAt.
func (c *Claim) PastDeadline(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
