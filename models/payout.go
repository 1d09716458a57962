package models

import "time"

// PayoutStatus of the single payout attached to a completed claim.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutSucceeded PayoutStatus = "succeeded"
	PayoutFailed    PayoutStatus = "failed"
)

// PayoutRecord is one-to-one with a completed Claim. Retries reuse the record.
type PayoutRecord struct {
	ID             string       `gorm:"primaryKey;type:uuid" json:"id"`
	ClaimID        string       `gorm:"type:uuid;uniqueIndex;not null" json:"claim_id"`
	CampaignID     string       `gorm:"type:uuid;index;not null" json:"campaign_id"`
	WorkerID       string       `gorm:"index;not null" json:"worker_id"`
	Amount         int64        `gorm:"not null" json:"amount"`
	Status         PayoutStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Attempts       int          `gorm:"not null;default:0" json:"attempts"`
	ReceiptID      string       `json:"receipt_id,omitempty"`
	FailureReason  string       `gorm:"type:text" json:"failure_reason,omitempty"`
	NeedsAttention bool         `gorm:"not null;default:false;index" json:"needs_attention"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at,omitempty"`

	Timestamps
}

// PayoutRequest is sent to the payout collaborator.
type PayoutRequest struct {
	WorkerID string `json:"worker_id"`
	Amount   int64  `json:"amount"`
	ClaimID  string `json:"claim_id"`
}

// PayoutReceipt is the collaborator's acknowledgement of a completed transfer.
type PayoutReceipt struct {
	ReceiptID string `json:"receipt_id"`
}

// WorkerEarnings aggregates succeeded payouts per worker.
type WorkerEarnings struct {
	WorkerID    string    `gorm:"primaryKey" json:"worker_id"`
	TotalEarned int64     `gorm:"not null;default:0" json:"total_earned"`
	PayoutCount int64     `gorm:"not null;default:0" json:"payout_count"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
