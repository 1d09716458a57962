package models

import (
	"fmt"
	"math"
	"time"
)

// ReportStatus of a public sign report.
type ReportStatus string

const (
	ReportOpen     ReportStatus = "open"
	ReportClaimed  ReportStatus = "claimed"
	ReportVerified ReportStatus = "verified"
	ReportExpired  ReportStatus = "expired"
)

// SignReport is a public submission that a specific sign is expired.
type SignReport struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	CampaignID string `gorm:"type:uuid;index;not null" json:"campaign_id"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	AccuracyM *float64 `json:"accuracy_m,omitempty"`

	Description   string `gorm:"type:text" json:"description,omitempty"`
	ReporterEmail string `json:"-"`
	ReporterPhone string `json:"-"`

	Status        ReportStatus `gorm:"type:varchar(16);not null;default:'open';index" json:"status"`
	ActiveClaimID *string      `gorm:"type:uuid" json:"active_claim_id,omitempty"`
	VerifiedAt    *time.Time   `json:"verified_at,omitempty"`

	Timestamps
}

// Location returns the report position if one was captured.
func (r *SignReport) Location() (Location, bool) {
	if r.Latitude == nil || r.Longitude == nil {
		return Location{}, false
	}
	loc := Location{Latitude: *r.Latitude, Longitude: *r.Longitude}
	if r.AccuracyM != nil {
		loc.AccuracyM = *r.AccuracyM
	}
	return loc, true
}

// SetLocation stores loc, or clears the position when loc is nil.
func (r *SignReport) SetLocation(loc *Location) {
	if loc == nil {
		r.Latitude, r.Longitude, r.AccuracyM = nil, nil, nil
		return
	}
	lat, lng := loc.Latitude, loc.Longitude
	r.Latitude, r.Longitude = &lat, &lng
	if loc.AccuracyM > 0 {
		acc := loc.AccuracyM
		r.AccuracyM = &acc
	}
}

// Claimable reports whether a worker may open a claim on the report right now.
func (r *SignReport) Claimable() error {
	switch r.Status {
	case ReportOpen:
		return nil
	case ReportClaimed, ReportVerified:
		return fmt.Errorf("%w: report %s is %s", ErrAlreadyClaimed, r.ID, r.Status)
	case ReportExpired:
		return fmt.Errorf("%w: report %s has expired", ErrGone, r.ID)
	}
	return fmt.Errorf("%w: report %s has unknown status %q", ErrInvalidState, r.ID, r.Status)
}

// CountsAsDuplicateTarget is true for reports that suppress new nearby reports.
func (r *SignReport) CountsAsDuplicateTarget() bool {
	return r.Status == ReportOpen || r.Status == ReportClaimed
}

// Contact is optional reporter contact info.
type Contact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Location as captured by the reporter's device.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
	// Error is set by the client when geolocation failed; the coordinates are ignored.
	Error bool `json:"error,omitempty"`
}

func (l Location) Validate() error {
	for _, v := range []float64{l.Latitude, l.Longitude, l.AccuracyM} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: location must be finite", ErrValidation)
		}
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrValidation, l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrValidation, l.Longitude)
	}
	if l.AccuracyM < 0 {
		return fmt.Errorf("%w: accuracy must not be negative", ErrValidation)
	}
	return nil
}

const earthRadiusM = 6371008.8

// DistanceMeters is the great-circle (haversine) distance between a and b.
func DistanceMeters(a, b Location) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Latitude - a.Latitude)
	dLng := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}
