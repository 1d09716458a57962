package services

import "time"

// Settings tunes the lifecycle rules. Zero fields fall back to DefaultSettings.
type Settings struct {
	ClaimWindow       time.Duration
	DuplicateRadiusM  float64
	DuplicateWindow   time.Duration
	ReportTTL         time.Duration
	MaxPayoutAttempts int
	// PendingPayoutGrace is how long a pending payout may sit untouched before
	// the retry job treats its dispatch as lost.
	PendingPayoutGrace time.Duration

	// Now is the clock. Tests pin it.
	Now func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		ClaimWindow:        2 * time.Hour,
		DuplicateRadiusM:   50,
		DuplicateWindow:    24 * time.Hour,
		ReportTTL:          30 * 24 * time.Hour,
		MaxPayoutAttempts:  3,
		PendingPayoutGrace: 5 * time.Minute,
		Now:                time.Now,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ClaimWindow <= 0 {
		s.ClaimWindow = d.ClaimWindow
	}
	if s.DuplicateRadiusM <= 0 {
		s.DuplicateRadiusM = d.DuplicateRadiusM
	}
	if s.DuplicateWindow <= 0 {
		s.DuplicateWindow = d.DuplicateWindow
	}
	if s.ReportTTL <= 0 {
		s.ReportTTL = d.ReportTTL
	}
	if s.MaxPayoutAttempts <= 0 {
		s.MaxPayoutAttempts = d.MaxPayoutAttempts
	}
	if s.PendingPayoutGrace <= 0 {
		s.PendingPayoutGrace = d.PendingPayoutGrace
	}
	if s.Now == nil {
		s.Now = d.Now
	}
	return s
}
