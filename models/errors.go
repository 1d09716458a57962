package models

import "errors"

// Business errors. Callers match with errors.Is; messages carry context via %w wrapping.
var (
	ErrValidation        = errors.New("validation error")
	ErrAuthorization     = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrGone              = errors.New("gone")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrDuplicateReport   = errors.New("already reported")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClaimExpired      = errors.New("claim expired")
	ErrInvalidState      = errors.New("invalid state")
	ErrPayoutFailed      = errors.New("payout failed")

	// ErrCodeTaken is returned by stores when a campaign code collides.
	ErrCodeTaken = errors.New("campaign code already in use")
)

// IsConflict reports whether err is an expected business-rule conflict
// (returned to the caller for messaging, never retried).
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrDuplicateReport) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrClaimExpired) ||
		errors.Is(err, ErrInvalidState)
}
