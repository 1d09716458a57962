package handlers

import (
	"errors"
	"log"

	"sign-bounty-system/models"

	"github.com/gofiber/fiber/v2"
)

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrValidation, fiber.StatusBadRequest, "validation_error"},
	{models.ErrAuthorization, fiber.StatusForbidden, "authorization_error"},
	{models.ErrNotFound, fiber.StatusNotFound, "not_found"},
	{models.ErrGone, fiber.StatusGone, "gone"},
	{models.ErrAlreadyClaimed, fiber.StatusConflict, "already_claimed"},
	{models.ErrDuplicateReport, fiber.StatusConflict, "duplicate_report"},
	{models.ErrInvalidTransition, fiber.StatusConflict, "invalid_transition"},
	{models.ErrClaimExpired, fiber.StatusConflict, "claim_expired"},
	{models.ErrInvalidState, fiber.StatusConflict, "invalid_state"},
	{models.ErrCodeTaken, fiber.StatusConflict, "code_taken"},
	{models.ErrPayoutFailed, fiber.StatusBadGateway, "payout_failed"},
}

// respondError maps a service error onto its HTTP status and a stable code.
func respondError(c *fiber.Ctx, err error) error {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return c.Status(e.status).JSON(fiber.Map{
				"error": err.Error(),
				"code":  e.code,
			})
		}
	}
	log.Printf("❌ [HTTP] %s %s failed: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
		"code":  "internal",
	})
}

func badRequest(c *fiber.Ctx, msg string, err error) error {
	body := fiber.Map{"error": msg, "code": "validation_error"}
	if err != nil {
		body["details"] = err.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(body)
}
