package handlers

import (
	"errors"
	"strconv"

	"sign-bounty-system/models"
	"sign-bounty-system/services"

	"github.com/gofiber/fiber/v2"
)

// SubmitReport takes a public report. A nearby duplicate is answered with 200
// and already_reported so the reporter sees a thank-you, not an error.
func (h *Handler) SubmitReport(c *fiber.Ctx) error {
	var req services.SubmitReportRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
	}
	report, err := h.Life.Reports.SubmitReport(c.UserContext(), c.Params("code"), req)
	if errors.Is(err, models.ErrDuplicateReport) {
		return c.JSON(fiber.Map{
			"already_reported": true,
			"message":          "this sign has already been reported, thank you",
		})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"already_reported": false,
		"report":           report,
	})
}

func (h *Handler) ListBounties(c *fiber.Ctx) error {
	var q services.BountyQuery
	if lat, lng := c.Query("lat"), c.Query("lng"); lat != "" || lng != "" {
		latV, errLat := strconv.ParseFloat(lat, 64)
		lngV, errLng := strconv.ParseFloat(lng, 64)
		if errLat != nil || errLng != nil {
			return badRequest(c, "lat and lng must both be numbers", nil)
		}
		q.Near = &models.Location{Latitude: latV, Longitude: lngV}
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "limit must be an integer", err)
		}
		q.Limit = n
	}
	bounties, err := h.Life.Reports.ListBounties(c.UserContext(), q)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"bounties": bounties})
}
