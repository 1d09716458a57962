package handlers

import (
	"log"

	"sign-bounty-system/middleware"

	"github.com/gofiber/fiber/v2"
)

// Sweep runs one maintenance pass on demand.
func (h *Handler) Sweep(c *fiber.Ctx) error {
	report, err := h.Life.Sweep(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	log.Printf("🧹 [ADMIN] %s ran a sweep: %+v", middleware.ActorFrom(c).ID, *report)
	return c.JSON(report)
}

func (h *Handler) Reconcile(c *fiber.Ctx) error {
	results, err := h.Life.Reconcile(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"results": results})
}

func (h *Handler) ListEscalations(c *fiber.Ctx) error {
	payouts, err := h.Life.Payouts.ListEscalations(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"payouts": payouts})
}

func (h *Handler) RetryPayout(c *fiber.Ctx) error {
	payout, err := h.Life.Payouts.RetryEscalated(c.UserContext(), c.Params("claimId"), middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(payout)
}
