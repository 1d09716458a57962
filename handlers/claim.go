package handlers

import (
	"fmt"
	"strings"

	"sign-bounty-system/middleware"
	"sign-bounty-system/models"

	"github.com/gofiber/fiber/v2"
)

func (h *Handler) ClaimReport(c *fiber.Ctx) error {
	claim, err := h.Life.Claims.Claim(c.UserContext(), c.Params("id"), middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(claim)
}

func (h *Handler) ReleaseClaim(c *fiber.Ctx) error {
	claim, err := h.Life.Claims.Release(c.UserContext(), c.Params("id"), middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(claim)
}

type verifyRequest struct {
	ProofRef string `json:"proof_ref"`
}

// VerifyClaim accepts either a multipart "proof" photo or a JSON proof_ref
// pointing at an already stored photo.
func (h *Handler) VerifyClaim(c *fiber.Ctx) error {
	ctx := c.UserContext()
	actor := middleware.ActorFrom(c)
	claimID := c.Params("id")

	var proofRef string
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		// Ownership is checked before anything is written to storage.
		claim, err := h.Life.Claims.GetClaim(ctx, claimID)
		if err != nil {
			return respondError(c, err)
		}
		if claim.WorkerID != actor.ID {
			return respondError(c, fmt.Errorf("%w: claim %s belongs to another worker", models.ErrAuthorization, claimID))
		}
		if h.Proofs == nil {
			return badRequest(c, "photo uploads are not enabled, send proof_ref", nil)
		}
		fileHeader, err := c.FormFile("proof")
		if err != nil {
			return badRequest(c, "missing proof photo", err)
		}
		if proofRef, err = h.Proofs.SaveProof(ctx, claimID, fileHeader); err != nil {
			return respondError(c, err)
		}
	} else {
		var req verifyRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		proofRef = req.ProofRef
	}

	payout, err := h.Life.Payouts.Verify(ctx, claimID, actor, proofRef)
	if err != nil {
		return respondError(c, err)
	}
	claim, err := h.Life.Claims.GetClaim(ctx, claimID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"claim":  claim,
		"payout": payout,
	})
}

func (h *Handler) ListWorkerClaims(c *fiber.Ctx) error {
	var statuses []models.ClaimStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, models.ClaimStatus(strings.ToLower(s)))
			}
		}
	}
	claims, err := h.Life.Claims.ListWorkerClaims(c.UserContext(), middleware.ActorFrom(c).ID, statuses...)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"claims": claims})
}

func (h *Handler) WorkerEarnings(c *fiber.Ctx) error {
	earnings, err := h.Life.Payouts.WorkerEarnings(c.UserContext(), middleware.ActorFrom(c).ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(earnings)
}
