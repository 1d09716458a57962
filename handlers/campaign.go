package handlers

import (
	"strings"

	"sign-bounty-system/middleware"
	"sign-bounty-system/models"
	"sign-bounty-system/services"

	"github.com/gofiber/fiber/v2"
)

// publicCampaign is what a QR scan reveals about a campaign.
type publicCampaign struct {
	Code             string                `json:"code"`
	Name             string                `json:"name"`
	Description      string                `json:"description,omitempty"`
	BountyAmount     int64                 `json:"bounty_amount"`
	Status           models.CampaignStatus `json:"status"`
	AcceptingReports bool                  `json:"accepting_reports"`
}

func (h *Handler) GetPublicCampaign(c *fiber.Ctx) error {
	campaign, err := h.Life.Campaigns.GetCampaignByCode(c.UserContext(), c.Params("code"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(publicCampaign{
		Code:             campaign.Code,
		Name:             campaign.Name,
		Description:      campaign.Description,
		BountyAmount:     campaign.BountyAmount,
		Status:           campaign.Status,
		AcceptingReports: campaign.Status == models.CampaignActive,
	})
}

func (h *Handler) CreateCampaign(c *fiber.Ctx) error {
	var req services.CreateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON", err)
	}
	campaign, err := h.Life.Campaigns.CreateCampaign(c.UserContext(), middleware.ActorFrom(c), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(campaign)
}

func (h *Handler) ListCampaigns(c *fiber.Ctx) error {
	actor := middleware.ActorFrom(c)
	ownerID := actor.ID
	if actor.IsAdmin() {
		ownerID = c.Query("owner_id")
	}
	campaigns, err := h.Life.Campaigns.ListCampaigns(c.UserContext(), ownerID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"campaigns": campaigns})
}

func (h *Handler) GetCampaign(c *fiber.Ctx) error {
	campaign, err := h.Life.Campaigns.OwnedCampaign(c.UserContext(), middleware.ActorFrom(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(campaign)
}

type setStatusRequest struct {
	Status models.CampaignStatus `json:"status"`
}

func (h *Handler) SetCampaignStatus(c *fiber.Ctx) error {
	var req setStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON", err)
	}
	status := models.CampaignStatus(strings.ToLower(strings.TrimSpace(string(req.Status))))
	campaign, err := h.Life.Campaigns.SetStatus(c.UserContext(), c.Params("id"), status, middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(campaign)
}

type deploymentRequest struct {
	Count int64  `json:"count"`
	Note  string `json:"note,omitempty"`
}

func (h *Handler) RecordDeployment(c *fiber.Ctx) error {
	var req deploymentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON", err)
	}
	d, err := h.Life.Campaigns.RecordDeployment(c.UserContext(), middleware.ActorFrom(c), c.Params("id"), req.Count, req.Note)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (h *Handler) GetCampaignStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	campaign, err := h.Life.Campaigns.OwnedCampaign(ctx, middleware.ActorFrom(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	stats, err := h.Life.Campaigns.GetStats(ctx, campaign.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

func (h *Handler) OwnerOverview(c *fiber.Ctx) error {
	overview, err := h.Life.Campaigns.OwnerOverview(c.UserContext(), middleware.ActorFrom(c).ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(overview)
}
