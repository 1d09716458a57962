package handlers

import (
	"sign-bounty-system/middleware"
	"sign-bounty-system/models"
	"sign-bounty-system/services"
	"sign-bounty-system/utils"

	"github.com/gofiber/fiber/v2"
)

// Handler serves the HTTP API over the lifecycle services.
type Handler struct {
	Life   *services.Lifecycle
	Proofs utils.ProofStorage
}

// SetupRoutes registers every route. ReportLimiter guards public intake and
// may be nil.
func SetupRoutes(app *fiber.App, h *Handler, reportLimiter middleware.Limiter) {
	app.Use(middleware.UserContextMiddleware())

	// 🔓 Public: QR landing and intake
	intake := []fiber.Handler{h.SubmitReport}
	if reportLimiter != nil {
		intake = append([]fiber.Handler{middleware.RateLimit(reportLimiter, nil)}, intake...)
	}
	app.Get("/public/campaigns/:code", h.GetPublicCampaign)
	app.Post("/public/campaigns/:code/reports", intake...)

	// 🔐 Owners
	ownerOnly := middleware.RequireRole(models.RoleOwner)
	app.Post("/campaigns", ownerOnly, h.CreateCampaign)
	app.Get("/campaigns", ownerOnly, h.ListCampaigns)
	app.Get("/campaigns/:id", ownerOnly, h.GetCampaign)
	app.Patch("/campaigns/:id/status", ownerOnly, h.SetCampaignStatus)
	app.Post("/campaigns/:id/deployments", ownerOnly, h.RecordDeployment)
	app.Get("/campaigns/:id/stats", ownerOnly, h.GetCampaignStats)
	app.Get("/owner/overview", ownerOnly, h.OwnerOverview)

	// 🔐 Workers
	workerOnly := middleware.RequireRole(models.RoleWorker)
	app.Get("/bounties", workerOnly, h.ListBounties)
	app.Post("/reports/:id/claim", workerOnly, h.ClaimReport)
	app.Post("/claims/:id/release", workerOnly, h.ReleaseClaim)
	app.Post("/claims/:id/verify", workerOnly, h.VerifyClaim)
	app.Get("/worker/claims", workerOnly, h.ListWorkerClaims)
	app.Get("/worker/earnings", workerOnly, h.WorkerEarnings)

	// 🔐 Operators
	admin := app.Group("/admin", middleware.RequireRole(models.RoleAdmin))
	admin.Post("/sweep", h.Sweep)
	admin.Post("/reconcile", h.Reconcile)
	admin.Get("/payouts/escalations", h.ListEscalations)
	admin.Post("/payouts/:claimId/retry", h.RetryPayout)
}
