// handlers/claim.go
package handlers

import (
	"claim-processor/middleware"
	"claim-processor/services"

	"github.com/gofiber/fiber/v2"
)

func SetupClaimRoutes(app *fiber.App, claimService *services.ClaimService) {
	// 🔓 Liveness — still behind Gateway auth like everything else
	app.Get("/healthz", claimService.HandleHealth)

	// Claim status lookup polled by the product UI
	app.Get("/claims/status", claimService.HandleClaimStatus)

	// Claim submission. Web callers additionally carry X-Session-Token,
	// resolved by the session middleware before the handler runs.
	claims := app.Group("/claims", middleware.SessionContextMiddleware(claimService.Identity))
	claims.Post("/", claimService.HandleClaim)
	claims.Post("/web", claimService.HandleClaim)
}
