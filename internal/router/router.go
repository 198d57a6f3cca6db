package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-booking/internal/handler"
	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
)

// RoleAdmin is the JWT role allowed on /admin routes.
const RoleAdmin = "ADMIN"

// RegisterRoutes registers the liveness check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterPublic registers the unauthenticated catalogue. cache wraps the
// show listings only; seat occupancy is always read fresh.
func RegisterPublic(e *echo.Echo, h *handler.ShowHandler, cache echo.MiddlewareFunc) {
	e.GET("/shows", h.List, cache)
	e.GET("/shows/:id", h.Get, cache)
	e.GET("/shows/:id/occupied-seats", h.OccupiedSeats)
}

// RegisterBooking registers the holder's booking routes. Every route needs
// a valid access token; creating a booking is also rate limited.
func RegisterBooking(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group("/bookings", middleware.JWTAuth(jwtSecret))
	g.POST("", h.Create, limit)
	g.GET("/mine", h.Mine)
	g.POST("/:id/regenerate-payment", h.Regenerate, limit)
}

// RegisterAdmin registers operator routes behind the ADMIN role.
func RegisterAdmin(e *echo.Echo, h *handler.ShowHandler, jwtSecret string) {
	g := e.Group("/admin", middleware.JWTAuth(jwtSecret), middleware.RequireRole(RoleAdmin))
	g.POST("/shows", h.Create)
	g.POST("/shows/:id/release", h.Release)
}

// RegisterWebhook registers the payment provider callback. It carries no
// JWT; the handler verifies the provider's signature instead.
func RegisterWebhook(e *echo.Echo, h *handler.WebhookHandler) {
	e.POST("/payments/webhook", h.Stripe)
}
