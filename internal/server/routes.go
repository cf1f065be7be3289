package server

import (
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/dmsync/internal/handlers"
	"github.com/nfrund/dmsync/internal/middleware"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Clients int    `json:"clients"`
}

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	conversations := handlers.NewConversationHandler(s.deps.Directory, s.deps.Store)
	requests := handlers.NewChatRequestHandler(s.deps.ChatRequests)
	presenceHandler := handlers.NewPresenceHandler(s.deps.Presence)
	rateLimiter := middleware.RateLimiter(requestRateLimit)

	s.E.GET("/health", s.health)
	s.E.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: s.deps.Gatherer,
	}))

	api := s.E.Group("/api")
	api.POST("/conversations", conversations.Create, rateLimiter)
	api.GET("/conversations", conversations.List)
	api.GET("/conversations/:id/messages", conversations.Messages)
	api.GET("/conversations/:id/presence", presenceHandler.GetPresence)

	api.POST("/requests", requests.Create, rateLimiter)
	api.GET("/requests/:id", requests.Get)
	api.POST("/requests/:id/accept", requests.Accept, rateLimiter)
	api.POST("/requests/:id/reject", requests.Reject, rateLimiter)

	if s.deps.Bridge != nil {
		s.E.GET("/ws/conversations/:id", s.deps.Bridge.Handler())
	}
}

func (s *Server) health(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.Cfg != nil {
		resp.Backend = s.Cfg.GetStoreBackend()
	}
	if s.deps.Bridge != nil {
		resp.Clients = s.deps.Bridge.Count()
	}
	if s.deps.DB != nil && !s.deps.DB.IsHealthy() {
		resp.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
