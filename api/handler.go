// Package api provides the HTTP control plane for the gateway.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/callgate/bridge"
	"github.com/xiaot623/callgate/config"
	"github.com/xiaot623/callgate/router"
	"github.com/xiaot623/callgate/session"
	"github.com/xiaot623/callgate/store"
	"github.com/xiaot623/callgate/telephony"
)

// Handler handles HTTP requests and executes session capabilities.
type Handler struct {
	sessions *session.Manager
	router   *router.Router
	provider telephony.Provider
	bridge   *bridge.Bridge
	store    store.Store
	config   *config.Config
}

// NewHandler creates a new handler.
func NewHandler(sessions *session.Manager, rt *router.Router, provider telephony.Provider, br *bridge.Bridge, st store.Store, cfg *config.Config) *Handler {
	return &Handler{
		sessions: sessions,
		router:   rt,
		provider: provider,
		bridge:   br,
		store:    st,
		config:   cfg,
	}
}

// RegisterPublicRoutes registers the routes the telephony provider calls.
func (h *Handler) RegisterPublicRoutes(e *echo.Echo) {
	e.GET("/media-stream", h.MediaStream)
	e.POST("/twilio/status", h.CallStatus)
	e.GET("/health", h.Health)
}

// RegisterControlRoutes registers the operator-facing control API.
func (h *Handler) RegisterControlRoutes(e *echo.Echo) {
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.POST("/v1/calls/dial", h.Dial)
	e.POST("/v1/groups/:group/decide", h.DecideGroup)
	e.POST("/v1/messages", h.PostMessage)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// MediaStream hands the connection to the audio bridge.
// GET /media-stream
func (h *Handler) MediaStream(c echo.Context) error {
	return h.bridge.HandleMediaStream(c)
}
