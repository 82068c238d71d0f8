package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/callgate/domain"
)

type sessionView struct {
	SessionID       string                 `json:"session_id"`
	SessionName     string                 `json:"session_name"`
	TransportCallID string                 `json:"transport_call_id,omitempty"`
	PhoneNumber     string                 `json:"phone_number"`
	PermissionLevel domain.PermissionLevel `json:"permission_level"`
	SessionType     domain.SessionType     `json:"session_type"`
	Platform        domain.Platform        `json:"platform"`
	Status          domain.SessionStatus   `json:"status"`
	Purpose         string                 `json:"purpose,omitempty"`
	LastActivityAt  time.Time              `json:"last_activity_at"`
}

func viewOf(s *domain.AgentSession) sessionView {
	return sessionView{
		SessionID:       s.SessionID,
		SessionName:     s.SessionName,
		TransportCallID: s.TransportCallID(),
		PhoneNumber:     s.PhoneNumber,
		PermissionLevel: s.PermissionLevel,
		SessionType:     s.SessionType,
		Platform:        s.Platform,
		Status:          s.Status(),
		Purpose:         s.Purpose,
		LastActivityAt:  s.LastActivityAt(),
	}
}

// ListSessions lists sessions that have not reached a terminal state.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	active := h.sessions.GetActiveSessions()
	views := make([]sessionView, len(active))
	for i, s := range active {
		views[i] = viewOf(s)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": views,
	})
}

// GetSession returns one session by ID.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	sess, ok := h.sessions.GetSession(c.Param("session_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, viewOf(sess))
}
