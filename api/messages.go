package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/callgate/domain"
)

// MessageRequest enqueues a system-originated envelope.
type MessageRequest struct {
	Target  string   `json:"target,omitempty"`
	Targets []string `json:"targets,omitempty"`
	Type    string   `json:"type,omitempty"`
	Text    string   `json:"text"`
}

// PostMessage enqueues a message for routing.
// POST /v1/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}
	if req.Target == "" && len(req.Targets) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "target or targets is required"})
	}

	msgType := domain.MessageType(req.Type)
	if msgType == "" {
		msgType = domain.MessageTypeNotification
	}

	env := &domain.MessageEnvelope{
		Target:    req.Target,
		Targets:   req.Targets,
		Type:      msgType,
		Text:      req.Text,
		CreatedAt: time.Now().UTC(),
	}
	h.router.Enqueue(env)

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message_id": env.MessageID,
	})
}

// DecideRequest records the owner's verdict on a broadcast group.
type DecideRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// DecideGroup approves or denies a broadcast group.
// POST /v1/groups/:group/decide
func (h *Handler) DecideGroup(c echo.Context) error {
	ctx := c.Request().Context()
	group := c.Param("group")

	var req DecideRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	var approved bool
	switch req.Decision {
	case "approve":
		approved = true
	case "deny":
		approved = false
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "decision must be approve or deny"})
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = domain.TargetOwner
	}

	if err := h.router.DecideGroup(ctx, group, approved, decidedBy); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to record decision"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"group":    group,
		"approved": approved,
	})
}
