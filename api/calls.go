package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/callgate/domain"
)

// DialRequest asks the gateway to place an outbound call.
type DialRequest struct {
	To      string `json:"to"`
	Purpose string `json:"purpose,omitempty"`
}

// Dial places an outbound call and remembers its purpose so the media
// stream can pick it up when the callee answers.
// POST /v1/calls/dial
func (h *Handler) Dial(c echo.Context) error {
	ctx := c.Request().Context()

	var req DialRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.To == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "to is required"})
	}

	callID, err := h.provider.PlaceOutboundCall(ctx, req.To, h.config.GatewayNumber, h.config.StreamURL)
	if err != nil {
		log.Printf("ERROR: failed to place call to %s: %v", req.To, err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to place call"})
	}
	if req.Purpose != "" {
		h.sessions.RegisterPendingPurpose(callID, req.Purpose)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"call_id": callID,
	})
}

// CallStatus receives provider status callbacks and closes out sessions
// whose calls ended outside the media stream.
// POST /twilio/status
func (h *Handler) CallStatus(c echo.Context) error {
	ctx := c.Request().Context()
	callID := c.FormValue("CallSid")
	status := c.FormValue("CallStatus")
	if callID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "CallSid is required"})
	}

	switch status {
	case "completed":
		if sess, ok := h.sessions.GetSessionByTransportID(callID); ok {
			if err := h.sessions.TerminateSession(ctx, sess.SessionID, "provider reported completed"); err != nil &&
				!errors.Is(err, domain.ErrSessionNotFound) {
				log.Printf("ERROR: failed to terminate session for call %s: %v", callID, err)
			}
		}
	case "failed", "busy", "no-answer", "canceled":
		if sess, ok := h.sessions.GetSessionByTransportID(callID); ok {
			if err := h.sessions.FailSession(ctx, sess.SessionID, "provider reported "+status); err != nil &&
				!errors.Is(err, domain.ErrSessionNotFound) {
				log.Printf("ERROR: failed to fail session for call %s: %v", callID, err)
			}
		}
	}

	return c.NoContent(http.StatusOK)
}
