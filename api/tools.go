package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xiaot623/callgate/capability"
	"github.com/xiaot623/callgate/domain"
	"github.com/xiaot623/callgate/session"
)

// ToolHandler returns the executor for capability invocations coming off
// backend voice channels.
func (h *Handler) ToolHandler() session.ToolHandler {
	return func(ctx context.Context, sess *domain.AgentSession, name string, args json.RawMessage) (json.RawMessage, error) {
		switch name {
		case capability.CapCurrentTime:
			return h.toolCurrentTime()
		case capability.CapTakeMessage:
			return h.toolTakeMessage(sess, args)
		case capability.CapScheduleCallback:
			return h.toolScheduleCallback(sess, args)
		case capability.CapSendMessage:
			return h.toolSendMessage(sess, args)
		case capability.CapListSessions:
			return h.toolListSessions()
		case capability.CapSetReminder:
			return h.toolSetReminder(sess, args)
		case capability.CapLookupContact:
			return h.toolLookupContact(ctx, args)
		case capability.CapPlaceCall:
			return h.toolPlaceCall(ctx, args)
		case capability.CapBroadcast:
			return h.toolBroadcast(sess, args)
		case capability.CapEndCall:
			return h.toolEndCall(sess)
		case capability.CapWebResearch:
			return toolResult(map[string]string{"error": "research backend not configured"})
		default:
			return nil, fmt.Errorf("unknown capability %q", name)
		}
	}
}

func toolResult(v interface{}) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return out, nil
}

func (h *Handler) toolCurrentTime() (json.RawMessage, error) {
	return toolResult(map[string]string{"time": time.Now().Format(time.RFC1123)})
}

func (h *Handler) toolTakeMessage(sess *domain.AgentSession, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Text == "" {
		return nil, fmt.Errorf("take_message requires text")
	}
	h.router.Enqueue(&domain.MessageEnvelope{
		FromSessionID: sess.SessionID,
		Target:        domain.TargetOwner,
		Type:          domain.MessageTypeNotification,
		Text:          fmt.Sprintf("Message from %s (%s): %s", sess.SessionName, sess.PhoneNumber, req.Text),
	})
	return toolResult(map[string]string{"status": "queued"})
}

func (h *Handler) toolScheduleCallback(sess *domain.AgentSession, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		DelayMinutes int    `json:"delay_minutes"`
		Reason       string `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.DelayMinutes <= 0 {
		return nil, fmt.Errorf("schedule_callback requires delay_minutes > 0")
	}
	number := sess.PhoneNumber
	purpose := req.Reason
	if purpose == "" {
		purpose = "returning your earlier call"
	}
	time.AfterFunc(time.Duration(req.DelayMinutes)*time.Minute, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		callID, err := h.provider.PlaceOutboundCall(ctx, number, h.config.GatewayNumber, h.config.StreamURL)
		if err != nil {
			log.Printf("ERROR: scheduled callback to %s failed: %v", number, err)
			return
		}
		h.sessions.RegisterPendingPurpose(callID, "goal:"+number+":"+purpose)
	})
	return toolResult(map[string]interface{}{
		"status":        "scheduled",
		"delay_minutes": req.DelayMinutes,
	})
}

func (h *Handler) toolSendMessage(sess *domain.AgentSession, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Target string `json:"target"`
		Type   string `json:"type,omitempty"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Target == "" || req.Text == "" {
		return nil, fmt.Errorf("send_message requires target and text")
	}
	msgType := domain.MessageType(req.Type)
	if msgType == "" {
		msgType = domain.MessageTypeDirect
	}
	h.router.Enqueue(&domain.MessageEnvelope{
		FromSessionID: sess.SessionID,
		Target:        req.Target,
		Type:          msgType,
		Text:          req.Text,
	})
	return toolResult(map[string]string{"status": "queued"})
}

func (h *Handler) toolListSessions() (json.RawMessage, error) {
	active := h.sessions.GetActiveSessions()
	out := make([]map[string]string, len(active))
	for i, s := range active {
		out[i] = map[string]string{
			"name":   s.SessionName,
			"status": string(s.Status()),
			"type":   string(s.SessionType),
		}
	}
	return toolResult(map[string]interface{}{"sessions": out})
}

func (h *Handler) toolSetReminder(sess *domain.AgentSession, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Text         string `json:"text"`
		DelayMinutes int    `json:"delay_minutes"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.Text == "" || req.DelayMinutes <= 0 {
		return nil, fmt.Errorf("set_reminder requires text and delay_minutes > 0")
	}
	from := sess.SessionID
	time.AfterFunc(time.Duration(req.DelayMinutes)*time.Minute, func() {
		h.router.Enqueue(&domain.MessageEnvelope{
			FromSessionID: from,
			Target:        domain.TargetOwner,
			Type:          domain.MessageTypeReminder,
			Text:          req.Text,
		})
	})
	return toolResult(map[string]interface{}{
		"status":        "scheduled",
		"delay_minutes": req.DelayMinutes,
	})
}

func (h *Handler) toolLookupContact(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Name   string `json:"name,omitempty"`
		Number string `json:"number,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil || (req.Name == "" && req.Number == "") {
		return nil, fmt.Errorf("lookup_contact requires name or number")
	}

	var contact *domain.Contact
	var err error
	if req.Number != "" {
		contact, err = h.store.LookupContact(ctx, req.Number)
	} else {
		contact, err = h.store.FindContactByName(ctx, req.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("contact lookup failed: %w", err)
	}
	if contact == nil {
		return toolResult(map[string]bool{"found": false})
	}
	return toolResult(map[string]interface{}{
		"found":  true,
		"name":   contact.Name,
		"number": contact.PhoneNumber,
	})
}

func (h *Handler) toolPlaceCall(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		To      string `json:"to,omitempty"`
		Contact string `json:"contact,omitempty"`
		Goal    string `json:"goal"`
	}
	if err := json.Unmarshal(args, &req); err != nil || (req.To == "" && req.Contact == "") || req.Goal == "" {
		return nil, fmt.Errorf("place_call requires to or contact, and goal")
	}

	number := req.To
	label := req.Contact
	if number == "" {
		contact, err := h.store.FindContactByName(ctx, req.Contact)
		if err != nil {
			return nil, fmt.Errorf("contact lookup failed: %w", err)
		}
		if contact == nil {
			return toolResult(map[string]string{"error": "contact not found: " + req.Contact})
		}
		number = contact.PhoneNumber
		label = contact.Name
	}
	if label == "" {
		label = number
	}

	callID, err := h.provider.PlaceOutboundCall(ctx, number, h.config.GatewayNumber, h.config.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to place call: %w", err)
	}
	h.sessions.RegisterPendingPurpose(callID, "goal:"+label+":"+req.Goal)
	return toolResult(map[string]string{
		"status":  "dialing",
		"call_id": callID,
	})
}

func (h *Handler) toolBroadcast(sess *domain.AgentSession, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Targets []string `json:"targets"`
		Text    string   `json:"text"`
	}
	if err := json.Unmarshal(args, &req); err != nil || len(req.Targets) == 0 || req.Text == "" {
		return nil, fmt.Errorf("broadcast_message requires targets and text")
	}
	for i, t := range req.Targets {
		req.Targets[i] = strings.TrimSpace(t)
	}
	h.router.Enqueue(&domain.MessageEnvelope{
		FromSessionID: sess.SessionID,
		Targets:       req.Targets,
		Type:          domain.MessageTypeBroadcast,
		Text:          req.Text,
	})
	return toolResult(map[string]string{"status": "queued"})
}

// toolEndCall completes the session shortly after the tool result is
// acknowledged so the closing phrase still reaches the caller.
func (h *Handler) toolEndCall(sess *domain.AgentSession) (json.RawMessage, error) {
	id := sess.SessionID
	time.AfterFunc(2*time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.sessions.TerminateSession(ctx, id, "agent ended call"); err != nil {
			log.Printf("ERROR: failed to end call for session %s: %v", id, err)
		}
	})
	return toolResult(map[string]string{"status": "ending"})
}
