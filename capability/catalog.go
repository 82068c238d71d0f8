// Package capability defines the capability catalog and permission filtering.
package capability

import "encoding/json"

// Capability is one named operation a session may invoke through its backend
// voice channel.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Catalog is the full set of capabilities before permission filtering.
type Catalog []Capability

// Names returns the capability names in catalog order.
func (c Catalog) Names() []string {
	out := make([]string, len(c))
	for i, cap := range c {
		out[i] = cap.Name
	}
	return out
}

// Capability names used across the gateway.
const (
	CapCurrentTime      = "current_time"
	CapTakeMessage      = "take_message"
	CapScheduleCallback = "schedule_callback"
	CapSendMessage      = "send_message"
	CapListSessions     = "list_sessions"
	CapSetReminder      = "set_reminder"
	CapLookupContact    = "lookup_contact"
	CapPlaceCall        = "place_call"
	CapBroadcast        = "broadcast_message"
	CapEndCall          = "end_call"
	CapWebResearch      = "web_research"
)

// DefaultCatalog returns the built-in capability set offered to sessions
// before filtering.
func DefaultCatalog() Catalog {
	return Catalog{
		{Name: CapCurrentTime, Description: "Report the current date and time."},
		{Name: CapTakeMessage, Description: "Take a message for the owner and queue it for delivery."},
		{Name: CapScheduleCallback, Description: "Schedule a callback to the caller at a requested time."},
		{Name: CapSendMessage, Description: "Send a direct message to another active session by name."},
		{Name: CapListSessions, Description: "List the currently active sessions."},
		{Name: CapSetReminder, Description: "Create a reminder for the owner."},
		{Name: CapLookupContact, Description: "Look up a contact by name or number."},
		{Name: CapPlaceCall, Description: "Place an outbound call with a stated goal."},
		{Name: CapBroadcast, Description: "Broadcast a message to a named group of sessions."},
		{Name: CapEndCall, Description: "End the current call."},
		{Name: CapWebResearch, Description: "Research a question on the web and summarize."},
	}
}
