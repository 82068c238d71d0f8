package domain

import "time"

// TargetOwner is the literal routing target for the owner's main session.
const TargetOwner = "owner"

// MainSessionName is the canonical label of the owner's primary session.
// At most one ACTIVE session per phone number may bear it.
const MainSessionName = "main"

// MessageEnvelope is the MessageRouter's unit of work.
type MessageEnvelope struct {
	MessageID     string            `json:"message_id"`
	FromSessionID string            `json:"from_session_id,omitempty"` // empty = system-originated
	Target        string            `json:"target,omitempty"`          // "owner" or a session name
	Targets       []string          `json:"targets,omitempty"`         // broadcast target names
	GroupKey      string            `json:"group_key,omitempty"`       // broadcast group identity
	Type          MessageType       `json:"type"`
	Text          string            `json:"text"`
	Context       map[string]string `json:"context,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Status        DeliveryStatus    `json:"status"`
}

// Broadcast reports whether the envelope targets a group of sessions.
func (m *MessageEnvelope) Broadcast() bool {
	return len(m.Targets) > 0
}

// AuditRecord is the immutable log entry for one delivery attempt.
type AuditRecord struct {
	AuditID       string         `json:"audit_id"`
	MessageID     string         `json:"message_id"`
	FromSessionID string         `json:"from_session_id,omitempty"`
	Target        string         `json:"target"`
	Type          MessageType    `json:"type"`
	Status        DeliveryStatus `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Ts            time.Time      `json:"ts"`
}

// BroadcastApproval is the one-time approval gate for a broadcast group.
// Created lazily on the first broadcast attempt for a group; immutable once
// resolved unless explicitly re-opened.
type BroadcastApproval struct {
	GroupKey  string        `json:"group_key"`
	State     ApprovalState `json:"state"`
	DecidedBy string        `json:"decided_by,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	DecidedAt *time.Time    `json:"decided_at,omitempty"`
}

// SessionRecord is the persisted form of an AgentSession.
type SessionRecord struct {
	SessionID       string          `json:"session_id"`
	TransportCallID string          `json:"transport_call_id"`
	SessionName     string          `json:"session_name"`
	PhoneNumber     string          `json:"phone_number"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
	PermissionLevel PermissionLevel `json:"permission_level"`
	SessionType     SessionType     `json:"session_type"`
	Platform        Platform        `json:"platform"`
	Purpose         string          `json:"purpose,omitempty"`
	Status          SessionStatus   `json:"status"`
	CanResume       bool            `json:"can_resume"`
	Fingerprint     string          `json:"fingerprint,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
}

// TranscriptChunk is one sentence-bounded span of recognized text from a
// call, tagged with direction and call identity. Best-effort logging.
type TranscriptChunk struct {
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id"`
	Speaker   string    `json:"speaker"` // "caller" or "agent"
	Text      string    `json:"text"`
	Ts        time.Time `json:"ts"`
}

// HistoryTurn is one conversation turn inside a snapshot.
type HistoryTurn struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	Ts     time.Time `json:"ts"`
}

// Contact is a directory entry used to label unrecognized callers.
type Contact struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
}

// NormalizePhone reduces a phone number to its last ten digits for
// comparison. Formatting and country prefixes vary per provider; the
// suffix does not.
func NormalizePhone(number string) string {
	var digits []rune
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return string(digits)
}
