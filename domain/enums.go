// Package domain defines the core domain models for the gateway.
package domain

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusConnecting SessionStatus = "CONNECTING"
	SessionStatusActive     SessionStatus = "ACTIVE"
	SessionStatusSuspended  SessionStatus = "SUSPENDED"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusFailed     SessionStatus = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// PermissionLevel controls which capabilities a session may invoke.
type PermissionLevel string

const (
	PermissionFull    PermissionLevel = "FULL"
	PermissionLimited PermissionLevel = "LIMITED"
)

// SessionType classifies how a session came to exist.
type SessionType string

const (
	SessionTypeInboundOwner   SessionType = "INBOUND_OWNER"
	SessionTypeInboundUnknown SessionType = "INBOUND_UNKNOWN"
	SessionTypeOutboundGoal   SessionType = "OUTBOUND_GOAL"
)

// Platform identifies the medium that carries a session.
type Platform string

const (
	PlatformCall       Platform = "call"
	PlatformText       Platform = "text"
	PlatformAutomation Platform = "automation"
)

// MessageType represents the kind of a routed message.
type MessageType string

const (
	MessageTypeDirect              MessageType = "direct"
	MessageTypeConfirmationRequest MessageType = "confirmation_request"
	MessageTypeUpdate              MessageType = "update"
	MessageTypeNotification        MessageType = "notification"
	MessageTypeReminder            MessageType = "reminder"
	MessageTypeBroadcast           MessageType = "broadcast"
	MessageTypeBroadcastApproval   MessageType = "broadcast_approval_request"
	MessageTypeCompletionReport    MessageType = "call_completion_report"
)

// DeliveryStatus represents the outcome of one routed message.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliveryDelivered      DeliveryStatus = "delivered"
	DeliveryViaFallback    DeliveryStatus = "delivered_via_fallback"
	DeliveryFailed         DeliveryStatus = "failed"
	DeliveryTargetNotFound DeliveryStatus = "failed_target_not_found"
)

// ApprovalState represents the decision state of a broadcast group.
type ApprovalState string

const (
	ApprovalUnapproved ApprovalState = "UNAPPROVED"
	ApprovalApproved   ApprovalState = "APPROVED"
	ApprovalDenied     ApprovalState = "DENIED"
)

// LifecycleEventType identifies a session state transition.
type LifecycleEventType string

const (
	LifecycleActivated LifecycleEventType = "session_activated"
	LifecycleSuspended LifecycleEventType = "session_suspended"
	LifecycleResumed   LifecycleEventType = "session_resumed"
	LifecycleCompleted LifecycleEventType = "session_completed"
	LifecycleFailed    LifecycleEventType = "session_failed"
)
