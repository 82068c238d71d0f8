package domain

import (
	"fmt"
	"sync"
	"time"
)

// Transport is the physical media connection a session is bound to. The
// session never owns it; the bridge does. It is set on create/resume and
// cleared on suspend/terminate.
type Transport interface {
	// ID returns the transport call identifier.
	ID() string
	// Close tears down the media connection.
	Close() error
}

// VoiceChannel is the backend conversation channel a session owns while
// ACTIVE. The full contract (audio, callbacks) lives in the backend package;
// this is the narrow surface the registry and router need.
type VoiceChannel interface {
	SendText(text string, endOfTurn bool) error
	IsConnected() bool
	Disconnect() error
}

// Confirmation is an outstanding yes/no request awaiting the owner's reply.
type Confirmation struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	FromName  string    `json:"from_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LifecycleEvent describes one observed session state transition.
type LifecycleEvent struct {
	Type      LifecycleEventType
	SessionID string
	Status    SessionStatus
	Reason    string
	Ts        time.Time
}

// LifecycleFunc observes session transitions. It must not block; transitions
// themselves perform no I/O, persistence is the caller's job.
type LifecycleFunc func(LifecycleEvent)

// AgentSession is one logical call/conversation.
type AgentSession struct {
	SessionID       string          `json:"session_id"`
	SessionName     string          `json:"session_name"`
	PhoneNumber     string          `json:"phone_number"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
	PermissionLevel PermissionLevel `json:"permission_level"`
	SessionType     SessionType     `json:"session_type"`
	Platform        Platform        `json:"platform"`
	Purpose         string          `json:"purpose,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	mu              sync.RWMutex
	transportCallID string
	status          SessionStatus
	completedAt     time.Time
	lastActivityAt  time.Time
	canResume       bool
	transport       Transport
	channel         VoiceChannel
	pending         []Confirmation
	onLifecycle     LifecycleFunc
}

// NewAgentSession creates a session in CONNECTING state.
func NewAgentSession(sessionID, transportCallID, phoneNumber string) *AgentSession {
	now := time.Now()
	return &AgentSession{
		SessionID:       sessionID,
		PhoneNumber:     phoneNumber,
		CreatedAt:       now,
		transportCallID: transportCallID,
		status:          SessionStatusConnecting,
		lastActivityAt:  now,
	}
}

// OnLifecycle sets the transition observer.
func (s *AgentSession) OnLifecycle(fn LifecycleFunc) {
	s.mu.Lock()
	s.onLifecycle = fn
	s.mu.Unlock()
}

// Status returns the current lifecycle state.
func (s *AgentSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// TransportCallID returns the current physical call identifier. It changes
// across resume; SessionID never does.
func (s *AgentSession) TransportCallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transportCallID
}

// CanResume reports whether a suspended session may be resumed.
func (s *AgentSession) CanResume() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canResume
}

// CompletedAt returns the completion timestamp, zero if not terminal.
func (s *AgentSession) CompletedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completedAt
}

// LastActivityAt returns the last activity timestamp.
func (s *AgentSession) LastActivityAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivityAt
}

// Touch stamps the last-activity time.
func (s *AgentSession) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// Transport returns the bound media transport, nil when detached.
func (s *AgentSession) Transport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Channel returns the backend voice channel, nil when detached.
func (s *AgentSession) Channel() VoiceChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

// AttachChannel binds the backend voice channel. The session owns it
// exclusively while ACTIVE.
func (s *AgentSession) AttachChannel(ch VoiceChannel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

// AddConfirmation records an outstanding yes/no request for the owner.
func (s *AgentSession) AddConfirmation(c Confirmation) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
}

// TakeConfirmation removes and returns the oldest pending confirmation.
func (s *AgentSession) TakeConfirmation() (Confirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Confirmation{}, false
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, true
}

// PendingConfirmations returns a copy of the outstanding requests.
func (s *AgentSession) PendingConfirmations() []Confirmation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Confirmation, len(s.pending))
	copy(out, s.pending)
	return out
}

// Activate transitions CONNECTING -> ACTIVE and binds the transport.
func (s *AgentSession) Activate(tr Transport) error {
	s.mu.Lock()
	if s.status != SessionStatusConnecting {
		s.mu.Unlock()
		return fmt.Errorf("activate from %s: %w", s.status, ErrInvalidTransition)
	}
	s.status = SessionStatusActive
	s.transport = tr
	s.lastActivityAt = time.Now()
	fn := s.onLifecycle
	s.mu.Unlock()

	s.emit(fn, LifecycleActivated, "")
	return nil
}

// Suspend transitions ACTIVE -> SUSPENDED, marks the session resumable and
// detaches the transport reference.
func (s *AgentSession) Suspend() error {
	s.mu.Lock()
	if s.status != SessionStatusActive {
		s.mu.Unlock()
		return fmt.Errorf("suspend from %s: %w", s.status, ErrInvalidTransition)
	}
	s.status = SessionStatusSuspended
	s.canResume = true
	s.lastActivityAt = time.Now()
	s.transport = nil
	fn := s.onLifecycle
	s.mu.Unlock()

	s.emit(fn, LifecycleSuspended, "")
	return nil
}

// Resume transitions SUSPENDED -> ACTIVE, rebinding the transport fields.
// A nil transport is an informational resume without live media.
func (s *AgentSession) Resume(newTransportCallID string, tr Transport) error {
	s.mu.Lock()
	if s.status != SessionStatusSuspended {
		s.mu.Unlock()
		return fmt.Errorf("resume from %s: %w", s.status, ErrInvalidTransition)
	}
	s.status = SessionStatusActive
	if newTransportCallID != "" {
		s.transportCallID = newTransportCallID
	}
	s.transport = tr
	s.canResume = false
	s.lastActivityAt = time.Now()
	fn := s.onLifecycle
	s.mu.Unlock()

	s.emit(fn, LifecycleResumed, "")
	return nil
}

// Complete transitions ACTIVE -> COMPLETED.
func (s *AgentSession) Complete() error {
	s.mu.Lock()
	if s.status != SessionStatusActive {
		s.mu.Unlock()
		return fmt.Errorf("complete from %s: %w", s.status, ErrInvalidTransition)
	}
	s.terminateLocked(SessionStatusCompleted)
	fn := s.onLifecycle
	s.mu.Unlock()

	s.emit(fn, LifecycleCompleted, "")
	return nil
}

// Fail transitions ACTIVE|CONNECTING -> FAILED.
func (s *AgentSession) Fail(reason string) error {
	s.mu.Lock()
	if s.status != SessionStatusActive && s.status != SessionStatusConnecting {
		s.mu.Unlock()
		return fmt.Errorf("fail from %s: %w", s.status, ErrInvalidTransition)
	}
	s.terminateLocked(SessionStatusFailed)
	fn := s.onLifecycle
	s.mu.Unlock()

	s.emit(fn, LifecycleFailed, reason)
	return nil
}

func (s *AgentSession) terminateLocked(final SessionStatus) {
	now := time.Now()
	s.status = final
	s.completedAt = now
	s.lastActivityAt = now
	s.canResume = false
	s.transport = nil
}

func (s *AgentSession) emit(fn LifecycleFunc, t LifecycleEventType, reason string) {
	if fn == nil {
		return
	}
	fn(LifecycleEvent{
		Type:      t,
		SessionID: s.SessionID,
		Status:    s.Status(),
		Reason:    reason,
		Ts:        time.Now(),
	})
}
