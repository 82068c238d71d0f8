// Package session implements the authoritative registry and lifecycle
// management for call sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/callgate/backend"
	"github.com/xiaot623/callgate/capability"
	"github.com/xiaot623/callgate/domain"
	"github.com/xiaot623/callgate/store"
)

// Router is the surface the manager needs from the message router. Wired in
// the composition step after both services are constructed.
type Router interface {
	Enqueue(env *domain.MessageEnvelope)
	SessionStarted(sess *domain.AgentSession)
	SessionEnded(sessionID string)
}

// ToolHandler executes one capability invocation. The originating session is
// threaded through explicitly; handlers never own it.
type ToolHandler func(ctx context.Context, sess *domain.AgentSession, name string, args json.RawMessage) (json.RawMessage, error)

// Options configures the manager.
type Options struct {
	OwnerNumber       string
	MaxActiveSessions int
	IdleTimeout       time.Duration
	HistoryReplayCap  int
	Instructions      string
	Voice             string
}

// CreateParams are the inputs to CreateSession.
type CreateParams struct {
	TransportCallID string
	PhoneNumber     string
	Transport       domain.Transport
	Purpose         string
	ParentSessionID string
	Platform        domain.Platform
}

// Manager owns every AgentSession. All mutation of the registry happens
// under one manager-scoped lock; sessions themselves are mutated only
// through their own transition methods.
type Manager struct {
	mu             sync.Mutex
	byID           map[string]*domain.AgentSession
	byCall         map[string]*domain.AgentSession
	byPhone        map[string][]*domain.AgentSession
	fingerprints   map[string]string
	pendingPurpose map[string]string
	monitors       map[string]chan struct{}

	store     store.Store
	connector backend.Connector
	catalog   capability.Catalog
	opts      Options

	router      Router
	toolHandler ToolHandler
}

// NewManager creates a session manager.
func NewManager(st store.Store, connector backend.Connector, catalog capability.Catalog, opts Options) *Manager {
	if opts.MaxActiveSessions <= 0 {
		opts.MaxActiveSessions = 8
	}
	if opts.HistoryReplayCap <= 0 {
		opts.HistoryReplayCap = 20
	}
	return &Manager{
		byID:           make(map[string]*domain.AgentSession),
		byCall:         make(map[string]*domain.AgentSession),
		byPhone:        make(map[string][]*domain.AgentSession),
		fingerprints:   make(map[string]string),
		pendingPurpose: make(map[string]string),
		monitors:       make(map[string]chan struct{}),
		store:          st,
		connector:      connector,
		catalog:        catalog,
		opts:           opts,
	}
}

// SetRouter wires the message router. Part of the startup composition step.
func (m *Manager) SetRouter(r Router) {
	m.mu.Lock()
	m.router = r
	m.mu.Unlock()
}

// SetToolHandler wires the capability handler invoked by backend tool calls.
func (m *Manager) SetToolHandler(h ToolHandler) {
	m.mu.Lock()
	m.toolHandler = h
	m.mu.Unlock()
}

// RegisterPendingPurpose records the goal text for an outbound call that has
// been placed but whose media stream has not arrived yet.
func (m *Manager) RegisterPendingPurpose(transportCallID, purpose string) {
	m.mu.Lock()
	m.pendingPurpose[transportCallID] = purpose
	m.mu.Unlock()
}

// TakePendingPurpose consumes a registered purpose for a call.
func (m *Manager) TakePendingPurpose(transportCallID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pendingPurpose[transportCallID]
	delete(m.pendingPurpose, transportCallID)
	return p
}

// Authenticate derives the permission level for a caller by comparing the
// normalized last-ten-digit suffix against the configured owner number.
func (m *Manager) Authenticate(phoneNumber string) domain.PermissionLevel {
	if m.opts.OwnerNumber != "" && normalizeNumber(phoneNumber) == normalizeNumber(m.opts.OwnerNumber) {
		return domain.PermissionFull
	}
	return domain.PermissionLimited
}

// CreateSession authenticates the caller and either resumes a suspended main
// session or registers a fresh one. Serialized with terminate/suspend/resume
// under the manager lock.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*domain.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCountLocked() >= m.opts.MaxActiveSessions {
		return nil, fmt.Errorf("%d active sessions: %w", m.activeCountLocked(), domain.ErrCapacityExceeded)
	}

	level := m.Authenticate(p.PhoneNumber)

	// An owner calling back resumes their suspended main session instead of
	// starting over.
	if level == domain.PermissionFull {
		if rec, err := m.store.FindResumableMain(ctx, p.PhoneNumber); err == nil && rec != nil {
			if sess, ok := m.byID[rec.SessionID]; ok && sess.Status() == domain.SessionStatusSuspended {
				if err := m.resumeLocked(ctx, sess, p.TransportCallID, p.Transport); err != nil {
					return nil, err
				}
				return sess, nil
			}
		}
	}

	name, sessType := m.deriveNameLocked(ctx, p, level)

	caps := capability.Filter(m.catalog, level)
	instructions := m.opts.Instructions
	if preamble := capability.RestrictionPreamble(level); preamble != "" {
		instructions = instructions + "\n\n" + preamble
	}

	ch, err := m.connector.Connect(ctx, backend.ChannelConfig{
		Capabilities: caps,
		Instructions: instructions,
		Voice:        m.opts.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open backend channel: %w", err)
	}

	sess := domain.NewAgentSession("sess_"+uuid.New().String()[:8], p.TransportCallID, p.PhoneNumber)
	sess.SessionName = name
	sess.ParentSessionID = p.ParentSessionID
	sess.PermissionLevel = level
	sess.SessionType = sessType
	sess.Platform = p.Platform
	if sess.Platform == "" {
		sess.Platform = domain.PlatformCall
	}
	sess.Purpose = p.Purpose
	sess.OnLifecycle(logLifecycle)
	sess.AttachChannel(ch)
	m.bindToolCalls(sess, ch)

	if err := sess.Activate(p.Transport); err != nil {
		_ = ch.Disconnect()
		return nil, err
	}

	m.registerLocked(sess)

	if err := m.store.CreateSession(ctx, recordOf(sess)); err != nil {
		m.unregisterLocked(sess)
		_ = ch.Disconnect()
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	// Best effort: a failure here must not abort creation.
	if fp := fingerprint(name); fp != "" {
		m.fingerprints[sess.SessionID] = fp
	}

	if m.router != nil {
		m.router.SessionStarted(sess)
	}

	if sess.Platform != domain.PlatformCall && m.opts.IdleTimeout > 0 {
		m.startIdleMonitorLocked(sess)
	}

	log.Printf("Session created: %s name=%q phone=%s level=%s type=%s",
		sess.SessionID, name, p.PhoneNumber, level, sessType)
	return sess, nil
}

// deriveNameLocked resolves the session name and type per the purpose string,
// permission level and current registry state.
func (m *Manager) deriveNameLocked(ctx context.Context, p CreateParams, level domain.PermissionLevel) (string, domain.SessionType) {
	taken := func(name string) bool {
		for _, s := range m.byID {
			if strings.EqualFold(s.SessionName, name) && !s.Status().Terminal() {
				return true
			}
		}
		return false
	}

	if goal, contact, _ := parsePurpose(p.Purpose); goal {
		return suffixName(contact, taken), domain.SessionTypeOutboundGoal
	}

	if level == domain.PermissionFull {
		if m.mainSessionLocked(p.PhoneNumber) == nil && !taken(domain.MainSessionName) {
			return domain.MainSessionName, domain.SessionTypeInboundOwner
		}
		return suffixName(domain.MainSessionName, taken), domain.SessionTypeInboundOwner
	}

	label := p.PhoneNumber
	if contact, err := m.store.LookupContact(ctx, p.PhoneNumber); err == nil && contact != nil {
		label = contact.Name
	}
	return suffixName(label, taken), domain.SessionTypeInboundUnknown
}

func (m *Manager) bindToolCalls(sess *domain.AgentSession, ch backend.Channel) {
	handler := m.toolHandler
	if handler == nil {
		return
	}
	ch.OnToolCall(func(name string, args json.RawMessage) (json.RawMessage, error) {
		sess.Touch()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return handler(ctx, sess, name, args)
	})
}

// GetSession returns a session by its id.
func (m *Manager) GetSession(id string) (*domain.AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[id]
	return sess, ok
}

// GetSessionByTransportID returns the session bound to a physical call.
func (m *Manager) GetSessionByTransportID(callID string) (*domain.AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byCall[callID]
	return sess, ok
}

// GetSessionByName resolves a session by name: exact match first, then
// substring, then a best-effort similarity fallback. At most one result.
func (m *Manager) GetSessionByName(name string) (*domain.AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.byID {
		if strings.EqualFold(sess.SessionName, name) {
			return sess, true
		}
	}

	lower := strings.ToLower(name)
	for _, sess := range m.byID {
		if strings.Contains(strings.ToLower(sess.SessionName), lower) {
			return sess, true
		}
	}

	// Fingerprint prefilter, then pick the closest label by edit distance.
	queryFP := fingerprint(name)
	var best *domain.AgentSession
	bestScore := 0.0
	for _, sess := range m.byID {
		if fp, ok := m.fingerprints[sess.SessionID]; ok && !sharesTrigram(queryFP, fp) {
			continue
		}
		if score := similarity(name, sess.SessionName); score > bestScore {
			best, bestScore = sess, score
		}
	}
	if best != nil && bestScore >= similarityThreshold {
		return best, true
	}
	return nil, false
}

// GetMainSession returns the ACTIVE session bearing the canonical main label
// for a phone number, if any.
func (m *Manager) GetMainSession(phoneNumber string) (*domain.AgentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.mainSessionLocked(phoneNumber)
	return sess, sess != nil
}

func (m *Manager) mainSessionLocked(phoneNumber string) *domain.AgentSession {
	for _, sess := range m.byPhone[normalizeNumber(phoneNumber)] {
		if sess.SessionName == domain.MainSessionName && sess.Status() == domain.SessionStatusActive {
			return sess
		}
	}
	return nil
}

// GetActiveSessions returns every ACTIVE session.
func (m *Manager) GetActiveSessions() []*domain.AgentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AgentSession
	for _, sess := range m.byID {
		if sess.Status() == domain.SessionStatusActive {
			out = append(out, sess)
		}
	}
	return out
}

// GetSessionsForPhone returns every registered session for a phone number.
func (m *Manager) GetSessionsForPhone(phoneNumber string) []*domain.AgentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byPhone[normalizeNumber(phoneNumber)]
	out := make([]*domain.AgentSession, len(list))
	copy(out, list)
	return out
}

// TerminateSession completes a session: final state, persisted completion,
// router unregistration, channel release. Post-hoc reporting is
// fire-and-forget and never blocks termination.
func (m *Manager) TerminateSession(ctx context.Context, sessionID, reason string) error {
	return m.terminate(ctx, sessionID, reason, false)
}

// FailSession terminates a session on the failure path.
func (m *Manager) FailSession(ctx context.Context, sessionID, reason string) error {
	return m.terminate(ctx, sessionID, reason, true)
}

func (m *Manager) terminate(ctx context.Context, sessionID, reason string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, domain.ErrSessionNotFound)
	}

	final := domain.SessionStatusCompleted
	var err error
	if failed || sess.Status() == domain.SessionStatusConnecting {
		final = domain.SessionStatusFailed
		err = sess.Fail(reason)
	} else if sess.Status() == domain.SessionStatusSuspended {
		// A suspended session cannot complete directly; resume it without
		// media first so the transition stays legal.
		if err = sess.Resume("", nil); err == nil {
			err = sess.Complete()
		}
	} else {
		err = sess.Complete()
	}
	if err != nil {
		return err
	}

	if serr := m.store.UpdateSessionCompleted(ctx, sessionID, final); serr != nil {
		log.Printf("Failed to persist completion for %s: %v", sessionID, serr)
	}

	if stop, ok := m.monitors[sessionID]; ok {
		close(stop)
		delete(m.monitors, sessionID)
	}

	if ch := sess.Channel(); ch != nil {
		_ = ch.Disconnect()
	}

	m.unregisterLocked(sess)
	delete(m.fingerprints, sessionID)

	if m.router != nil {
		m.router.SessionEnded(sessionID)
		go m.sendCompletionReport(sess, reason)
	}

	log.Printf("Session terminated: %s status=%s reason=%q", sessionID, final, reason)
	return nil
}

// sendCompletionReport routes a post-hoc call report to the owner. Best
// effort only; it must never block or fail termination.
func (m *Manager) sendCompletionReport(sess *domain.AgentSession, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Completion report for %s panicked: %v", sess.SessionID, r)
		}
	}()

	if sess.SessionType == domain.SessionTypeInboundOwner {
		return
	}

	text := fmt.Sprintf("Call with %s (%s) ended.", sess.SessionName, sess.PhoneNumber)
	if reason != "" {
		text += " " + reason
	}
	m.router.Enqueue(&domain.MessageEnvelope{
		MessageID:     "msg_" + uuid.New().String()[:8],
		FromSessionID: sess.SessionID,
		Target:        domain.TargetOwner,
		Type:          domain.MessageTypeCompletionReport,
		Text:          text,
		CreatedAt:     time.Now(),
		Status:        domain.DeliveryPending,
	})
}

// SuspendSession snapshots conversation history and parks the session as
// resumable. The backend channel is released; resume opens a fresh one.
func (m *Manager) SuspendSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, domain.ErrSessionNotFound)
	}

	chunks, err := m.store.GetTranscript(ctx, sessionID, m.opts.HistoryReplayCap*2)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}
	history := make([]domain.HistoryTurn, len(chunks))
	for i, c := range chunks {
		history[i] = domain.HistoryTurn{Sender: c.Speaker, Text: c.Text, Ts: c.Ts}
	}
	if err := m.store.SaveSnapshot(ctx, sessionID, history); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	oldCallID := sess.TransportCallID()
	if err := sess.Suspend(); err != nil {
		return err
	}
	delete(m.byCall, oldCallID)

	if ch := sess.Channel(); ch != nil {
		_ = ch.Disconnect()
	}
	sess.AttachChannel(nil)

	if err := m.store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusSuspended, true); err != nil {
		log.Printf("Failed to persist suspension for %s: %v", sessionID, err)
	}

	log.Printf("Session suspended: %s", sessionID)
	return nil
}

// ResumeSession reattaches transport (when supplied) and replays capped
// history into a fresh backend channel. With no transport this is an
// informational resume: the session goes ACTIVE without live media.
func (m *Manager) ResumeSession(ctx context.Context, sessionID, newTransportCallID string, tr domain.Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return m.resumeLocked(ctx, sess, newTransportCallID, tr)
}

func (m *Manager) resumeLocked(ctx context.Context, sess *domain.AgentSession, newTransportCallID string, tr domain.Transport) error {
	if err := sess.Resume(newTransportCallID, tr); err != nil {
		return err
	}
	if newTransportCallID != "" {
		m.byCall[newTransportCallID] = sess
		if err := m.store.UpdateSessionTransport(ctx, sess.SessionID, newTransportCallID); err != nil {
			log.Printf("Failed to persist transport rebind for %s: %v", sess.SessionID, err)
		}
	}
	if err := m.store.UpdateSessionStatus(ctx, sess.SessionID, domain.SessionStatusActive, false); err != nil {
		log.Printf("Failed to persist resume for %s: %v", sess.SessionID, err)
	}

	ch := sess.Channel()
	if ch == nil || !ch.IsConnected() {
		caps := capability.Filter(m.catalog, sess.PermissionLevel)
		instructions := m.opts.Instructions
		if preamble := capability.RestrictionPreamble(sess.PermissionLevel); preamble != "" {
			instructions = instructions + "\n\n" + preamble
		}
		fresh, err := m.connector.Connect(ctx, backend.ChannelConfig{
			Capabilities: caps,
			Instructions: instructions,
			Voice:        m.opts.Voice,
		})
		if err != nil {
			return fmt.Errorf("failed to reopen backend channel: %w", err)
		}
		sess.AttachChannel(fresh)
		m.bindToolCalls(sess, fresh)
		ch = fresh
	}

	if priming := m.primingHistory(ctx, sess.SessionID); priming != "" {
		if err := ch.SendText(priming, false); err != nil {
			log.Printf("History replay for %s failed: %v", sess.SessionID, err)
		}
	}

	log.Printf("Session resumed: %s call=%s", sess.SessionID, sess.TransportCallID())
	return nil
}

// RefreshChannel dials a replacement backend channel for a session whose
// channel dropped mid-call. The caller re-registers its audio callbacks on
// the returned channel.
func (m *Manager) RefreshChannel(ctx context.Context, sessionID string) (backend.Channel, error) {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", sessionID, domain.ErrSessionNotFound)
	}
	level := sess.PermissionLevel
	m.mu.Unlock()

	caps := capability.Filter(m.catalog, level)
	instructions := m.opts.Instructions
	if preamble := capability.RestrictionPreamble(level); preamble != "" {
		instructions = instructions + "\n\n" + preamble
	}
	ch, err := m.connector.Connect(ctx, backend.ChannelConfig{
		Capabilities: caps,
		Instructions: instructions,
		Voice:        m.opts.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconnect backend channel: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byID[sessionID]; !ok || current != sess || sess.Status().Terminal() {
		_ = ch.Disconnect()
		return nil, fmt.Errorf("%s: %w", sessionID, domain.ErrSessionNotFound)
	}
	if old := sess.Channel(); old != nil {
		_ = old.Disconnect()
	}
	sess.AttachChannel(ch)
	m.bindToolCalls(sess, ch)
	return ch, nil
}

// primingHistory renders the capped tail of the latest snapshot as a priming
// message for the backend channel.
func (m *Manager) primingHistory(ctx context.Context, sessionID string) string {
	history, err := m.store.LoadLatestSnapshot(ctx, sessionID)
	if err != nil || len(history) == 0 {
		return ""
	}
	if len(history) > m.opts.HistoryReplayCap {
		history = history[len(history)-m.opts.HistoryReplayCap:]
	}

	var b strings.Builder
	b.WriteString("Resuming an earlier conversation. Recent history:\n")
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Sender, turn.Text)
	}
	return b.String()
}

func (m *Manager) registerLocked(sess *domain.AgentSession) {
	m.byID[sess.SessionID] = sess
	m.byCall[sess.TransportCallID()] = sess
	key := normalizeNumber(sess.PhoneNumber)
	m.byPhone[key] = append(m.byPhone[key], sess)
}

func (m *Manager) unregisterLocked(sess *domain.AgentSession) {
	delete(m.byID, sess.SessionID)
	delete(m.byCall, sess.TransportCallID())
	key := normalizeNumber(sess.PhoneNumber)
	list := m.byPhone[key]
	for i, s := range list {
		if s.SessionID == sess.SessionID {
			m.byPhone[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.byPhone[key]) == 0 {
		delete(m.byPhone, key)
	}
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, sess := range m.byID {
		if sess.Status() == domain.SessionStatusActive {
			n++
		}
	}
	return n
}

// startIdleMonitorLocked watches a non-call session and terminates it after
// the configured idle timeout. Cancelled by terminate.
func (m *Manager) startIdleMonitorLocked(sess *domain.AgentSession) {
	stop := make(chan struct{})
	m.monitors[sess.SessionID] = stop

	go func() {
		interval := m.opts.IdleTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if time.Since(sess.LastActivityAt()) >= m.opts.IdleTimeout {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					if err := m.TerminateSession(ctx, sess.SessionID, "idle timeout"); err != nil {
						log.Printf("Idle termination of %s failed: %v", sess.SessionID, err)
					}
					cancel()
					return
				}
			}
		}
	}()
}

func logLifecycle(ev domain.LifecycleEvent) {
	log.Printf("Session %s: %s status=%s reason=%q", ev.SessionID, ev.Type, ev.Status, ev.Reason)
}

func recordOf(sess *domain.AgentSession) *domain.SessionRecord {
	return &domain.SessionRecord{
		SessionID:       sess.SessionID,
		TransportCallID: sess.TransportCallID(),
		SessionName:     sess.SessionName,
		PhoneNumber:     sess.PhoneNumber,
		ParentSessionID: sess.ParentSessionID,
		PermissionLevel: sess.PermissionLevel,
		SessionType:     sess.SessionType,
		Platform:        sess.Platform,
		Purpose:         sess.Purpose,
		Status:          sess.Status(),
		CanResume:       sess.CanResume(),
		Fingerprint:     fingerprint(sess.SessionName),
		CreatedAt:       sess.CreatedAt,
		LastActivityAt:  sess.LastActivityAt(),
	}
}
