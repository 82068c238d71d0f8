// Package router implements the asynchronous inter-session message bus.
package router

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/callgate/domain"
	"github.com/xiaot623/callgate/notify"
	"github.com/xiaot623/callgate/policy"
	"github.com/xiaot623/callgate/store"
)

// Registry is the lookup-only surface the router needs from the session
// manager. The router never owns or mutates sessions.
type Registry interface {
	GetSession(id string) (*domain.AgentSession, bool)
	GetSessionByName(name string) (*domain.AgentSession, bool)
	GetMainSession(phoneNumber string) (*domain.AgentSession, bool)
}

// Options configures the router.
type Options struct {
	OwnerNumber     string
	FallbackAddress string
	DeliveryTimeout time.Duration
	QueueSize       int
}

// Router drains a FIFO queue of envelopes with a single background consumer.
// Producers enqueue and return immediately.
type Router struct {
	registry Registry
	store    store.Store
	policy   *policy.Engine
	notifier notify.Notifier
	opts     Options

	queue chan *domain.MessageEnvelope
	done  chan struct{}
	wg    sync.WaitGroup

	mu         sync.Mutex
	registered map[string]bool
}

// New creates a router. Call Start to launch the consumer.
func New(registry Registry, st store.Store, eng *policy.Engine, notifier notify.Notifier, opts Options) *Router {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Router{
		registry:   registry,
		store:      st,
		policy:     eng,
		notifier:   notifier,
		opts:       opts,
		queue:      make(chan *domain.MessageEnvelope, opts.QueueSize),
		done:       make(chan struct{}),
		registered: make(map[string]bool),
	}
}

// Start launches the consumer goroutine.
func (r *Router) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case env := <-r.queue:
				r.dispatch(env)
			}
		}
	}()
}

// Stop shuts the consumer down. Queued envelopes are dropped.
func (r *Router) Stop() {
	close(r.done)
	r.wg.Wait()
}

// Enqueue adds an envelope to the dispatch queue and returns immediately.
func (r *Router) Enqueue(env *domain.MessageEnvelope) {
	if env.MessageID == "" {
		env.MessageID = "msg_" + uuid.New().String()[:8]
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	env.Status = domain.DeliveryPending

	select {
	case r.queue <- env:
	case <-r.done:
	}
}

// SessionStarted registers a session with the router.
func (r *Router) SessionStarted(sess *domain.AgentSession) {
	r.mu.Lock()
	r.registered[sess.SessionID] = true
	r.mu.Unlock()
	log.Printf("Router: session %s (%s) registered", sess.SessionID, sess.SessionName)
}

// SessionEnded unregisters a session.
func (r *Router) SessionEnded(sessionID string) {
	r.mu.Lock()
	delete(r.registered, sessionID)
	r.mu.Unlock()
	log.Printf("Router: session %s unregistered", sessionID)
}

func (r *Router) isRegistered(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[sessionID]
}

// DecideGroup records an operator decision for a broadcast group.
func (r *Router) DecideGroup(ctx context.Context, groupKey string, approved bool, decidedBy string) error {
	state := domain.ApprovalApproved
	if !approved {
		state = domain.ApprovalDenied
	}

	existing, err := r.store.GetApproval(ctx, groupKey)
	if err != nil {
		return fmt.Errorf("failed to load approval: %w", err)
	}

	now := time.Now()
	approval := &domain.BroadcastApproval{
		GroupKey:  groupKey,
		State:     state,
		DecidedBy: decidedBy,
		CreatedAt: now,
		DecidedAt: &now,
	}
	if existing != nil {
		approval.CreatedAt = existing.CreatedAt
	}
	return r.store.PutApproval(ctx, approval)
}

// dispatch routes one envelope. FIFO start order is preserved here; broadcast
// deliveries themselves run concurrently.
func (r *Router) dispatch(env *domain.MessageEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DeliveryTimeout+5*time.Second)
	defer cancel()

	switch {
	case env.Broadcast():
		r.dispatchBroadcast(ctx, env)
	case env.Target == domain.TargetOwner:
		r.dispatchToOwner(ctx, env)
	default:
		r.dispatchToNamed(ctx, env)
	}
}

func (r *Router) dispatchToOwner(ctx context.Context, env *domain.MessageEnvelope) {
	sess, ok := r.registry.GetMainSession(r.opts.OwnerNumber)
	if ok {
		err := r.deliver(sess, env)
		if err == nil {
			r.recordConfirmation(env, sess)
			env.Status = domain.DeliveryDelivered
			r.audit(ctx, env, domain.TargetOwner, domain.DeliveryDelivered, "")
			return
		}
		log.Printf("Owner delivery of %s failed: %v", env.MessageID, err)
	}

	r.deliverFallback(ctx, env, domain.TargetOwner)
}

// recordConfirmation queues a confirmation-request envelope on the owner's
// session so the answer can later be matched to the asking session.
func (r *Router) recordConfirmation(env *domain.MessageEnvelope, sess *domain.AgentSession) {
	if env.Type != domain.MessageTypeConfirmationRequest {
		return
	}
	fromName := ""
	if sender, ok := r.registry.GetSession(env.FromSessionID); ok {
		fromName = sender.SessionName
	}
	sess.AddConfirmation(domain.Confirmation{
		ID:        env.MessageID,
		Question:  env.Text,
		FromName:  fromName,
		CreatedAt: time.Now(),
	})
}

func (r *Router) dispatchToNamed(ctx context.Context, env *domain.MessageEnvelope) {
	sess, ok := r.registry.GetSessionByName(env.Target)
	if !ok || sess.Status() != domain.SessionStatusActive {
		r.notifySenderOfFailure(env, "no active session named "+env.Target)
		r.deliverFallbackWith(ctx, env, env.Target, domain.DeliveryTargetNotFound, "no active session with that name")
		return
	}

	if err := r.deliver(sess, env); err != nil {
		log.Printf("Delivery of %s to %s failed: %v", env.MessageID, env.Target, err)
		r.notifySenderOfFailure(env, "delivery to "+env.Target+" failed")
		r.deliverFallback(ctx, env, env.Target)
		return
	}

	env.Status = domain.DeliveryDelivered
	r.audit(ctx, env, env.Target, domain.DeliveryDelivered, "")
}

func (r *Router) dispatchBroadcast(ctx context.Context, env *domain.MessageEnvelope) {
	groupKey := env.GroupKey
	if groupKey == "" {
		groupKey = deriveGroupKey(env.Targets)
		env.GroupKey = groupKey
	}

	approval, err := r.store.GetApproval(ctx, groupKey)
	if err != nil {
		log.Printf("Approval lookup for group %s failed: %v", groupKey, err)
	}
	state := domain.ApprovalUnapproved
	if approval != nil {
		state = approval.State
	}

	decision := policy.DecisionAllow
	if r.policy != nil {
		decision, err = r.policy.Evaluate(ctx, policy.Input{
			MessageType: string(env.Type),
			Broadcast:   true,
			GroupKey:    groupKey,
			GroupState:  string(state),
			TargetCount: len(env.Targets),
		})
		if err != nil {
			log.Printf("Policy evaluation for group %s failed: %v", groupKey, err)
			decision = policy.DecisionRequireApproval
		}
	}

	switch decision {
	case policy.DecisionBlock:
		env.Status = domain.DeliveryFailed
		r.audit(ctx, env, groupKey, domain.DeliveryFailed, "broadcast group denied")
		r.notifySenderOfFailure(env, "broadcast group "+groupKey+" is denied")
		return

	case policy.DecisionRequireApproval:
		// First attempt for an unapproved group: zero deliveries, one
		// approval request to the owner.
		if approval == nil {
			if err := r.store.PutApproval(ctx, &domain.BroadcastApproval{
				GroupKey:  groupKey,
				State:     domain.ApprovalUnapproved,
				CreatedAt: time.Now(),
			}); err != nil {
				log.Printf("Failed to record approval gate for %s: %v", groupKey, err)
			}
		}
		r.audit(ctx, env, groupKey, domain.DeliveryPending, "awaiting broadcast group approval")
		r.requestApproval(ctx, env, groupKey)
		return
	}

	// Approved: deliver to every active target concurrently. Per-target
	// failures never abort the remaining deliveries.
	var wg sync.WaitGroup
	for _, target := range env.Targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			sess, ok := r.registry.GetSessionByName(target)
			if !ok || sess.Status() != domain.SessionStatusActive {
				r.audit(ctx, env, target, domain.DeliveryTargetNotFound, "no active session with that name")
				return
			}
			if err := r.deliver(sess, env); err != nil {
				r.audit(ctx, env, target, domain.DeliveryFailed, err.Error())
				return
			}
			r.audit(ctx, env, target, domain.DeliveryDelivered, "")
		}(target)
	}
	wg.Wait()
	env.Status = domain.DeliveryDelivered
}

// requestApproval routes a broadcast-approval request to the owner.
func (r *Router) requestApproval(ctx context.Context, env *domain.MessageEnvelope, groupKey string) {
	req := &domain.MessageEnvelope{
		MessageID:     "msg_" + uuid.New().String()[:8],
		FromSessionID: env.FromSessionID,
		Target:        domain.TargetOwner,
		Type:          domain.MessageTypeBroadcastApproval,
		Text: fmt.Sprintf("Approval needed: broadcast to group %q (%s). Message: %s",
			groupKey, strings.Join(env.Targets, ", "), env.Text),
		Context:   map[string]string{"group_key": groupKey},
		CreatedAt: time.Now(),
		Status:    domain.DeliveryPending,
	}
	r.dispatchToOwner(ctx, req)
}

// deliver sends a type-tagged announcement into the session's backend
// channel, bounded by the delivery timeout.
func (r *Router) deliver(sess *domain.AgentSession, env *domain.MessageEnvelope) error {
	ch := sess.Channel()
	if ch == nil || !ch.IsConnected() {
		return domain.ErrChannelDisconnected
	}

	text := fmt.Sprintf("[%s] %s", env.Type, env.Text)

	result := make(chan error, 1)
	go func() {
		result <- ch.SendText(text, true)
	}()

	select {
	case err := <-result:
		return err
	case <-time.After(r.opts.DeliveryTimeout):
		return domain.ErrDeliveryTimeout
	}
}

// deliverFallback hands the message to the out-of-band notifier and audits
// the outcome.
func (r *Router) deliverFallback(ctx context.Context, env *domain.MessageEnvelope, target string) {
	r.deliverFallbackWith(ctx, env, target, domain.DeliveryFailed, "")
}

// deliverFallbackWith is deliverFallback with an explicit failure status and
// detail for when the notifier is unavailable or fails too.
func (r *Router) deliverFallbackWith(ctx context.Context, env *domain.MessageEnvelope, target string, failStatus domain.DeliveryStatus, failDetail string) {
	if r.notifier == nil || r.opts.FallbackAddress == "" {
		env.Status = failStatus
		r.audit(ctx, env, target, failStatus, joinDetail(failDetail, "no fallback notifier configured"))
		return
	}

	text := fmt.Sprintf("[%s] %s", env.Type, env.Text)
	if err := r.notifier.Deliver(ctx, r.opts.FallbackAddress, text); err != nil {
		env.Status = failStatus
		r.audit(ctx, env, target, failStatus, joinDetail(failDetail, "fallback delivery failed: "+err.Error()))
		return
	}

	env.Status = domain.DeliveryViaFallback
	r.audit(ctx, env, target, domain.DeliveryViaFallback, failDetail)
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// notifySenderOfFailure tells the originating session, if still active, that
// its message did not reach the target.
func (r *Router) notifySenderOfFailure(env *domain.MessageEnvelope, detail string) {
	if env.FromSessionID == "" || !r.isRegistered(env.FromSessionID) {
		return
	}
	sender, ok := r.registry.GetSession(env.FromSessionID)
	if !ok || sender.Status() != domain.SessionStatusActive {
		return
	}
	ch := sender.Channel()
	if ch == nil || !ch.IsConnected() {
		return
	}
	if err := ch.SendText("[notification] Message could not be delivered: "+detail, true); err != nil {
		log.Printf("Failure notification to %s failed: %v", env.FromSessionID, err)
	}
}

// audit writes one immutable delivery record. The operation is not
// considered complete until the record is written.
func (r *Router) audit(ctx context.Context, env *domain.MessageEnvelope, target string, status domain.DeliveryStatus, detail string) {
	rec := &domain.AuditRecord{
		AuditID:       "aud_" + uuid.New().String()[:8],
		MessageID:     env.MessageID,
		FromSessionID: env.FromSessionID,
		Target:        target,
		Type:          env.Type,
		Status:        status,
		Detail:        detail,
		Ts:            time.Now(),
	}
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		log.Printf("Failed to write audit record for %s: %v", env.MessageID, err)
	}
}

func deriveGroupKey(targets []string) string {
	names := make([]string, len(targets))
	copy(names, targets)
	sort.Strings(names)
	return strings.Join(names, "+")
}
