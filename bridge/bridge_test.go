package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/callgate/backend"
	"github.com/xiaot623/callgate/domain"
	"github.com/xiaot623/callgate/session"
	"github.com/xiaot623/callgate/tests/helpers"
)

type fakeProvider struct {
	phone      string
	resolveErr error
}

func (f *fakeProvider) ResolveCallerNumber(ctx context.Context, callID string) (string, error) {
	return f.phone, f.resolveErr
}

func (f *fakeProvider) PlaceOutboundCall(ctx context.Context, to, from, streamURL string) (string, error) {
	return "CA_out", nil
}

func (f *fakeProvider) TerminateCall(ctx context.Context, callID string) error { return nil }

func (f *fakeProvider) SendSMS(ctx context.Context, to, from, body string) error { return nil }

// fakeSessions hands out sessions backed by scripted channels and records
// every registry interaction.
type fakeSessions struct {
	mu           sync.Mutex
	sessType     domain.SessionType
	level        domain.PermissionLevel
	bareChannel  bool
	createErr    error
	created      []session.CreateParams
	pending      map[string]string
	refreshGate  chan struct{}
	refreshErr   error
	refreshWith  backend.Channel
	refreshed    []*backend.ScriptChannel
	refreshCalls int
	terminated   []string
	seq          int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessType: domain.SessionTypeInboundOwner,
		level:    domain.PermissionFull,
		pending:  make(map[string]string),
	}
}

func (f *fakeSessions) CreateSession(ctx context.Context, p session.CreateParams) (*domain.AgentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	f.created = append(f.created, p)

	sess := domain.NewAgentSession(fmt.Sprintf("sess_%d", f.seq), p.TransportCallID, p.PhoneNumber)
	sess.SessionType = f.sessType
	sess.PermissionLevel = f.level
	sess.Purpose = p.Purpose
	if f.bareChannel {
		sess.AttachChannel(bareChannel{})
	} else {
		sess.AttachChannel(backend.NewScriptChannel())
	}
	if err := sess.Activate(p.Transport); err != nil {
		return nil, err
	}
	return sess, nil
}

func (f *fakeSessions) TakePendingPurpose(transportCallID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	purpose := f.pending[transportCallID]
	delete(f.pending, transportCallID)
	return purpose
}

func (f *fakeSessions) RefreshChannel(ctx context.Context, sessionID string) (backend.Channel, error) {
	f.mu.Lock()
	f.refreshCalls++
	gate := f.refreshGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshWith != nil {
		return f.refreshWith, nil
	}

	ch := backend.NewScriptChannel()
	f.mu.Lock()
	f.refreshed = append(f.refreshed, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeSessions) TerminateSession(ctx context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID+": "+reason)
	return nil
}

func (f *fakeSessions) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeSessions) freshChannels() []*backend.ScriptChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*backend.ScriptChannel, len(f.refreshed))
	copy(out, f.refreshed)
	return out
}

// bareChannel satisfies the narrow session channel contract but carries no
// audio surface.
type bareChannel struct{}

func (bareChannel) SendText(text string, endOfTurn bool) error { return nil }
func (bareChannel) IsConnected() bool                          { return true }
func (bareChannel) Disconnect() error                          { return nil }

func newTestCall(t *testing.T, fake *fakeSessions) *activeCall {
	t.Helper()
	b := New(fake, &fakeProvider{phone: "+15550001111"}, helpers.NewTestSQLiteStore(t), Options{
		ReconnectTimeout: time.Second,
	})
	return &activeCall{
		bridge:   b,
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
		collectors: map[string]*transcriptCollector{
			"caller": {},
			"agent":  {},
		},
	}
}

func TestOnStartBridgesCallerToSession(t *testing.T) {
	fake := newFakeSessions()
	fake.pending["CA123"] = "goal:dentist:book a cleaning"
	fake.sessType = domain.SessionTypeOutboundGoal
	call := newTestCall(t, fake)

	err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"})
	if err != nil {
		t.Fatalf("onStart failed: %v", err)
	}

	if call.ID() != "MZ1" {
		t.Fatalf("transport ID should be the stream SID, got %q", call.ID())
	}
	if len(fake.created) != 1 {
		t.Fatalf("expected one session, got %d", len(fake.created))
	}
	p := fake.created[0]
	if p.PhoneNumber != "+15550001111" || p.TransportCallID != "CA123" || p.Platform != domain.PlatformCall {
		t.Fatalf("unexpected create params: %+v", p)
	}
	if p.Purpose != "goal:dentist:book a cleaning" {
		t.Fatalf("pending purpose was not handed to the session: %q", p.Purpose)
	}
	if _, still := fake.pending["CA123"]; still {
		t.Fatal("pending purpose must be consumed")
	}

	ch := call.sess.Channel().(*backend.ScriptChannel)
	texts := ch.SentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "book a cleaning") {
		t.Fatalf("priming message should carry the objective, got %v", texts)
	}
}

func TestOnStartTerminatesSessionWithoutAudioChannel(t *testing.T) {
	fake := newFakeSessions()
	fake.bareChannel = true
	call := newTestCall(t, fake)

	err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"})
	if err == nil {
		t.Fatal("expected an error for a session without an audio channel")
	}
	if len(fake.terminated) != 1 || !strings.Contains(fake.terminated[0], "no backend channel") {
		t.Fatalf("session should be terminated, got %v", fake.terminated)
	}
}

func TestOnStartPropagatesResolveFailure(t *testing.T) {
	fake := newFakeSessions()
	call := newTestCall(t, fake)
	call.bridge.provider = &fakeProvider{resolveErr: errors.New("lookup failed")}

	if err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"}); err == nil {
		t.Fatal("expected resolve failure to surface")
	}
	if len(fake.created) != 0 {
		t.Fatal("no session may be created for an unresolved caller")
	}
}

func TestForwardBuffersWhileDownAndFlushesInOrder(t *testing.T) {
	fake := newFakeSessions()
	gate := make(chan struct{})
	fake.refreshGate = gate
	call := newTestCall(t, fake)

	if err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"}); err != nil {
		t.Fatalf("onStart failed: %v", err)
	}
	call.sess.Channel().(*backend.ScriptChannel).SetConnected(false)

	frames := [][]byte{{1, 1}, {2, 2}, {3, 3}}
	for _, frame := range frames {
		call.forward(frame)
	}

	// The reconnect is in flight and gated; repeated forwards must not
	// spawn a second attempt.
	waitDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitDeadline) && fake.calls() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fake.calls(); got != 1 {
		t.Fatalf("expected a single reconnect attempt, got %d", got)
	}
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fresh := fake.freshChannels()
		if len(fresh) == 1 && len(fresh[0].SentAudio()) == len(frames) {
			for i, frame := range fresh[0].SentAudio() {
				if !bytes.Equal(frame, frames[i]) {
					t.Fatalf("frame %d out of order: %v", i, frame)
				}
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("buffered frames never flushed to the fresh channel")
}

// gatedChannel blocks its first audio send until released, holding a
// reconnect flush open so the test can inject frames mid-flush.
type gatedChannel struct {
	*backend.ScriptChannel
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{
		ScriptChannel: backend.NewScriptChannel(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedChannel) SendAudioChunk(pcm []byte) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.ScriptChannel.SendAudioChunk(pcm)
}

func TestLiveFrameWaitsForReconnectFlush(t *testing.T) {
	fake := newFakeSessions()
	fresh := newGatedChannel()
	fake.refreshWith = fresh
	call := newTestCall(t, fake)

	if err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"}); err != nil {
		t.Fatalf("onStart failed: %v", err)
	}
	call.sess.Channel().(*backend.ScriptChannel).SetConnected(false)

	call.forward([]byte{1})
	call.forward([]byte{2})

	select {
	case <-fresh.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect flush never started")
	}

	// The flush is holding the first buffered frame. A live frame arriving
	// now must queue behind the buffer, not jump ahead of it, and must not
	// start a second reconnect.
	call.forward([]byte{9})
	if got := fake.calls(); got != 1 {
		t.Fatalf("expected a single reconnect attempt, got %d", got)
	}
	close(fresh.release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fresh.SentAudio()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := fresh.SentAudio()
	if len(got) != 3 {
		t.Fatalf("expected 3 frames on the fresh channel, got %d", len(got))
	}
	for i, want := range [][]byte{{1}, {2}, {9}} {
		if !bytes.Equal(got[i], want) {
			t.Fatalf("frame %d = %v, want %v (buffer must drain before live audio)", i, got[i], want)
		}
	}
}

func TestBackendDropTriggersReconnect(t *testing.T) {
	fake := newFakeSessions()
	call := newTestCall(t, fake)

	if err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"}); err != nil {
		t.Fatalf("onStart failed: %v", err)
	}
	ch := call.sess.Channel().(*backend.ScriptChannel)
	ch.EmitDisconnect(errors.New("backend reset"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		call.mu.Lock()
		settled := !call.reconnecting && len(fake.freshChannels()) == 1
		call.mu.Unlock()
		if settled {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := fake.calls(); got != 1 {
		t.Fatalf("expected one reconnect attempt, got %d", got)
	}

	call.forward([]byte{7})
	live := fake.freshChannels()
	if len(live) != 1 {
		t.Fatalf("expected one replacement channel, got %d", len(live))
	}
	if got := live[0].SentAudio(); len(got) != 1 || !bytes.Equal(got[0], []byte{7}) {
		t.Fatalf("live audio should flow to the replacement channel, got %v", got)
	}
}

func TestReconnectFailureDropsBufferAndResumesLive(t *testing.T) {
	fake := newFakeSessions()
	fake.refreshErr = errors.New("backend unreachable")
	call := newTestCall(t, fake)

	if err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"}); err != nil {
		t.Fatalf("onStart failed: %v", err)
	}
	call.sess.Channel().(*backend.ScriptChannel).SetConnected(false)

	call.forward([]byte{1})
	call.forward([]byte{2})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		call.mu.Lock()
		settled := !call.reconnecting && call.buffer == nil
		call.mu.Unlock()
		if settled {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	call.mu.Lock()
	if call.reconnecting || len(call.buffer) != 0 {
		call.mu.Unlock()
		t.Fatal("failed reconnect should settle with an empty buffer")
	}
	call.mu.Unlock()

	// Live audio resumes once a working channel is back.
	live := backend.NewScriptChannel()
	call.wireChannel(live)
	call.forward([]byte{9})
	if got := live.SentAudio(); len(got) != 1 || !bytes.Equal(got[0], []byte{9}) {
		t.Fatalf("live frame should bypass the buffer, got %v", got)
	}
}

func TestBufferDropsOldestAtCapacity(t *testing.T) {
	call := newTestCall(t, newFakeSessions())
	close(call.done)

	call.mu.Lock()
	for i := 0; i < maxBufferedFrames+5; i++ {
		call.bufferLocked([]byte{byte(i)})
	}
	if len(call.buffer) != maxBufferedFrames {
		call.mu.Unlock()
		t.Fatalf("buffer should cap at %d, got %d", maxBufferedFrames, len(call.buffer))
	}
	oldest := call.buffer[0][0]
	call.mu.Unlock()

	if oldest != 5 {
		t.Fatalf("oldest frames should drop first, head is %d", oldest)
	}
}

func TestEnqueueOutboundDropsOldestWhenWriterLags(t *testing.T) {
	call := newTestCall(t, newFakeSessions())
	call.outbound = make(chan []byte, 2)

	call.enqueueOutbound([]byte{0})
	call.enqueueOutbound([]byte{1})
	call.enqueueOutbound([]byte{2})

	first := <-call.outbound
	second := <-call.outbound
	if first[0] != 1 || second[0] != 2 {
		t.Fatalf("expected oldest frame dropped, got %d then %d", first[0], second[0])
	}

	close(call.done)
	call.enqueueOutbound([]byte{3})
	if len(call.outbound) != 0 {
		t.Fatal("enqueue after close must be a no-op")
	}
}

func TestCollectPersistsSentenceChunks(t *testing.T) {
	fake := newFakeSessions()
	call := newTestCall(t, fake)
	st := call.bridge.store

	if err := call.onStart(&startFrame{StreamSID: "MZ1", CallSID: "CA123"}); err != nil {
		t.Fatalf("onStart failed: %v", err)
	}
	ctx := context.Background()
	if err := st.CreateSession(ctx, &domain.SessionRecord{
		SessionID:       call.sess.SessionID,
		TransportCallID: "CA123",
		SessionName:     domain.MainSessionName,
		PhoneNumber:     "+15550001111",
		PermissionLevel: domain.PermissionFull,
		SessionType:     domain.SessionTypeInboundOwner,
		Platform:        domain.PlatformCall,
		Status:          domain.SessionStatusActive,
		CreatedAt:       time.Now(),
		LastActivityAt:  time.Now(),
	}); err != nil {
		t.Fatalf("failed to seed session record: %v", err)
	}

	call.collect("I need ", "caller")
	call.collect("a refill.", "caller")
	call.collect("Of course", "agent")

	chunks, err := st.GetTranscript(ctx, call.sess.SessionID, 10)
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("only the completed sentence should persist, got %d chunks", len(chunks))
	}
	if chunks[0].Speaker != "caller" || chunks[0].Text != "I need a refill." {
		t.Fatalf("unexpected chunk: %+v", chunks[0])
	}
	if chunks[0].CallID != "CA123" {
		t.Fatalf("chunk should carry the call ID, got %q", chunks[0].CallID)
	}
}

func TestPrimingTextSelection(t *testing.T) {
	cases := []struct {
		name     string
		sessType domain.SessionType
		level    domain.PermissionLevel
		purpose  string
		want     string
	}{
		{"outbound goal", domain.SessionTypeOutboundGoal, domain.PermissionFull, "goal:dentist:book", "dialed out"},
		{"owner reminder", domain.SessionTypeInboundOwner, domain.PermissionFull, "take medication", "reminder"},
		{"owner greeting", domain.SessionTypeInboundOwner, domain.PermissionFull, "", "owner has just answered"},
		{"unknown caller", domain.SessionTypeInboundUnknown, domain.PermissionLimited, "", "unknown caller"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := primingText(tc.sessType, tc.level, tc.purpose)
			if !strings.Contains(got, tc.want) {
				t.Fatalf("primingText(%s, %s, %q) = %q, want it to mention %q",
					tc.sessType, tc.level, tc.purpose, got, tc.want)
			}
		})
	}
}
