// Package bridge relays audio between a telephony media stream and a
// session's backend voice channel, converting between the 8 kHz mu-law
// wire format and the backend's 24 kHz PCM16.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/callgate/audio"
	"github.com/xiaot623/callgate/backend"
	"github.com/xiaot623/callgate/domain"
	"github.com/xiaot623/callgate/session"
	"github.com/xiaot623/callgate/store"
	"github.com/xiaot623/callgate/telephony"
)

// maxBufferedFrames bounds the inbound audio held while the backend
// channel reconnects. At one 20 ms frame per message this is about one
// second of speech; older frames are dropped first.
const maxBufferedFrames = 50

// outboundQueueSize bounds frames waiting for the socket writer.
const outboundQueueSize = 100

// SessionRegistry is the slice of the session manager the bridge drives.
type SessionRegistry interface {
	CreateSession(ctx context.Context, p session.CreateParams) (*domain.AgentSession, error)
	TakePendingPurpose(transportCallID string) string
	RefreshChannel(ctx context.Context, sessionID string) (backend.Channel, error)
	TerminateSession(ctx context.Context, sessionID, reason string) error
}

// Options configures a Bridge.
type Options struct {
	// ReconnectTimeout bounds a single backend reconnect attempt.
	ReconnectTimeout time.Duration
}

// Bridge accepts provider media-stream sockets and runs one call per
// connection.
type Bridge struct {
	sessions SessionRegistry
	provider telephony.Provider
	store    store.Store
	opts     Options
	upgrader websocket.Upgrader
}

func New(sessions SessionRegistry, provider telephony.Provider, st store.Store, opts Options) *Bridge {
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = 5 * time.Second
	}
	return &Bridge{
		sessions: sessions,
		provider: provider,
		store:    st,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleMediaStream upgrades the request and services the call until the
// provider sends stop or the socket drops.
func (b *Bridge) HandleMediaStream(c echo.Context) error {
	ws, err := b.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	call := &activeCall{
		bridge:   b,
		ws:       ws,
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
		collectors: map[string]*transcriptCollector{
			"caller": {},
			"agent":  {},
		},
	}
	go call.writeLoop()
	call.readLoop()
	call.shutdown()
	return nil
}

// activeCall is the per-connection state. readLoop is the only reader of
// the socket and writeLoop the only writer; everything the backend
// callbacks touch is guarded by mu or tmu.
type activeCall struct {
	bridge *Bridge
	ws     *websocket.Conn

	outbound chan []byte
	done     chan struct{}
	closed   sync.Once

	mu           sync.Mutex
	streamSID    string
	callID       string
	sess         *domain.AgentSession
	channel      backend.Channel
	buffer       [][]byte
	reconnecting bool

	tmu        sync.Mutex
	collectors map[string]*transcriptCollector
}

// ID implements domain.Transport.
func (a *activeCall) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamSID
}

// Close implements domain.Transport.
func (a *activeCall) Close() error {
	a.closed.Do(func() {
		close(a.done)
		_ = a.ws.Close()
	})
	return nil
}

func (a *activeCall) readLoop() {
	for {
		select {
		case <-a.done:
			return
		default:
		}

		_, data, err := a.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Media stream read error: %v", err)
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("Ignoring malformed media frame: %v", err)
			continue
		}

		switch frame.Event {
		case "connected":
			// Provider handshake, no payload.
		case "start":
			if frame.Start == nil {
				log.Printf("Ignoring start frame without body")
				continue
			}
			if err := a.onStart(frame.Start); err != nil {
				log.Printf("Failed to start call session: %v", err)
				return
			}
		case "media":
			if frame.Media == nil || frame.Media.Payload == "" {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				log.Printf("Ignoring media frame with bad payload: %v", err)
				continue
			}
			pcm := audio.Resample(audio.DecodeMuLawFrame(mulaw), audio.TelephonyRate, audio.BackendRate)
			a.forward(pcm)
		case "dtmf":
			if frame.DTMF != nil {
				log.Printf("DTMF digit %q on call %s", frame.DTMF.Digit, a.ID())
			}
		case "mark":
			// Playback checkpoint, nothing to do.
		case "stop":
			return
		default:
			log.Printf("Ignoring unknown media event %q", frame.Event)
		}
	}
}

// onStart resolves the caller, opens the session and sends the single
// priming message that seeds the conversation.
func (a *activeCall) onStart(start *startFrame) error {
	a.mu.Lock()
	a.streamSID = start.StreamSID
	a.callID = start.CallSID
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	phone, err := a.bridge.provider.ResolveCallerNumber(ctx, start.CallSID)
	if err != nil {
		return fmt.Errorf("failed to resolve caller for %s: %w", start.CallSID, err)
	}

	purpose := a.bridge.sessions.TakePendingPurpose(start.CallSID)
	sess, err := a.bridge.sessions.CreateSession(ctx, session.CreateParams{
		TransportCallID: start.CallSID,
		PhoneNumber:     phone,
		Transport:       a,
		Purpose:         purpose,
		Platform:        domain.PlatformCall,
	})
	if err != nil {
		return err
	}

	ch, ok := sess.Channel().(backend.Channel)
	if !ok || ch == nil {
		_ = a.bridge.sessions.TerminateSession(ctx, sess.SessionID, "no backend channel")
		return fmt.Errorf("session %s has no audio-capable channel", sess.SessionID)
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()
	a.wireChannel(ch)

	prime := primingText(sess.SessionType, sess.PermissionLevel, purpose)
	if err := ch.SendText(prime, true); err != nil {
		log.Printf("Failed to send priming message for %s: %v", sess.SessionID, err)
	}
	log.Printf("Call %s bridged to session %s (stream %s)", start.CallSID, sess.SessionID, start.StreamSID)
	return nil
}

// wireChannel registers the audio and text receivers on a (possibly
// fresh) backend channel and makes it the active one.
func (a *activeCall) wireChannel(ch backend.Channel) {
	a.mu.Lock()
	a.channel = ch
	a.mu.Unlock()

	ch.OnAudioChunk(func(pcm []byte) {
		a.enqueueOutbound(audio.EncodeMuLawFrame(audio.Downsample3x(pcm)))
	})
	ch.OnTextDelta(a.collect)
	ch.OnDisconnect(func(err error) {
		log.Printf("Backend channel dropped on call %s: %v", a.ID(), err)
		a.mu.Lock()
		a.startReconnectLocked()
		a.mu.Unlock()
	})
}

// forward delivers one inbound PCM frame to the backend, buffering it
// when the channel is down.
func (a *activeCall) forward(pcm []byte) {
	a.mu.Lock()
	ch := a.channel
	if ch == nil || !ch.IsConnected() || a.reconnecting {
		a.bufferLocked(pcm)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if err := ch.SendAudioChunk(pcm); err != nil {
		a.mu.Lock()
		a.bufferLocked(pcm)
		a.mu.Unlock()
	}
}

// bufferLocked appends to the reconnect FIFO, dropping the oldest frame
// on overflow, and kicks off a reconnect if none is in flight.
func (a *activeCall) bufferLocked(pcm []byte) {
	if len(a.buffer) >= maxBufferedFrames {
		a.buffer = a.buffer[1:]
	}
	a.buffer = append(a.buffer, pcm)
	a.startReconnectLocked()
}

func (a *activeCall) startReconnectLocked() {
	if a.reconnecting || a.sess == nil {
		return
	}
	select {
	case <-a.done:
		return
	default:
	}
	a.reconnecting = true
	go a.reconnect(a.sess.SessionID)
}

// reconnect makes a single bounded attempt to replace the backend
// channel. On success buffered frames flush in arrival order; on failure
// the buffer is discarded and live audio resumes as-is. The reconnecting
// flag stays set until the flush drains, so frames arriving mid-flush
// queue behind the buffer instead of jumping ahead of it.
func (a *activeCall) reconnect(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.bridge.opts.ReconnectTimeout)
	defer cancel()

	ch, err := a.bridge.sessions.RefreshChannel(ctx, sessionID)
	if err != nil {
		a.mu.Lock()
		dropped := len(a.buffer)
		a.buffer = nil
		a.reconnecting = false
		a.mu.Unlock()
		log.Printf("Backend reconnect failed for session %s, dropped %d buffered frames: %v", sessionID, dropped, err)
		return
	}

	a.wireChannel(ch)

	flushed := 0
	for {
		a.mu.Lock()
		if len(a.buffer) == 0 {
			a.reconnecting = false
			a.mu.Unlock()
			break
		}
		frame := a.buffer[0]
		a.buffer = a.buffer[1:]
		a.mu.Unlock()

		if err := ch.SendAudioChunk(frame); err != nil {
			a.mu.Lock()
			dropped := len(a.buffer)
			a.buffer = nil
			a.reconnecting = false
			a.mu.Unlock()
			log.Printf("Backend reconnect flush stopped after %d frames, dropped %d: %v", flushed, dropped, err)
			return
		}
		flushed++
	}
	log.Printf("Backend channel restored for session %s, flushed %d frames", sessionID, flushed)
}

// enqueueOutbound hands one mu-law frame to the socket writer, dropping
// the oldest queued frame when the writer lags.
func (a *activeCall) enqueueOutbound(mulaw []byte) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.outbound <- mulaw:
	default:
		select {
		case <-a.outbound:
		default:
		}
		select {
		case a.outbound <- mulaw:
		default:
		}
	}
}

func (a *activeCall) writeLoop() {
	for {
		select {
		case <-a.done:
			return
		case mulaw := <-a.outbound:
			a.mu.Lock()
			sid := a.streamSID
			a.mu.Unlock()
			if sid == "" {
				continue
			}
			if err := a.ws.WriteJSON(outboundMedia(sid, mulaw)); err != nil {
				log.Printf("Media stream write error: %v", err)
				_ = a.Close()
				return
			}
		}
	}
}

// collect folds a text delta into the per-speaker transcript and
// persists completed chunks.
func (a *activeCall) collect(text, speaker string) {
	a.tmu.Lock()
	col, ok := a.collectors[speaker]
	if !ok {
		col = &transcriptCollector{}
		a.collectors[speaker] = col
	}
	chunk, ready := col.add(text)
	a.tmu.Unlock()
	if ready {
		a.persistTranscript(speaker, chunk)
	}
}

func (a *activeCall) persistTranscript(speaker, text string) {
	a.mu.Lock()
	sess, callID := a.sess, a.callID
	a.mu.Unlock()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := a.bridge.store.AppendTranscript(ctx, &domain.TranscriptChunk{
		SessionID: sess.SessionID,
		CallID:    callID,
		Speaker:   speaker,
		Text:      text,
		Ts:        time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Failed to persist transcript chunk for %s: %v", sess.SessionID, err)
	}
}

// shutdown flushes transcript remainders and completes the session after
// the socket closes.
func (a *activeCall) shutdown() {
	_ = a.Close()

	a.tmu.Lock()
	remainders := make(map[string]string)
	for speaker, col := range a.collectors {
		if chunk, ok := col.take(); ok {
			remainders[speaker] = chunk
		}
	}
	a.tmu.Unlock()
	for speaker, chunk := range remainders {
		a.persistTranscript(speaker, chunk)
	}

	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	a.mu.Unlock()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.bridge.sessions.TerminateSession(ctx, sess.SessionID, "call ended"); err != nil {
		log.Printf("Failed to terminate session %s: %v", sess.SessionID, err)
	}
}

// primingText picks the single opening instruction for a freshly bridged
// call. Selection depends only on the session type, the permission level
// and whether a purpose was registered.
func primingText(sessType domain.SessionType, level domain.PermissionLevel, purpose string) string {
	switch {
	case sessType == domain.SessionTypeOutboundGoal && purpose != "":
		return "You have just dialed out on behalf of the owner. Objective: " + purpose +
			". Greet whoever answers and work toward that objective."
	case sessType == domain.SessionTypeInboundOwner && purpose != "":
		return "This call delivers a reminder: " + purpose +
			". Announce it to the owner as soon as they answer."
	case level == domain.PermissionFull:
		return "The owner has just answered. Greet them briefly and ask how you can help."
	default:
		return "An unknown caller has connected. Greet them, explain you are the owner's assistant, " +
			"and offer to take a message."
	}
}
