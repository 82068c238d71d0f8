package backend

import (
	"context"
	"encoding/json"
	"sync"
)

// ScriptConnector hands out in-memory channels for tests and local runs
// without a live backend.
type ScriptConnector struct {
	mu       sync.Mutex
	channels []*ScriptChannel
}

// Connect returns a fresh scripted channel.
func (c *ScriptConnector) Connect(ctx context.Context, cfg ChannelConfig) (Channel, error) {
	ch := NewScriptChannel()
	ch.Config = cfg
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch, nil
}

// Channels returns every channel handed out so far.
func (c *ScriptConnector) Channels() []*ScriptChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ScriptChannel, len(c.channels))
	copy(out, c.channels)
	return out
}

// ScriptChannel is an in-memory Channel that records everything sent to it
// and lets the test emit backend events.
type ScriptChannel struct {
	Config ChannelConfig

	mu           sync.Mutex
	connected    bool
	sentAudio    [][]byte
	sentTexts    []string
	onAudioChunk func(pcm []byte)
	onTextDelta  func(text, speaker string)
	onToolCall   ToolCallFunc
	onDisconnect func(err error)
}

// NewScriptChannel returns a connected scripted channel.
func NewScriptChannel() *ScriptChannel {
	return &ScriptChannel{connected: true}
}

func (ch *ScriptChannel) SendAudioChunk(pcm []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.connected {
		return context.Canceled
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	ch.sentAudio = append(ch.sentAudio, buf)
	return nil
}

func (ch *ScriptChannel) SendText(text string, endOfTurn bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.connected {
		return context.Canceled
	}
	ch.sentTexts = append(ch.sentTexts, text)
	return nil
}

func (ch *ScriptChannel) IsConnected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.connected
}

func (ch *ScriptChannel) Disconnect() error {
	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()
	return nil
}

func (ch *ScriptChannel) OnAudioChunk(fn func(pcm []byte)) {
	ch.mu.Lock()
	ch.onAudioChunk = fn
	ch.mu.Unlock()
}

func (ch *ScriptChannel) OnTextDelta(fn func(text, speaker string)) {
	ch.mu.Lock()
	ch.onTextDelta = fn
	ch.mu.Unlock()
}

func (ch *ScriptChannel) OnToolCall(fn ToolCallFunc) {
	ch.mu.Lock()
	ch.onToolCall = fn
	ch.mu.Unlock()
}

func (ch *ScriptChannel) OnDisconnect(fn func(err error)) {
	ch.mu.Lock()
	ch.onDisconnect = fn
	ch.mu.Unlock()
}

// SetConnected flips the connection flag; used to simulate drops.
func (ch *ScriptChannel) SetConnected(v bool) {
	ch.mu.Lock()
	ch.connected = v
	ch.mu.Unlock()
}

// EmitAudio feeds a synthesized audio chunk to the registered receiver.
func (ch *ScriptChannel) EmitAudio(pcm []byte) {
	ch.mu.Lock()
	fn := ch.onAudioChunk
	ch.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

// EmitText feeds a text delta to the registered receiver.
func (ch *ScriptChannel) EmitText(text, speaker string) {
	ch.mu.Lock()
	fn := ch.onTextDelta
	ch.mu.Unlock()
	if fn != nil {
		fn(text, speaker)
	}
}

// EmitToolCall invokes the registered tool handler and returns its result.
func (ch *ScriptChannel) EmitToolCall(name string, args json.RawMessage) (json.RawMessage, error) {
	ch.mu.Lock()
	fn := ch.onToolCall
	ch.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(name, args)
}

// EmitDisconnect signals unexpected channel loss.
func (ch *ScriptChannel) EmitDisconnect(err error) {
	ch.mu.Lock()
	ch.connected = false
	fn := ch.onDisconnect
	ch.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// SentAudio returns the streamed PCM chunks in order.
func (ch *ScriptChannel) SentAudio() [][]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([][]byte, len(ch.sentAudio))
	copy(out, ch.sentAudio)
	return out
}

// SentTexts returns the injected text messages in order.
func (ch *ScriptChannel) SentTexts() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, len(ch.sentTexts))
	copy(out, ch.sentTexts)
	return out
}

// Verify interface compliance at compile time.
var (
	_ Channel   = (*ScriptChannel)(nil)
	_ Connector = (*ScriptConnector)(nil)
)
