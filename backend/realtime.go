package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeConnector dials realtime voice channels over WebSocket.
type RealtimeConnector struct {
	URL    string
	APIKey string
	Voice  string
}

// Connect opens a channel and applies the session configuration.
func (c *RealtimeConnector) Connect(ctx context.Context, cfg ChannelConfig) (Channel, error) {
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.APIKey)
	}

	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend: %w", err)
	}

	voice := cfg.Voice
	if voice == "" {
		voice = c.Voice
	}

	ch := &realtimeChannel{
		conn: wsConn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	ch.connected.Store(true)

	go ch.readLoop()
	go ch.writeLoop()

	if err := ch.configure(cfg, voice); err != nil {
		_ = ch.Disconnect()
		return nil, err
	}

	return ch, nil
}

// realtimeChannel implements Channel over a realtime WebSocket session.
type realtimeChannel struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	connected atomic.Bool

	mu           sync.RWMutex
	onAudioChunk func(pcm []byte)
	onTextDelta  func(text, speaker string)
	onToolCall   ToolCallFunc
	onDisconnect func(err error)
}

// Realtime event shapes, mirrored from the backend wire protocol.
type realtimeEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Name       string          `json:"name,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Error      *realtimeError  `json:"error,omitempty"`
}

type realtimeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ch *realtimeChannel) configure(cfg ChannelConfig, voice string) error {
	tools := make([]map[string]any, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		tool := map[string]any{
			"type":        "function",
			"name":        c.Name,
			"description": c.Description,
		}
		if len(c.Parameters) > 0 {
			tool["parameters"] = json.RawMessage(c.Parameters)
		}
		tools = append(tools, tool)
	}

	return ch.sendEvent(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":        cfg.Instructions,
			"voice":               voice,
			"tools":               tools,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
		},
	})
}

// SendAudioChunk streams one PCM chunk to the backend.
func (ch *realtimeChannel) SendAudioChunk(pcm []byte) error {
	return ch.sendEvent(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText injects a text message into the conversation. With endOfTurn set
// the backend is asked to respond immediately.
func (ch *realtimeChannel) SendText(text string, endOfTurn bool) error {
	err := ch.sendEvent(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	if err != nil {
		return err
	}
	if endOfTurn {
		return ch.sendEvent(map[string]any{"type": "response.create"})
	}
	return nil
}

// IsConnected reports whether the channel is live.
func (ch *realtimeChannel) IsConnected() bool {
	return ch.connected.Load()
}

// Disconnect closes the channel.
func (ch *realtimeChannel) Disconnect() error {
	ch.closeOnce.Do(func() {
		ch.connected.Store(false)
		close(ch.done)
		_ = ch.conn.Close()
	})
	return nil
}

func (ch *realtimeChannel) OnAudioChunk(fn func(pcm []byte)) {
	ch.mu.Lock()
	ch.onAudioChunk = fn
	ch.mu.Unlock()
}

func (ch *realtimeChannel) OnTextDelta(fn func(text, speaker string)) {
	ch.mu.Lock()
	ch.onTextDelta = fn
	ch.mu.Unlock()
}

func (ch *realtimeChannel) OnToolCall(fn ToolCallFunc) {
	ch.mu.Lock()
	ch.onToolCall = fn
	ch.mu.Unlock()
}

func (ch *realtimeChannel) OnDisconnect(fn func(err error)) {
	ch.mu.Lock()
	ch.onDisconnect = fn
	ch.mu.Unlock()
}

func (ch *realtimeChannel) sendEvent(event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if !ch.connected.Load() {
		return fmt.Errorf("channel closed")
	}
	select {
	case ch.send <- data:
		return nil
	case <-ch.done:
		return fmt.Errorf("channel closed")
	}
}

func (ch *realtimeChannel) readLoop() {
	defer func() {
		ch.connected.Store(false)
		ch.mu.RLock()
		fn := ch.onDisconnect
		ch.mu.RUnlock()
		if fn != nil {
			fn(fmt.Errorf("backend channel closed"))
		}
	}()

	for {
		select {
		case <-ch.done:
			return
		default:
		}

		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Backend read error: %v", err)
			}
			return
		}

		var event realtimeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		ch.dispatch(event)
	}
}

func (ch *realtimeChannel) dispatch(event realtimeEvent) {
	ch.mu.RLock()
	onAudio := ch.onAudioChunk
	onText := ch.onTextDelta
	onTool := ch.onToolCall
	ch.mu.RUnlock()

	switch event.Type {
	case "response.audio.delta":
		if onAudio != nil && event.Delta != "" {
			pcm, err := base64.StdEncoding.DecodeString(event.Delta)
			if err != nil {
				return
			}
			onAudio(pcm)
		}

	case "response.audio_transcript.delta":
		if onText != nil && event.Delta != "" {
			onText(event.Delta, "agent")
		}

	case "conversation.item.input_audio_transcription.completed":
		if onText != nil && event.Transcript != "" {
			onText(event.Transcript, "caller")
		}

	case "response.function_call_arguments.done":
		if onTool != nil {
			go ch.runToolCall(onTool, event)
		}

	case "error":
		if event.Error != nil {
			log.Printf("Backend error event: %s %s", event.Error.Code, event.Error.Message)
		}
	}
}

func (ch *realtimeChannel) runToolCall(fn ToolCallFunc, event realtimeEvent) {
	result, err := fn(event.Name, event.Arguments)
	if err != nil {
		result = json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	_ = ch.sendEvent(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": event.CallID,
			"output":  string(result),
		},
	})
	_ = ch.sendEvent(map[string]any{"type": "response.create"})
}

func (ch *realtimeChannel) writeLoop() {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return
		case data := <-ch.send:
			if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Backend write error: %v", err)
				_ = ch.Disconnect()
				return
			}
		case <-ticker.C:
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ch.Disconnect()
				return
			}
		}
	}
}

// Verify interface compliance at compile time.
var (
	_ Channel   = (*realtimeChannel)(nil)
	_ Connector = (*RealtimeConnector)(nil)
)
