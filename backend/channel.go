// Package backend defines the conversational-audio backend boundary and a
// realtime WebSocket implementation of it.
package backend

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/callgate/capability"
	"github.com/xiaot623/callgate/domain"
)

// ToolCallFunc handles a tool invocation from the backend. The returned
// payload is sent back as the tool result.
type ToolCallFunc func(name string, args json.RawMessage) (json.RawMessage, error)

// Channel is the bidirectional voice channel to the conversational backend.
// It is opaque to the core: audio and text go in, audio, text deltas and tool
// calls come out.
type Channel interface {
	domain.VoiceChannel

	// SendAudioChunk streams one chunk of 16-bit PCM at the backend rate.
	SendAudioChunk(pcm []byte) error

	// OnAudioChunk registers the receiver for synthesized audio.
	OnAudioChunk(fn func(pcm []byte))
	// OnTextDelta registers the receiver for recognized/generated text.
	// Speaker is "caller" or "agent".
	OnTextDelta(fn func(text, speaker string))
	// OnToolCall registers the tool-call handler.
	OnToolCall(fn ToolCallFunc)
	// OnDisconnect registers a notifier for unexpected channel loss.
	OnDisconnect(fn func(err error))
}

// ChannelConfig carries the permission-filtered capability set and behavioral
// configuration for a new channel.
type ChannelConfig struct {
	Capabilities capability.Catalog
	Instructions string
	Voice        string
}

// Connector opens backend channels. The session manager holds one and dials
// a fresh channel per session.
type Connector interface {
	Connect(ctx context.Context, cfg ChannelConfig) (Channel, error)
}
