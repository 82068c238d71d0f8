package bridge

import "encoding/base64"

// streamFrame is one JSON message on the telephony media socket. The
// provider sends start, media, dtmf, mark and stop events; the gateway
// replies with media frames carrying base64 mu-law audio.
type streamFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	Mark      *markFrame  `json:"mark,omitempty"`
	Stop      *stopFrame  `json:"stop,omitempty"`
	DTMF      *dtmfFrame  `json:"dtmf,omitempty"`
}

type startFrame struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaFrame struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64 mu-law
}

type markFrame struct {
	Name string `json:"name"`
}

type stopFrame struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfFrame struct {
	Digit string `json:"digit"`
}

// outboundMedia builds the frame that carries synthesized audio back to
// the provider.
func outboundMedia(streamSID string, mulaw []byte) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(mulaw),
		},
	}
}
