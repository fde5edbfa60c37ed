package session

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Wire events for the carrier's bidirectional audio stream.
//
// Inbound: start, media (base64 µ-law), stop, mark.
// Outbound: media (160-byte µ-law frames, base64), mark, clear, error.

type InboundEvent struct {
	Event string        `json:"event"`
	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// ParseInbound decodes one transport frame. Binary or malformed frames are
// noise from the carrier, not errors: ok=false and the caller drops them.
func ParseInbound(messageType int, data []byte) (InboundEvent, bool) {
	if messageType != websocket.TextMessage {
		return InboundEvent{}, false
	}
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return InboundEvent{}, false
	}
	if ev.Event == "" {
		return InboundEvent{}, false
	}
	return ev, true
}

// DecodeAudio returns the raw µ-law bytes of a media event.
func (p *MediaPayload) DecodeAudio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Payload)
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

type outboundError struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Error     struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transport is the outbound half of the audio stream. Implementations must
// tolerate concurrent senders; playback, barge-in and error reporting can
// overlap.
type Transport interface {
	SendMedia(streamSID string, frame []byte) error
	SendMark(streamSID, name string) error
	SendClear(streamSID string) error
	SendError(streamSID, message string) error
	Close() error
}

// WSTransport sends stream events over a gorilla websocket. Writes are
// serialized; gorilla connections allow at most one concurrent writer.
type WSTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) SendMedia(streamSID string, frame []byte) error {
	msg := outboundMedia{Event: "media", StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(frame)
	return t.writeJSON(msg)
}

func (t *WSTransport) SendMark(streamSID, name string) error {
	msg := outboundMark{Event: "mark", StreamSID: streamSID}
	msg.Mark.Name = name
	return t.writeJSON(msg)
}

func (t *WSTransport) SendClear(streamSID string) error {
	return t.writeJSON(outboundClear{Event: "clear", StreamSID: streamSID})
}

func (t *WSTransport) SendError(streamSID, message string) error {
	msg := outboundError{Event: "error", StreamSID: streamSID}
	msg.Error.Message = message
	return t.writeJSON(msg)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

func (t *WSTransport) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}
