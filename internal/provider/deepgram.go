package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// DeepgramTranscriber implements Transcriber on the Deepgram live API.
// One websocket per call; µ-law frames in, transcript events out.
type DeepgramTranscriber struct {
	apiKey string
	wsURL  string
}

func NewDeepgramTranscriber(apiKey string) *DeepgramTranscriber {
	return &DeepgramTranscriber{apiKey: apiKey, wsURL: deepgramListenURL}
}

func (t *DeepgramTranscriber) Start(ctx context.Context, language string) (TranscriptStream, error) {
	if t.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if language == "" {
		language = "en"
	}

	q := url.Values{}
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("channels", "1")
	q.Set("language", language)
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")

	header := http.Header{}
	header.Set("Authorization", "Token "+t.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.wsURL+"?"+q.Encode(), header)
	if err != nil {
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	s := &deepgramStream{
		conn:   conn,
		events: make(chan TranscriptEvent, 16),
	}
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	events chan TranscriptEvent

	writeMu sync.Mutex
	closed  bool
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Duration float64 `json:"duration"`
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	for {
		var res deepgramResult
		if err := s.conn.ReadJSON(&res); err != nil {
			return
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		s.events <- TranscriptEvent{
			Transcript:      alt.Transcript,
			IsFinal:         res.IsFinal,
			Confidence:      alt.Confidence,
			DurationSeconds: res.Duration,
		}
	}
}

func (s *deepgramStream) Write(mulaw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return fmt.Errorf("deepgram stream closed")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, mulaw)
}

func (s *deepgramStream) Events() <-chan TranscriptEvent {
	return s.events
}

func (s *deepgramStream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Best-effort flush request before closing the socket.
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	return s.conn.Close()
}
