package provider

import (
	"context"
	"errors"
)

// Vendor-agnostic capability interfaces consumed by the conversation
// pipeline. Adapters live in this package; no vendor SDK types leak out.
//
// Rules:
// - All blocking operations take a context.
// - Audio buffers are 8kHz µ-law unless stated otherwise.

var (
	// ErrNotConfigured is returned when a capability has no credential.
	// Callers treat it as a per-turn failure, not a fatal one.
	ErrNotConfigured = errors.New("provider not configured")
)

// Turn is one entry of a conversation context.
type Turn struct {
	Role string `json:"role"` // "user", "assistant" or "tool"
	Text string `json:"text"`
}

// Usage is the token accounting a generation provider reports, when it does.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Generation is the result of one language-model call.
type Generation struct {
	Text  string
	Usage *Usage // nil when the provider returned no usage metadata
}

// Generator produces the agent's next utterance from the conversation so far.
type Generator interface {
	Generate(ctx context.Context, model, systemInstruction string, turns []Turn) (Generation, error)
}

// Synthesizer converts text to 8kHz µ-law audio for the given voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// TranscriptEvent is one speech-to-text result. Interim results carry
// IsFinal=false; the pipeline uses them only for barge-in detection.
type TranscriptEvent struct {
	Transcript string
	IsFinal    bool
	Confidence float64

	// DurationSeconds is the audio duration the provider attributed to this
	// result, 0 when not reported.
	DurationSeconds float64
}

// TranscriptStream is one live transcription session. Audio frames go in via
// Write; results come out on Events. Close releases the upstream connection
// and closes the events channel.
type TranscriptStream interface {
	Write(mulaw []byte) error
	Events() <-chan TranscriptEvent
	Close() error
}

// Transcriber opens live transcription streams.
type Transcriber interface {
	Start(ctx context.Context, language string) (TranscriptStream, error)
}
