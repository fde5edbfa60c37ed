package session

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dialflow/internal/agent"
	"dialflow/internal/provider"
	"dialflow/internal/usage"
)

const (
	// FrameBytes is 20ms of 8kHz µ-law audio, the carrier's frame size.
	FrameBytes = 160
	// FramePace keeps outbound audio near real time so barge-in can cut
	// playback mid-utterance instead of after a burst-sent buffer.
	FramePace = 20 * time.Millisecond

	markAudioComplete = "audio_complete"
)

// Session holds the live state of one call: the audio stream back to the
// carrier, the conversation history, the usage meter, and the turn and
// playback flags the pipeline coordinates on.
type Session struct {
	CallID      string
	WorkspaceID string
	Agent       agent.Config
	Meter       *usage.Meter

	transport Transport
	log       *slog.Logger

	mu          sync.Mutex
	streamSID   string
	streamReady bool
	pending     [][]byte
	turns       []provider.Turn
	processing  bool
	lastFinal   string
	intent      string

	speaking   atomic.Bool
	generation atomic.Int64
	greeted    atomic.Bool
	dataSaved  atomic.Bool
	destroyed  atomic.Bool

	pace func(time.Duration)
}

func newSession(callID, workspaceID string, cfg agent.Config, t Transport, log *slog.Logger, startedAt time.Time) *Session {
	return &Session{
		CallID:      callID,
		WorkspaceID: workspaceID,
		Agent:       cfg,
		Meter:       usage.NewMeter(startedAt),
		transport:   t,
		log:         log,
		pace:        time.Sleep,
	}
}

// HandleStart records the carrier's stream identifier and flushes any audio
// queued before the stream was announced (the greeting can win that race).
func (s *Session) HandleStart(streamSID string) {
	s.mu.Lock()
	s.streamSID = streamSID
	s.streamReady = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, buf := range queued {
		s.PlayAudio(buf)
	}
}

// PlayAudio streams one synthesized utterance to the caller in paced
// FrameBytes frames, then sends a single mark. If the stream is not ready
// yet the audio is queued for HandleStart. Barge-in clears the speaking
// flag and playback stops before the next frame.
func (s *Session) PlayAudio(buf []byte) {
	if len(buf) == 0 || s.destroyed.Load() {
		return
	}
	s.mu.Lock()
	if !s.streamReady {
		s.pending = append(s.pending, buf)
		s.mu.Unlock()
		return
	}
	sid := s.streamSID
	s.mu.Unlock()

	s.speaking.Store(true)
	for off := 0; off < len(buf); off += FrameBytes {
		if !s.speaking.Load() {
			break
		}
		end := off + FrameBytes
		if end > len(buf) {
			end = len(buf)
		}
		if err := s.transport.SendMedia(sid, buf[off:end]); err != nil {
			s.log.Warn("failed to send media frame", "call_id", s.CallID, "error", err)
			break
		}
		s.pace(FramePace)
	}
	s.speaking.Store(false)

	// The mark is sent even after an interrupted or failed run so the
	// carrier's playback bookkeeping never waits on a mark that will not
	// arrive.
	if err := s.transport.SendMark(sid, markAudioComplete); err != nil {
		s.log.Warn("failed to send mark", "call_id", s.CallID, "error", err)
	}
}

// Interrupt handles barge-in: caller speech arriving while the agent is
// speaking. Exactly one clear event goes out per playback run; concurrent
// interrupts race on the compare-and-swap and only the winner sends it.
// The generation bump discards any in-flight turn the interrupt overtook.
func (s *Session) Interrupt() {
	if !s.speaking.CompareAndSwap(true, false) {
		return
	}
	s.generation.Add(1)
	s.mu.Lock()
	sid := s.streamSID
	ready := s.streamReady
	s.mu.Unlock()
	if !ready {
		return
	}
	if err := s.transport.SendClear(sid); err != nil {
		s.log.Warn("failed to send clear", "call_id", s.CallID, "error", err)
	}
}

// ReportError sends a textual error event to the caller's transport. It is
// the fallback for voice-path failures where no audio can be produced.
func (s *Session) ReportError(message string) {
	if s.destroyed.Load() {
		return
	}
	s.mu.Lock()
	sid := s.streamSID
	ready := s.streamReady
	s.mu.Unlock()
	if !ready {
		return
	}
	if err := s.transport.SendError(sid, message); err != nil {
		s.log.Warn("failed to send error event", "call_id", s.CallID, "error", err)
	}
}

// Speaking reports whether agent audio is currently streaming out.
func (s *Session) Speaking() bool {
	return s.speaking.Load()
}

// BeginTurn claims the single processing slot for a final transcript.
// It returns ok=false when a turn is already in flight or when the same
// final was already processed (providers re-emit finals). The returned
// generation token lets the caller drop results the turn outlived.
func (s *Session) BeginTurn(final string) (gen int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return 0, false
	}
	if final != "" && final == s.lastFinal {
		return 0, false
	}
	s.processing = true
	if final != "" {
		s.lastFinal = final
	}
	return s.generation.Add(1), true
}

// EndTurn releases the processing slot.
func (s *Session) EndTurn() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// Stale reports whether the generation token was invalidated by a newer
// turn or a barge-in since BeginTurn handed it out.
func (s *Session) Stale(gen int64) bool {
	return s.generation.Load() != gen
}

// AppendTurn adds one exchange to the conversation history.
func (s *Session) AppendTurn(role, text string) {
	s.mu.Lock()
	s.turns = append(s.turns, provider.Turn{Role: role, Text: text})
	s.mu.Unlock()
}

// Turns returns a copy of the conversation so far.
func (s *Session) Turns() []provider.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// SetIntent records the intent captured for this call. It ends up on the
// campaign contact at teardown.
func (s *Session) SetIntent(v string) {
	s.mu.Lock()
	s.intent = v
	s.mu.Unlock()
}

// Intent returns the captured intent, if any.
func (s *Session) Intent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// TranscriptText renders the conversation as plain text for post-call
// storage. Tool result turns are pipeline internals and are left out.
func (s *Session) TranscriptText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, t := range s.turns {
		if t.Role == "tool" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

// TryGreet claims the one-shot greeting slot.
func (s *Session) TryGreet() bool {
	return s.greeted.CompareAndSwap(false, true)
}

// TrySaveData claims the one-shot structured-data write for the call.
func (s *Session) TrySaveData() bool {
	return s.dataSaved.CompareAndSwap(false, true)
}

func (s *Session) close() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	s.speaking.Store(false)
	if err := s.transport.Close(); err != nil {
		s.log.Debug("transport close", "call_id", s.CallID, "error", err)
	}
}
