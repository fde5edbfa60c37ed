package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"dialflow/internal/provider"
	"dialflow/internal/session"
	"dialflow/internal/sink"
)

const (
	defaultGreetingDelay = 2 * time.Second
	defaultToolRounds    = 2

	apologyText     = "Sorry, I'm having trouble hearing you. Could you say that again?"
	savedText       = "Got it, I've noted that down."
	hearingLostText = "I'm sorry, I've lost the audio on my end and can't hear you anymore. Please call back in a moment."
)

// Orchestrator drives one conversation turn end to end: final transcript in,
// language model, optional tool call, synthesized audio out. It owns no
// per-call state; everything lives on the session.
type Orchestrator struct {
	Generator   provider.Generator
	Synthesizer provider.Synthesizer
	Sink        sink.RowSink
	Log         *slog.Logger

	// GreetingDelay is how long after stream attach the greeting plays.
	GreetingDelay time.Duration
	// MaxToolRounds caps model re-invocations within one turn so a model
	// stuck emitting tool envelopes cannot loop the pipeline.
	MaxToolRounds int

	// sleep is swapped in tests.
	sleep func(context.Context, time.Duration) bool
}

func NewOrchestrator(gen provider.Generator, synth provider.Synthesizer, rows sink.RowSink, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Generator:     gen,
		Synthesizer:   synth,
		Sink:          rows,
		Log:           log,
		GreetingDelay: defaultGreetingDelay,
		MaxToolRounds: defaultToolRounds,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// OnTranscript feeds one transcription event into the pipeline. Interim
// results only matter for barge-in; finals start a turn if one is not
// already running and the text was not just processed.
func (o *Orchestrator) OnTranscript(ctx context.Context, s *session.Session, ev provider.TranscriptEvent) {
	text := strings.TrimSpace(ev.Transcript)
	if text == "" {
		return
	}

	// Caller speech over agent audio is a barge-in whatever kind of
	// result it arrives as.
	if s.Speaking() {
		s.Interrupt()
	}
	if !ev.IsFinal {
		return
	}

	s.Meter.AddTranscript(text, ev.DurationSeconds)

	gen, ok := s.BeginTurn(text)
	if !ok {
		o.Log.Debug("dropping final transcript", "call_id", s.CallID, "reason", "turn in flight or duplicate")
		return
	}
	defer s.EndTurn()

	s.AppendTurn("user", text)
	o.runTurn(ctx, s, gen)
}

// PlayGreeting speaks the agent's greeting once, a short delay after the
// media stream attaches. If the caller talks first and a turn is already
// running, the greeting is skipped rather than queued behind it.
func (o *Orchestrator) PlayGreeting(ctx context.Context, s *session.Session) {
	if !s.TryGreet() {
		return
	}
	if !o.sleep(ctx, o.GreetingDelay) {
		return
	}
	greeting := strings.TrimSpace(s.Agent.Greeting)
	if greeting == "" {
		return
	}

	gen, ok := s.BeginTurn("")
	if !ok {
		return
	}
	defer s.EndTurn()

	s.AppendTurn("assistant", greeting)
	o.speak(ctx, s, gen, greeting)
}

// runTurn generates a response for the conversation so far and speaks it,
// resolving tool calls along the way. Any stage failure degrades to a spoken
// apology; the session itself survives.
func (o *Orchestrator) runTurn(ctx context.Context, s *session.Session, gen int64) {
	instruction := s.Agent.Identity + ToolInstruction(s.Agent.Tools)

	var speech string
	for round := 0; ; round++ {
		result, err := o.Generator.Generate(ctx, s.Agent.Model, instruction, s.Turns())
		if err != nil {
			o.Log.Error("generation failed", "call_id", s.CallID, "error", err)
			o.speak(ctx, s, gen, apologyText)
			return
		}
		s.Meter.AddGeneration(result.Usage)
		if s.Stale(gen) {
			o.Log.Debug("discarding stale generation", "call_id", s.CallID)
			return
		}

		call, isTool := ExtractToolCall(result.Text)
		if !isTool {
			speech = strings.TrimSpace(result.Text)
			break
		}
		if round >= o.MaxToolRounds {
			o.Log.Warn("tool round cap reached", "call_id", s.CallID, "tool", call.Tool)
			speech = savedText
			break
		}
		s.AppendTurn("tool", o.handleToolCall(ctx, s, call))
	}

	if speech == "" {
		return
	}
	s.AppendTurn("assistant", speech)
	o.speak(ctx, s, gen, speech)
}

// handleToolCall validates and executes one tool envelope and returns the
// result line fed back to the model for its spoken follow-up.
func (o *Orchestrator) handleToolCall(ctx context.Context, s *session.Session, call ToolCall) string {
	tool, declared := s.Agent.FindTool(call.Tool)
	if !declared {
		o.Log.Warn("model invoked undeclared tool", "call_id", s.CallID, "tool", call.Tool)
		return "Tool '" + call.Tool + "' does not exist. Respond to the user in plain speech."
	}

	fields, err := FilterParams(tool, call.Data)
	if err != nil {
		o.Log.Warn("rejecting tool call", "call_id", s.CallID, "tool", call.Tool, "error", err)
		return "The tool call was invalid. Respond to the user in plain speech."
	}

	if !s.TrySaveData() {
		o.Log.Debug("data already saved for call", "call_id", s.CallID, "tool", call.Tool)
		return "The data was already recorded earlier in this call. Let the user know and continue."
	}

	if o.Sink == nil || s.Agent.SinkID == "" {
		o.Log.Warn("no sink configured for tool call", "call_id", s.CallID, "tool", call.Tool)
		return "The data could not be recorded. Apologize briefly and continue."
	}
	if err := o.Sink.AppendRow(ctx, s.Agent.SinkID, fields); err != nil {
		o.Log.Error("sink write failed", "call_id", s.CallID, "sink_id", s.Agent.SinkID, "error", err)
		return "The data could not be recorded. Apologize briefly and continue."
	}

	if v := fields["intent"]; v != "" {
		s.SetIntent(v)
	}

	o.Log.Info("tool call recorded", "call_id", s.CallID, "tool", call.Tool, "fields", len(fields))
	return "The data was recorded successfully. Confirm briefly to the user and continue."
}

// ReportHearingLost tells the caller the inbound audio path died mid-call,
// which otherwise degrades to an agent that silently never responds again.
// The turn slot keeps the notice from talking over an in-flight reply.
func (o *Orchestrator) ReportHearingLost(ctx context.Context, s *session.Session) {
	gen, ok := s.BeginTurn("")
	if !ok {
		return
	}
	defer s.EndTurn()
	o.speak(ctx, s, gen, hearingLostText)
}

// speak synthesizes text and streams it to the caller unless the turn went
// stale while the audio was being produced.
func (o *Orchestrator) speak(ctx context.Context, s *session.Session, gen int64, text string) {
	audio, err := o.Synthesizer.Synthesize(ctx, text, s.Agent.VoiceID)
	if err != nil {
		o.Log.Error("synthesis failed", "call_id", s.CallID, "error", err)
		o.speakFallback(ctx, s, gen, text)
		return
	}
	s.Meter.AddSynthesis(text, s.Agent.VoiceID)
	if s.Stale(gen) {
		o.Log.Debug("discarding stale audio", "call_id", s.CallID)
		return
	}
	s.PlayAudio(audio)
}

// speakFallback retries a failed synthesis once with the canned apology. A
// synthesizer that cannot even produce the apology is down; the caller gets
// a transport error event instead of dead air.
func (o *Orchestrator) speakFallback(ctx context.Context, s *session.Session, gen int64, failed string) {
	if failed != apologyText {
		if audio, err := o.Synthesizer.Synthesize(ctx, apologyText, s.Agent.VoiceID); err == nil {
			s.Meter.AddSynthesis(apologyText, s.Agent.VoiceID)
			if !s.Stale(gen) {
				s.PlayAudio(audio)
			}
			return
		}
	}
	s.ReportError(apologyText)
}
