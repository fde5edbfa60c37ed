package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"dialflow/internal/agent"
	"dialflow/internal/provider"
	"dialflow/internal/session"
	"dialflow/internal/sink"
)

type fakeGenerator struct {
	mu        sync.Mutex
	responses []provider.Generation
	err       error
	calls     int
	onCall    func(turns []provider.Turn)
}

func (g *fakeGenerator) Generate(_ context.Context, _, _ string, turns []provider.Turn) (provider.Generation, error) {
	g.mu.Lock()
	g.calls++
	hook := g.onCall
	var resp provider.Generation
	if g.err == nil {
		if len(g.responses) > 0 {
			resp = g.responses[0]
			if len(g.responses) > 1 {
				g.responses = g.responses[1:]
			}
		}
	}
	err := g.err
	g.mu.Unlock()
	if hook != nil {
		hook(turns)
	}
	return resp, err
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
	// failOn limits err to one text; empty fails everything.
	failOn string
}

func (s *fakeSynth) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.err != nil && (s.failOn == "" || s.failOn == text) {
		return nil, s.err
	}
	return []byte("ulaw"), nil
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

type nopTransport struct {
	mu     sync.Mutex
	media  int
	clears int
	errs   int
}

func (t *nopTransport) SendMedia(string, []byte) error {
	t.mu.Lock()
	t.media++
	t.mu.Unlock()
	return nil
}
func (t *nopTransport) SendMark(string, string) error { return nil }
func (t *nopTransport) SendClear(string) error {
	t.mu.Lock()
	t.clears++
	t.mu.Unlock()
	return nil
}
func (t *nopTransport) SendError(string, string) error {
	t.mu.Lock()
	t.errs++
	t.mu.Unlock()
	return nil
}
func (t *nopTransport) Close() error { return nil }

func (t *nopTransport) mediaCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.media
}

func (t *nopTransport) errorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs
}

func speech(text string) provider.Generation {
	return provider.Generation{Text: text}
}

func testAgent() agent.Config {
	cfg := agent.Default("ws1")
	cfg.SinkID = "leads"
	cfg.Tools = []agent.Tool{{
		Name: "save_lead",
		Parameters: []agent.Parameter{
			{Name: "name", Required: true},
			{Name: "phone"},
		},
	}}
	return cfg
}

func newHarness(t *testing.T, gen *fakeGenerator, synth *fakeSynth) (*Orchestrator, *session.Session, *sink.MemorySink) {
	t.Helper()
	o, s, rows, _ := newHarnessWith(t, gen, synth, testAgent())
	return o, s, rows
}

func newHarnessWith(t *testing.T, gen *fakeGenerator, synth *fakeSynth, cfg agent.Config) (*Orchestrator, *session.Session, *sink.MemorySink, *nopTransport) {
	t.Helper()
	rows := &sink.MemorySink{}
	o := NewOrchestrator(gen, synth, rows, slog.Default())
	o.sleep = func(context.Context, time.Duration) bool { return true }

	tr := &nopTransport{}
	r := session.NewRegistry(slog.Default(), nil)
	s := r.Create("CA1", "ws1", cfg, tr, time.Now())
	s.HandleStart("MS1")
	return o, s, rows, tr
}

func final(text string) provider.TranscriptEvent {
	return provider.TranscriptEvent{Transcript: text, IsFinal: true}
}

func TestTurnSpeaksGeneratedText(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{speech("Happy to help.")}}
	synth := &fakeSynth{}
	o, s, _ := newHarness(t, gen, synth)

	o.OnTranscript(context.Background(), s, final("what are your hours"))

	turns := s.Turns()
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("turns = %+v, want user then assistant", turns)
	}
	if got := synth.spoken(); len(got) != 1 || got[0] != "Happy to help." {
		t.Errorf("spoken = %v", got)
	}
}

func TestEmptyAndInterimTranscriptsIgnored(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{speech("hi")}}
	o, s, _ := newHarness(t, gen, &fakeSynth{})

	o.OnTranscript(context.Background(), s, final("   "))
	o.OnTranscript(context.Background(), s, provider.TranscriptEvent{Transcript: "still talk", IsFinal: false})

	if gen.callCount() != 0 {
		t.Errorf("generator called %d times for ignorable input", gen.callCount())
	}
}

func TestDuplicateFinalProcessedOnce(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{speech("once")}}
	o, s, _ := newHarness(t, gen, &fakeSynth{})

	o.OnTranscript(context.Background(), s, final("book me in"))
	o.OnTranscript(context.Background(), s, final("book me in"))

	if gen.callCount() != 1 {
		t.Errorf("generator called %d times for a re-emitted final, want 1", gen.callCount())
	}
}

func TestFinalDroppedWhileTurnInFlight(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{speech("first")}}
	synth := &fakeSynth{}
	var o *Orchestrator
	var s *session.Session
	gen.onCall = func([]provider.Turn) {
		// A second final landing mid-turn must not start a nested turn.
		hook := gen.onCall
		gen.onCall = nil
		defer func() { gen.onCall = hook }()
		o.OnTranscript(context.Background(), s, final("second utterance"))
	}
	o, s, _ = newHarness(t, gen, synth)

	o.OnTranscript(context.Background(), s, final("first utterance"))

	if gen.callCount() != 1 {
		t.Errorf("generator called %d times, want 1", gen.callCount())
	}
}

func TestToolCallWritesOneRowAndConfirms(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{
		speech(`{"tool":"save_lead","data":{"name":"Ana","phone":"+15550001111","transcript":"nope"}}`),
		speech("All set, Ana."),
	}}
	synth := &fakeSynth{}
	o, s, rows := newHarness(t, gen, synth)

	o.OnTranscript(context.Background(), s, final("my name is Ana"))

	if rows.Count() != 1 {
		t.Fatalf("sink rows = %d, want 1", rows.Count())
	}
	row := rows.Rows[0]
	if row.SinkID != "leads" {
		t.Errorf("sink id = %q", row.SinkID)
	}
	if row.Fields["name"] != "Ana" || row.Fields["phone"] != "+15550001111" {
		t.Errorf("fields = %v", row.Fields)
	}
	if _, ok := row.Fields["transcript"]; ok {
		t.Error("blocked field written to sink")
	}
	if got := synth.spoken(); len(got) != 1 || got[0] != "All set, Ana." {
		t.Errorf("spoken = %v", got)
	}
}

func TestSecondToolCallDoesNotWriteAgain(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{
		speech(`{"tool":"save_lead","data":{"name":"Ana"}}`),
		speech("Saved."),
		speech(`{"tool":"save_lead","data":{"name":"Ana again"}}`),
		speech("Already noted."),
	}}
	o, s, rows := newHarness(t, gen, &fakeSynth{})

	ctx := context.Background()
	o.OnTranscript(ctx, s, final("save my details"))
	o.OnTranscript(ctx, s, final("save them again"))

	if rows.Count() != 1 {
		t.Errorf("sink rows = %d, want exactly 1 per call", rows.Count())
	}
}

func TestToolRoundCapBreaksLoop(t *testing.T) {
	envelope := speech(`{"tool":"save_lead","data":{"name":"Ana"}}`)
	gen := &fakeGenerator{responses: []provider.Generation{envelope}}
	synth := &fakeSynth{}
	o, s, rows := newHarness(t, gen, synth)

	o.OnTranscript(context.Background(), s, final("save it forever"))

	if want := o.MaxToolRounds + 1; gen.callCount() != want {
		t.Errorf("generator called %d times, want %d", gen.callCount(), want)
	}
	if rows.Count() != 1 {
		t.Errorf("sink rows = %d, want 1", rows.Count())
	}
	if got := synth.spoken(); len(got) != 1 || got[0] != savedText {
		t.Errorf("spoken = %v, want canned confirmation", got)
	}
}

func TestGenerationFailureSpeaksApology(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream 500")}
	synth := &fakeSynth{}
	o, s, _ := newHarness(t, gen, synth)

	o.OnTranscript(context.Background(), s, final("hello"))

	if got := synth.spoken(); len(got) != 1 || got[0] != apologyText {
		t.Errorf("spoken = %v, want apology", got)
	}
	// The session keeps working after the failed turn.
	gen.mu.Lock()
	gen.err = nil
	gen.responses = []provider.Generation{speech("recovered")}
	gen.mu.Unlock()
	o.OnTranscript(context.Background(), s, final("hello again"))
	if got := synth.spoken(); len(got) != 2 || got[1] != "recovered" {
		t.Errorf("spoken after recovery = %v", got)
	}
}

func TestSynthesisFailureFallsBackToApology(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{speech("the reply")}}
	synth := &fakeSynth{err: errors.New("tts 500"), failOn: "the reply"}
	o, s, _, tr := newHarnessWith(t, gen, synth, testAgent())

	o.OnTranscript(context.Background(), s, final("hello"))

	if got := synth.spoken(); len(got) != 2 || got[1] != apologyText {
		t.Fatalf("synthesized = %v, want the reply then the apology", got)
	}
	if tr.mediaCount() == 0 {
		t.Error("apology audio never reached the transport")
	}
	if tr.errorCount() != 0 {
		t.Error("error event sent while the apology was still speakable")
	}
}

func TestSynthesizerDownSendsErrorEvent(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{speech("the reply")}}
	synth := &fakeSynth{err: errors.New("tts 500")}
	o, s, _, tr := newHarnessWith(t, gen, synth, testAgent())

	o.OnTranscript(context.Background(), s, final("hello"))

	if tr.mediaCount() != 0 {
		t.Error("audio sent despite the synthesizer being down")
	}
	if tr.errorCount() != 1 {
		t.Errorf("error events = %d, want exactly 1", tr.errorCount())
	}
}

func TestHearingLostNoticeSpoken(t *testing.T) {
	synth := &fakeSynth{}
	o, s, _ := newHarness(t, &fakeGenerator{}, synth)

	o.ReportHearingLost(context.Background(), s)

	if got := synth.spoken(); len(got) != 1 || got[0] != hearingLostText {
		t.Errorf("spoken = %v, want the hearing-lost notice", got)
	}
}

func TestToolCallCapturesIntent(t *testing.T) {
	cfg := testAgent()
	cfg.Tools[0].Parameters = append(cfg.Tools[0].Parameters, agent.Parameter{Name: "intent"})
	gen := &fakeGenerator{responses: []provider.Generation{
		speech(`{"tool":"save_lead","data":{"name":"Ana","intent":"book_demo"}}`),
		speech("Booked."),
	}}
	o, s, rows, _ := newHarnessWith(t, gen, &fakeSynth{}, cfg)

	o.OnTranscript(context.Background(), s, final("I want a demo"))

	if rows.Count() != 1 {
		t.Fatalf("sink rows = %d, want 1", rows.Count())
	}
	if got := s.Intent(); got != "book_demo" {
		t.Errorf("intent = %q, want book_demo", got)
	}
}

func TestBargeInDuringGenerationDiscardsResult(t *testing.T) {
	gen := &fakeGenerator{responses: []provider.Generation{speech("too late")}}
	synth := &fakeSynth{}
	var s *session.Session
	gen.onCall = func([]provider.Turn) {
		done := make(chan struct{})
		go func() {
			s.PlayAudio(make([]byte, 1600))
			close(done)
		}()
		for !s.Speaking() {
			runtime.Gosched()
		}
		s.Interrupt()
		<-done
	}
	o, sess, _ := newHarness(t, gen, synth)
	s = sess

	o.OnTranscript(context.Background(), s, final("question"))

	if got := synth.spoken(); len(got) != 0 {
		t.Errorf("stale result was spoken: %v", got)
	}
	turns := s.Turns()
	if len(turns) != 1 {
		t.Errorf("stale assistant turn appended: %+v", turns)
	}
}

func TestGreetingPlaysOnce(t *testing.T) {
	gen := &fakeGenerator{}
	synth := &fakeSynth{}
	o, s, _ := newHarness(t, gen, synth)

	ctx := context.Background()
	o.PlayGreeting(ctx, s)
	o.PlayGreeting(ctx, s)

	if got := synth.spoken(); len(got) != 1 || got[0] != s.Agent.Greeting {
		t.Errorf("spoken = %v, want one greeting", got)
	}
	if gen.callCount() != 0 {
		t.Error("greeting should not hit the language model")
	}
	turns := s.Turns()
	if len(turns) != 1 || turns[0].Role != "assistant" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestGreetingSkippedWhenCallerSpokeFirst(t *testing.T) {
	synth := &fakeSynth{}
	o, s, _ := newHarness(t, &fakeGenerator{}, synth)

	if _, ok := s.BeginTurn("caller got in first"); !ok {
		t.Fatal("could not occupy the turn slot")
	}
	o.PlayGreeting(context.Background(), s)
	s.EndTurn()

	if got := synth.spoken(); len(got) != 0 {
		t.Errorf("greeting spoken over an active turn: %v", got)
	}
}
