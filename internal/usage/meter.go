package usage

import (
	"strings"
	"time"

	"dialflow/internal/provider"
)

// TTSFamily buckets synthesis character counts per provider family for
// billing. Classification is by voice id, since the agent config only
// carries the voice.
type TTSFamily string

const (
	TTSFamilyElevenLabs TTSFamily = "elevenlabs"
	TTSFamilyStandard   TTSFamily = "standard"
)

// elevenVoiceIDs is the known ElevenLabs voice allowlist. ElevenLabs ids are
// 20-char base62 strings; the prebuilt voices below cover the dashboard
// defaults, and the length heuristic catches cloned voices.
var elevenVoiceIDs = map[string]struct{}{
	"21m00Tcm4TlvDq8ikWAM": {}, // Rachel
	"AZnzlk1XvdvUeBnXmlld": {}, // Domi
	"EXAVITQu4vr4xnSDxMaL": {}, // Bella
	"ErXwobaYiN019PkySvjV": {}, // Antoni
	"MF3mGyEYCl7XYWbV9V6O": {}, // Elli
	"TxGEqnHWrfWFTfGW9XjX": {}, // Josh
	"VR6AewLTigWG4xSOukaG": {}, // Arnold
	"pNInz6obpgDQGcFmaJgB": {}, // Adam
	"yoZ06aMxZJJ28mfd3POQ": {}, // Sam
}

// ClassifyVoice maps a voice id to its provider family.
func ClassifyVoice(voiceID string) TTSFamily {
	if _, ok := elevenVoiceIDs[voiceID]; ok {
		return TTSFamilyElevenLabs
	}
	if len(voiceID) == 20 && !strings.ContainsAny(voiceID, " -_") {
		return TTSFamilyElevenLabs
	}
	return TTSFamilyStandard
}

// sttWordsPerSecond estimates transcription audio duration from word count
// when the provider reports none. ~150 wpm conversational speech.
const sttWordsPerSecond = 2.5

// Meter accumulates one call's resource consumption. It is exclusively owned
// by its session and mutated only from that session's pipeline, so it needs
// no locking; the sum reaches the ledger exactly once, at teardown.
type Meter struct {
	startedAt  time.Time
	sttSeconds float64
	llmTokens  int64
	ttsChars   map[TTSFamily]int64
}

func NewMeter(startedAt time.Time) *Meter {
	return &Meter{
		startedAt: startedAt,
		ttsChars:  make(map[TTSFamily]int64),
	}
}

// AddTranscript records STT consumption for one finalized transcript.
// providerSeconds wins when reported; otherwise duration is estimated from
// word count.
func (m *Meter) AddTranscript(text string, providerSeconds float64) {
	if providerSeconds > 0 {
		m.sttSeconds += providerSeconds
		return
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return
	}
	m.sttSeconds += float64(words) / sttWordsPerSecond
}

// AddGeneration records LLM token consumption from provider usage metadata.
func (m *Meter) AddGeneration(u *provider.Usage) {
	if u == nil {
		return
	}
	m.llmTokens += int64(u.TotalTokens)
}

// AddSynthesis records TTS character consumption, bucketed by the voice's
// provider family.
func (m *Meter) AddSynthesis(text, voiceID string) {
	if text == "" {
		return
	}
	m.ttsChars[ClassifyVoice(voiceID)] += int64(len(text))
}

// Usage is an immutable snapshot of a meter, taken at teardown.
type Usage struct {
	TelephonySeconds int
	STTSeconds       int
	LLMTokens        int64
	TTSChars         map[TTSFamily]int64
}

// Snapshot freezes the meter. Telephony time is wall clock from session
// start to now.
func (m *Meter) Snapshot(now time.Time) Usage {
	tel := int(now.Sub(m.startedAt).Round(time.Second).Seconds())
	if tel < 0 {
		tel = 0
	}
	stt := int(m.sttSeconds)
	if m.sttSeconds > float64(stt) {
		stt++ // round partial seconds up
	}
	chars := make(map[TTSFamily]int64, len(m.ttsChars))
	for k, v := range m.ttsChars {
		chars[k] = v
	}
	return Usage{
		TelephonySeconds: tel,
		STTSeconds:       stt,
		LLMTokens:        m.llmTokens,
		TTSChars:         chars,
	}
}
