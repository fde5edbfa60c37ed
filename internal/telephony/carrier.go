package telephony

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Carrier is the provider-agnostic outbound calling interface. No provider
// SDK calls happen outside the telephony adapters.
type Carrier interface {
	Name() string

	// Originate places one outbound call and returns the provider's call id.
	Originate(ctx context.Context, req OriginateRequest) (string, error)
}

// OriginateRequest describes one outbound call. URLs are absolute; the
// provider fetches AnswerURL for call instructions and posts lifecycle
// events to StatusCallbackURL.
type OriginateRequest struct {
	To   string
	From string

	AnswerURL         string
	StatusCallbackURL string

	// Record asks the provider to record the call and post the result to
	// RecordingCallbackURL when it is ready.
	Record               bool
	RecordingCallbackURL string
}

// Call status values as providers report them. Anything in terminalStatuses
// releases the call's concurrency slot and closes out the contact.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusNoAnswer   = "no-answer"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

var terminalStatuses = map[string]bool{
	StatusCompleted: true,
	StatusBusy:      true,
	StatusNoAnswer:  true,
	StatusFailed:    true,
	StatusCanceled:  true,
}

// IsTerminalStatus reports whether a provider status ends the call.
func IsTerminalStatus(status string) bool {
	return terminalStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// StatusEvent is one lifecycle notification from the provider.
type StatusEvent struct {
	CallID     string
	Status     string
	Duration   time.Duration
	OccurredAt time.Time
}

// ParseStatusCallback extracts the fields we track from a provider status
// webhook form.
func ParseStatusCallback(r *http.Request, now time.Time) (StatusEvent, error) {
	if err := r.ParseForm(); err != nil {
		return StatusEvent{}, err
	}
	ev := StatusEvent{
		CallID:     r.PostFormValue("CallSid"),
		Status:     strings.ToLower(r.PostFormValue("CallStatus")),
		OccurredAt: now,
	}
	if secs := r.PostFormValue("CallDuration"); secs != "" {
		if d, err := time.ParseDuration(secs + "s"); err == nil {
			ev.Duration = d
		}
	}
	return ev, nil
}

// RecordingEvent is the provider's notification that a call recording is
// available for download.
type RecordingEvent struct {
	CallID       string
	RecordingURL string
	DurationSec  int
}

func ParseRecordingCallback(r *http.Request) (RecordingEvent, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingEvent{}, err
	}
	ev := RecordingEvent{
		CallID:       r.PostFormValue("CallSid"),
		RecordingURL: r.PostFormValue("RecordingUrl"),
	}
	if secs := r.PostFormValue("RecordingDuration"); secs != "" {
		var n int
		for _, c := range secs {
			if c < '0' || c > '9' {
				n = 0
				break
			}
			n = n*10 + int(c-'0')
		}
		ev.DurationSec = n
	}
	return ev, nil
}
