package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

// ElevenLabsSynthesizer implements Synthesizer against the ElevenLabs TTS
// API, requesting µ-law 8kHz output so the buffer can go straight onto the
// telephony stream without transcoding.
type ElevenLabsSynthesizer struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewElevenLabsSynthesizer(apiKey string) *ElevenLabsSynthesizer {
	return &ElevenLabsSynthesizer{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if s.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if text == "" || voiceID == "" {
		return nil, fmt.Errorf("elevenlabs synthesize: text and voice required")
	}

	body, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: "eleven_turbo_v2_5"})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=ulaw_8000", s.baseURL, voiceID)

	var audio []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", s.apiKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("elevenlabs status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, msg))
		}

		audio, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("elevenlabs synthesize: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("elevenlabs synthesize: empty audio")
	}
	return audio, nil
}
