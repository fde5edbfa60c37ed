package telephony

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"dialflow/internal/config"
)

// TwilioCarrier originates calls through the Twilio REST API.
type TwilioCarrier struct {
	client *twilio.RestClient
	from   string
	log    *slog.Logger
}

func NewTwilioCarrier(cfg config.TwilioConfig, log *slog.Logger) *TwilioCarrier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioCarrier{client: client, from: cfg.FromNumber, log: log}
}

func (c *TwilioCarrier) Name() string { return "twilio" }

func (c *TwilioCarrier) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	if req.To == "" {
		return "", fmt.Errorf("telephony: destination number is required")
	}
	from := req.From
	if from == "" {
		from = c.from
	}

	params := &twilioapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(req.AnswerURL)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
		params.SetStatusCallbackMethod("POST")
	}
	if req.Record {
		params.SetRecord(true)
		if req.RecordingCallbackURL != "" {
			params.SetRecordingStatusCallback(req.RecordingCallbackURL)
		}
	}

	// twilio-go does not take a context; the deadline still gates the
	// dialer's batch, so check it before the blocking call.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("telephony: create call: %w", err)
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", fmt.Errorf("telephony: provider returned no call sid")
	}
	c.log.Info("call originated", "call_id", *resp.Sid, "to", req.To)
	return *resp.Sid, nil
}
