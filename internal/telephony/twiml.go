package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// StreamParams are the custom parameters attached to the media stream so the
// websocket handler can identify and authenticate the call without any
// shared state between webhook and stream server.
type StreamParams struct {
	CallID      string
	AgentID     string
	WorkspaceID string
	Token       string
}

// ConnectStreamTwiML renders the answer document: connect the call's audio
// to our websocket endpoint with the session parameters embedded.
func ConnectStreamTwiML(streamURL string, p StreamParams) (string, error) {
	if streamURL == "" {
		return "", fmt.Errorf("telephony: stream url is required")
	}
	stream := &twiml.VoiceStream{
		Url: streamURL,
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "callId", Value: p.CallID},
			&twiml.VoiceParameter{Name: "agentId", Value: p.AgentID},
			&twiml.VoiceParameter{Name: "workspaceId", Value: p.WorkspaceID},
			&twiml.VoiceParameter{Name: "token", Value: p.Token},
		},
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}
