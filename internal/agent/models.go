package agent

import "time"

// Config is everything the conversation pipeline needs to know about one
// voice agent. Loaded once at session attach and treated as read-only for
// the lifetime of the call.
type Config struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// Identity is the persona/system instruction given to the language model.
	Identity string `json:"identity" db:"identity"`

	VoiceID  string `json:"voice_id" db:"voice_id"`
	Model    string `json:"model" db:"model"`
	Language string `json:"language" db:"language"`

	// Greeting is spoken once, shortly after the media stream attaches,
	// independent of user input.
	Greeting string `json:"greeting" db:"greeting"`

	// Tools the model may invoke via a {tool, data} JSON envelope.
	Tools []Tool `json:"tools" db:"-"`

	// SinkID identifies where structured tool-call results are appended.
	SinkID string `json:"sink_id" db:"sink_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Tool describes one capability the agent may trigger from conversation.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters"`
}

type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// FindTool returns the declared tool with the given name.
func (c Config) FindTool(name string) (Tool, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Default is the safe fallback used when the configured agent cannot be
// loaded. The call proceeds with a generic assistant instead of failing.
func Default(workspaceID string) Config {
	return Config{
		ID:          "default",
		WorkspaceID: workspaceID,
		Identity:    "You are a polite phone assistant. Keep answers short and conversational.",
		VoiceID:     "alloy",
		Model:       "gpt-4o-mini",
		Language:    "en",
		Greeting:    "Hello! How can I help you today?",
	}
}
