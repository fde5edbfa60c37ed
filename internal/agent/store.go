package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("agent not found")

// Store abstracts agent persistence.
type Store interface {
	GetAgent(ctx context.Context, workspaceID, agentID string) (Config, error)
}

// PostgresStore reads agents from the agents table. Tool schemas are stored
// as a JSONB column.
type PostgresStore struct {
	DB *sql.DB
}

func (s *PostgresStore) GetAgent(ctx context.Context, workspaceID, agentID string) (Config, error) {
	if workspaceID == "" || agentID == "" {
		return Config{}, ErrNotFound
	}
	const q = `
SELECT id, workspace_id, identity, voice_id, model, language, greeting, tools, sink_id, created_at, updated_at
FROM agents
WHERE workspace_id = $1 AND id = $2
`
	var c Config
	var toolsJSON []byte
	err := s.DB.QueryRowContext(ctx, q, workspaceID, agentID).Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.Identity,
		&c.VoiceID,
		&c.Model,
		&c.Language,
		&c.Greeting,
		&toolsJSON,
		&c.SinkID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, err
	}
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &c.Tools); err != nil {
			// A corrupt tool schema should not kill the call; the agent
			// simply runs without tools.
			c.Tools = nil
		}
	}
	return c, nil
}

// MemoryStore is an in-memory store for tests and early development.
type MemoryStore struct {
	Agents []Config
}

func (s *MemoryStore) GetAgent(ctx context.Context, workspaceID, agentID string) (Config, error) {
	_ = ctx
	for _, a := range s.Agents {
		if a.WorkspaceID == workspaceID && a.ID == agentID {
			return a, nil
		}
	}
	return Config{}, ErrNotFound
}
