package auth

import (
	"errors"
	"time"

	"dialflow/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StreamTokenManager signs and verifies per-call media-stream tokens.
//
// The carrier carries the token from the answer webhook into the websocket
// start event (as a TwiML custom parameter), proving the stream attach
// belongs to a call this platform originated or answered. Tokens are
// short-lived: a stream attaches within seconds of origination.
type StreamTokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewStreamTokenManager(cfg config.StreamConfig) (*StreamTokenManager, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("STREAM_TOKEN_SECRET is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StreamTokenManager{secret: []byte(cfg.TokenSecret), ttl: ttl}, nil
}

// StreamClaims bind a token to one call.
type StreamClaims struct {
	jwt.RegisteredClaims

	CallID      string `json:"call_id"`
	AgentID     string `json:"agent_id"`
	WorkspaceID string `json:"workspace_id"`
}

// Issue signs a token for one call attach.
func (m *StreamTokenManager) Issue(now time.Time, callID, agentID, workspaceID string) (string, error) {
	if callID == "" || agentID == "" || workspaceID == "" {
		return "", errors.New("call_id, agent_id and workspace_id are required")
	}

	claims := StreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		CallID:      callID,
		AgentID:     agentID,
		WorkspaceID: workspaceID,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

// Verify parses and validates a stream token.
func (m *StreamTokenManager) Verify(tokenString string, now time.Time) (StreamClaims, error) {
	var claims StreamClaims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second), // clock skew tolerance
	)

	if _, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return StreamClaims{}, err
	}

	if claims.CallID == "" {
		return StreamClaims{}, errors.New("call_id missing")
	}
	if claims.AgentID == "" {
		return StreamClaims{}, errors.New("agent_id missing")
	}
	if claims.WorkspaceID == "" {
		return StreamClaims{}, errors.New("workspace_id missing")
	}

	return claims, nil
}
