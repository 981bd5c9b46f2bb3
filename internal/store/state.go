package store

import (
	"context"
	"time"
)

// StateTTL bounds how long an authorization redirect may wait for its callback.
const StateTTL = 10 * time.Minute

// FlowState is the data that ties an authorization redirect to its callback.
type FlowState struct {
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	Owner        string    `json:"owner"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
}

// StateStore holds pending flow state, keyed by session and provider.
type StateStore interface {
	// Put saves state for key, replacing any pending state for the same key.
	Put(ctx context.Context, key string, st *FlowState) error

	// Take returns and deletes the state for key. It returns nil, nil when no
	// unexpired state exists. A state can be taken at most once.
	Take(ctx context.Context, key string) (*FlowState, error)

	Close() error
}

// StateKey builds the StateStore key for a session's pending flow with a provider.
func StateKey(sessionID, provider string) string {
	return sessionID + ":" + provider
}
