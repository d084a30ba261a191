package clarify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no pending session exists for the id.
	ErrSessionNotFound = errors.New("clarification session not found")

	// ErrSessionExpired is returned when the session's TTL has elapsed.
	ErrSessionExpired = errors.New("clarification session expired")
)

// Message is one conversational turn carried through a suspension.
type Message struct {
	Role    string `json:"role"` // "user", "assistant"
	Content string `json:"content"`
}

// CandidateSnapshot preserves one aggregated candidate across a suspension.
type CandidateSnapshot struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Semantic      float64  `json:"semantic"`
	Lexical       float64  `json:"lexical"`
	Niche         float64  `json:"niche"`
	Tag           float64  `json:"tag"`
	ExactName     float64  `json:"exact_name"`
	MatchedFields []string `json:"matched_fields,omitempty"`
	MatchedTerms  []string `json:"matched_terms,omitempty"`
}

// LoopSnapshot is the serialized loop state at the moment of suspension.
// Counters continue from these values on resume; they are never reset.
type LoopSnapshot struct {
	Iteration      int                 `json:"iteration"`
	ToolCalls      int                 `json:"tool_calls"`
	StartedAt      time.Time           `json:"started_at"`
	PreviousTopIDs []string            `json:"previous_top_ids"`
	BestScore      float64             `json:"best_score"`
	QueryVariants  []string            `json:"query_variants"`
	AnchorID       string              `json:"anchor_id,omitempty"`
	AnchorName     string              `json:"anchor_name,omitempty"`
	Candidates     []CandidateSnapshot `json:"candidates"`
}

// Session holds everything needed to resume a suspended search run.
type Session struct {
	SessionID    string       `json:"session_id"`
	RunID        string       `json:"run_id"`
	Query        string       `json:"query"`
	Conversation []Message    `json:"conversation"`
	Loop         LoopSnapshot `json:"loop"`
	Question     string       `json:"question"`
	Options      []string     `json:"options,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// IsExpired reports whether the session's TTL has elapsed.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Store persists clarification sessions keyed by the caller's session id.
// Implementations must be safe for concurrent access: one writer per active
// session plus a background sweeper reading and deleting expired entries.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
	Sweep(ctx context.Context) (int, error)
}
