package search

import (
	"context"
	"encoding/json"

	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

// End reasons for a completed search run.
const (
	EndExactMatch    = "exact_match"
	EndConfidenceMet = "confidence_met"
	EndConverged     = "converged"
	EndGuardrailHit  = "guardrail_hit"
	EndNoMatch       = "no_match"
	EndError         = "error"
	EndSessionLost   = "session_expired"
)

// userFacingError is the stable message shown when a fatal internal error
// occurs. Internal error text never leaks to callers verbatim.
const userFacingError = "Search is temporarily unavailable. Please try again."

// Message is one conversational turn from the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a "run search" invocation.
type Request struct {
	SessionID string `json:"session_id"`
	// RunID lets the caller pick the run identifier so it can subscribe to
	// the event stream before submitting. Generated when empty.
	RunID string `json:"run_id,omitempty"`
	// Messages is the conversation history; the last user message drives the
	// search.
	Messages []Message `json:"messages"`
	// ContextIDs are entity ids already shown to this caller; in
	// new-results-only mode they are excluded from the final references.
	ContextIDs []string `json:"context_ids,omitempty"`
	// ExcludeContextIDs enables new-results-only mode.
	ExcludeContextIDs bool `json:"exclude_context_ids,omitempty"`
}

// Reference is one entity in the final result.
type Reference struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Reason     string   `json:"reason"`
	Evidence   []string `json:"evidence,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Result is the immutable terminal payload of a search run.
type Result struct {
	RunID      string      `json:"run_id"`
	Summary    string      `json:"summary"`
	References []Reference `json:"references"`
	EndReason  string      `json:"end_reason"`
	Confidence float64     `json:"confidence"`
	Iterations int         `json:"iterations"`
}

// Taxonomy carries the allow-lists the planner's filter values are checked
// against, plus the default status set.
type Taxonomy struct {
	Sectors         []string
	Categories      []string
	BusinessModels  []string
	DefaultStatuses []string
}

// CompletionService is the structured/free-text completion collaborator.
type CompletionService interface {
	Structured(ctx context.Context, phase, system, prompt string, schema json.RawMessage) (json.RawMessage, error)
	Complete(ctx context.Context, prompt string) (string, error)
}

// Backend is the entity retrieval collaborator.
type Backend interface {
	ExactName(ctx context.Context, text string, statuses []string, limit int) ([]companydb.NameMatch, error)
	Hybrid(ctx context.Context, text string, embedding []float32, statuses, excludeIDs []string, limit int, minSemantic float64) ([]companydb.ScoredHit, error)
	Lexical(ctx context.Context, text string, statuses []string, limit int) ([]companydb.ScoredHit, error)
	TagFilter(ctx context.Context, sectors, categories, businessModels, statuses []string, limit int) ([]companydb.ScoredHit, error)
	Hydrate(ctx context.Context, ids []string) ([]companydb.Company, error)
}

// Embedder produces one vector per input text, order-preserving.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}
