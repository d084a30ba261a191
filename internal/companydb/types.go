package companydb

import (
	"errors"
	"time"
)

// Config holds retrieval backend settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// TopK is the default result limit when a caller passes 0.
	TopK int
}

// ErrSchemaMismatch marks backend failures caused by the search schema being
// out of date (missing column/function). Callers may surface the migration
// hint to operators; everything else is treated as transient.
var ErrSchemaMismatch = errors.New("retrieval backend schema mismatch: apply pending search migration")

// Company is an immutable snapshot of an entity record.
type Company struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	ProductDescription string   `json:"product_description"`
	ProblemSolved      string   `json:"problem_solved"`
	TargetCustomer     string   `json:"target_customer"`
	Differentiator     string   `json:"differentiator"`
	Sectors            []string `json:"sectors"`
	Categories         []string `json:"categories"`
	BusinessModels     []string `json:"business_models"`
	Niches             []string `json:"niches"`
	Status             string   `json:"status"`
}

// NameMatch is a scored exact-name lookup result.
type NameMatch struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Scores carries the per-signal retrieval scores for one hit.
type Scores struct {
	Semantic  float64 `json:"semantic"`
	Lexical   float64 `json:"lexical"`
	Niche     float64 `json:"niche"`
	Tag       float64 `json:"tag"`
	ExactName float64 `json:"exact_name"`
}

// ScoredHit is one entity returned by a retrieval strategy.
type ScoredHit struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Scores        Scores   `json:"scores"`
	MatchedFields []string `json:"matched_fields"`
	MatchedTerms  []string `json:"matched_terms"`
}
