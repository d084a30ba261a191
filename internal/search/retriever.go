package search

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
)

const (
	perCallLimit   = 20
	tagFilterLimit = 60 // coarse filter, larger cap than the scored strategies
	workingSetSize = 80
)

// Retriever executes the plan's retrieval strategies per query variant and
// merges the results into the request's candidate set. Hybrid and lexical
// calls run with bounded parallelism; each call may fail independently,
// degrading coverage rather than the request.
type Retriever struct {
	backend     Backend
	embedder    Embedder
	pool        *ants.Pool
	logger      *zap.Logger
	minSemantic float64
}

// NewRetriever creates a retriever with a worker pool of the given size.
func NewRetriever(backend Backend, embedder Embedder, poolSize int, logger *zap.Logger) (*Retriever, error) {
	if poolSize < 1 {
		poolSize = 4
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Retriever{
		backend:     backend,
		embedder:    embedder,
		pool:        pool,
		logger:      logger,
		minSemantic: 0.3,
	}, nil
}

// Release frees the worker pool.
func (r *Retriever) Release() {
	if r.pool != nil {
		r.pool.Release()
	}
}

// Retrieve runs one iteration's retrieval for the plan, merging everything
// into cs, then hydrates the top working set. Returns the number of backend
// calls consumed (budget units).
//
// cs is owned by the calling task; worker results are funneled through a
// channel so only this goroutine mutates it.
func (r *Retriever) Retrieve(ctx context.Context, plan *Plan, anchorID string, cs *CandidateSet) (int, error) {
	queries := plan.ExecutableQueries()
	calls := 0

	var embeddingsByQuery map[string][]float32
	if plan.HasStrategy(StrategyHybrid) && len(queries) > 0 {
		vecs, err := r.embedder.GenerateBatchEmbeddings(ctx, queries, "")
		calls++
		if err != nil {
			r.logger.Warn("Batch embedding failed; hybrid retrieval skipped this iteration", zap.Error(err))
		} else {
			embeddingsByQuery = make(map[string][]float32, len(queries))
			for i, q := range queries {
				if i < len(vecs) {
					embeddingsByQuery[q] = vecs[i]
				}
			}
		}
	}

	var exclude []string
	if anchorID != "" {
		exclude = []string{anchorID}
	}

	type callResult struct {
		strategy string
		query    string
		hits     []companydb.ScoredHit
		err      error
	}

	results := make(chan callResult, 2*len(queries)+1)
	var wg sync.WaitGroup

	submit := func(strategy, query string, fn func() ([]companydb.ScoredHit, error)) {
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			hits, err := fn()
			results <- callResult{strategy: strategy, query: query, hits: hits, err: err}
		})
		if err != nil {
			// pool rejected the task; run inline rather than lose coverage
			go func() {
				defer wg.Done()
				hits, ferr := fn()
				results <- callResult{strategy: strategy, query: query, hits: hits, err: ferr}
			}()
		}
	}

	for _, q := range queries {
		q := q
		if vec, ok := embeddingsByQuery[q]; ok && plan.HasStrategy(StrategyHybrid) {
			submit(StrategyHybrid, q, func() ([]companydb.ScoredHit, error) {
				return r.backend.Hybrid(ctx, q, vec, plan.Filters.Statuses, exclude, perCallLimit, r.minSemantic)
			})
		}
		if plan.HasStrategy(StrategyLexical) {
			submit(StrategyLexical, q, func() ([]companydb.ScoredHit, error) {
				return r.backend.Lexical(ctx, q, plan.Filters.Statuses, perCallLimit)
			})
		}
	}

	if plan.HasStrategy(StrategyTaxonomy) && hasTaxonomyFilter(plan) {
		submit(StrategyTaxonomy, "", func() ([]companydb.ScoredHit, error) {
			return r.backend.TagFilter(ctx,
				plan.Filters.Sectors,
				plan.Filters.Categories,
				plan.Filters.BusinessModels,
				plan.Filters.Statuses,
				tagFilterLimit)
		})
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		calls++
		if res.err != nil {
			r.logger.Warn("Retrieval call failed; coverage degraded",
				zap.String("strategy", res.strategy),
				zap.String("query", res.query),
				zap.Error(res.err),
			)
			continue
		}
		cs.Merge(res.hits)
	}

	if anchorID != "" {
		cs.Remove(anchorID)
	}

	// hydrate the working set in one batch call; a failed hydrate degrades
	// like any other retrieval call — the unhydrated candidates sit out
	// this iteration's filter and get another chance next pass
	ids := cs.TopIDs(workingSetSize)
	if len(ids) > 0 {
		companies, err := r.backend.Hydrate(ctx, ids)
		calls++
		if err != nil {
			r.logger.Warn("Batch hydrate failed; candidates stay unhydrated this iteration", zap.Error(err))
		}
		for i := range companies {
			if c := cs.Get(companies[i].ID); c != nil {
				c.Company = &companies[i]
				if c.Name == "" {
					c.Name = companies[i].Name
				}
			}
		}
	}

	return calls, ctx.Err()
}

func hasTaxonomyFilter(plan *Plan) bool {
	return len(plan.Filters.Sectors) > 0 ||
		len(plan.Filters.Categories) > 0 ||
		len(plan.Filters.BusinessModels) > 0
}
