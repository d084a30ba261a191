package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/clarify"
	"github.com/muthu-ramabadran/ceejay-new/internal/metrics"
	"github.com/muthu-ramabadran/ceejay-new/internal/streaming"
	"github.com/muthu-ramabadran/ceejay-new/internal/telemetry"
)

// ErrEmptyQuery is returned when the request carries no user message. It is
// rejected before any external call.
var ErrEmptyQuery = errors.New("empty user message")

const convergenceTopK = 5

// Clarification is a request for user disambiguation raised mid-loop.
// SessionID is the key the caller must present to Resume; it is always set
// on suspension, even when the original request carried no session id.
type Clarification struct {
	SessionID string   `json:"session_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
}

// Disambiguator inspects the filtered candidates and may request user
// disambiguation instead of letting the iteration proceed. A nil
// Disambiguator never asks.
type Disambiguator interface {
	Check(ctx context.Context, query string, candidates []*Candidate) *Clarification
}

// Outcome is the result of Run/Resume: exactly one field is set.
type Outcome struct {
	Result        *Result
	Clarification *Clarification
}

// Options are the controller's guardrails and thresholds.
type Options struct {
	MaxIterations  int
	MaxToolCalls   int
	MaxWallClock   time.Duration
	StopConfidence float64
}

func (o *Options) setDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.MaxToolCalls <= 0 {
		o.MaxToolCalls = 40
	}
	if o.MaxWallClock <= 0 {
		o.MaxWallClock = 240 * time.Second
	}
	if o.StopConfidence <= 0 {
		o.StopConfidence = 0.74
	}
}

// Controller runs the iterative search loop under guardrails and owns the
// clarification suspend/resume protocol.
type Controller struct {
	resolver      *AnchorResolver
	planner       *Planner
	retriever     *Retriever
	reranker      *Reranker
	critic        *Critic
	finalizer     *Finalizer
	clarifyStore  clarify.Store
	disambiguator Disambiguator
	events        *streaming.Manager
	sink          *telemetry.Sink
	opts          Options
	logger        *zap.Logger
}

func NewController(
	resolver *AnchorResolver,
	planner *Planner,
	retriever *Retriever,
	reranker *Reranker,
	critic *Critic,
	finalizer *Finalizer,
	clarifyStore clarify.Store,
	disambiguator Disambiguator,
	events *streaming.Manager,
	sink *telemetry.Sink,
	opts Options,
	logger *zap.Logger,
) *Controller {
	opts.setDefaults()
	return &Controller{
		resolver:      resolver,
		planner:       planner,
		retriever:     retriever,
		reranker:      reranker,
		critic:        critic,
		finalizer:     finalizer,
		clarifyStore:  clarifyStore,
		disambiguator: disambiguator,
		events:        events,
		sink:          sink,
		opts:          opts,
		logger:        logger,
	}
}

// loopState is mutated only by the single task owning the request.
type loopState struct {
	runID        string
	sessionID    string
	query        string
	conversation []Message
	contextIDs   []string
	excludeCtx   bool

	iteration       int
	toolCalls       int
	startedAt       time.Time
	previousTopIDs  []string
	bestScore       float64
	candidates      *CandidateSet
	carriedVariants []string
	anchor          *AnchorResult
	clarified       bool
	plan            *Plan
	rerankConf      float64
	ranked          []*Candidate
}

// Run executes a search request to a terminal state or a clarification
// suspension.
func (c *Controller) Run(ctx context.Context, req Request) (*Outcome, error) {
	query := lastUserMessage(req.Messages)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	st := &loopState{
		runID:        runID,
		sessionID:    req.SessionID,
		query:        query,
		conversation: req.Messages,
		contextIDs:   req.ContextIDs,
		excludeCtx:   req.ExcludeContextIDs,
		startedAt:    time.Now(),
		candidates:   NewCandidateSet(),
	}

	metrics.SearchesStarted.Inc()
	c.sink.RunStarted(st.runID, st.sessionID, st.query)
	c.status(st, "Understanding your request", "")

	// anchor resolution may short-circuit the whole request
	anchor, err := c.resolver.Resolve(ctx, st.query)
	st.toolCalls += anchor.LookupCalls
	if err != nil {
		return c.fail(st, fmt.Errorf("anchor resolution: %w", err))
	}
	switch anchor.Mode {
	case AnchorShortCircuit:
		res, err := c.finalizer.ShortCircuitResult(ctx, st.runID, anchor)
		if err != nil {
			return c.fail(st, err)
		}
		res.Iterations = 0
		return c.complete(st, res)
	case AnchorSimilarity:
		st.anchor = &anchor
		c.status(st, "Searching for companies similar to "+anchor.Name, "")
	}

	return c.runLoop(ctx, st)
}

// Resume continues a suspended run with the user's clarification selection.
// An unknown or expired session id yields a user-visible "session expired"
// result rather than an opaque error.
func (c *Controller) Resume(ctx context.Context, sessionID, selection string) (*Outcome, error) {
	if c.clarifyStore == nil {
		return sessionExpiredOutcome(""), nil
	}
	sess, err := c.clarifyStore.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, clarify.ErrSessionNotFound) || errors.Is(err, clarify.ErrSessionExpired) {
			return sessionExpiredOutcome(""), nil
		}
		return nil, fmt.Errorf("load clarification session: %w", err)
	}
	// consume-on-resume: a session is good for exactly one resume
	if err := c.clarifyStore.Delete(ctx, sessionID); err != nil {
		c.logger.Warn("Failed to delete consumed clarification session", zap.Error(err))
	}
	metrics.ClarifySessionsResumed.Inc()

	st := restoreState(sess)
	st.conversation = append(st.conversation, Message{Role: "user", Content: selection})
	st.clarified = true

	c.logger.Info("Resuming suspended search",
		zap.String("session_id", sessionID),
		zap.String("run_id", st.runID),
		zap.Int("iteration", st.iteration),
		zap.Int("tool_calls", st.toolCalls),
	)
	c.status(st, "Resuming search", selection)
	return c.runLoop(ctx, st)
}

func (c *Controller) runLoop(ctx context.Context, st *loopState) (*Outcome, error) {
	ctx, cancel := context.WithDeadline(ctx, st.startedAt.Add(c.opts.MaxWallClock))
	defer cancel()

	for {
		if reason := c.guardrail(st); reason != "" {
			return c.finishGuardrail(ctx, st, reason)
		}

		st.iteration++
		iterStart := time.Now()
		c.status(st, fmt.Sprintf("Searching (pass %d)", st.iteration), "")

		// plan
		plan, err := c.planner.Plan(ctx, PlanInput{
			Query:           st.query,
			Conversation:    st.conversation,
			PreviousTopIDs:  st.previousTopIDs,
			Anchor:          st.anchor,
			CarriedVariants: st.carriedVariants,
		})
		st.toolCalls++
		if err != nil {
			return c.failOrGuardrail(ctx, st, err)
		}
		st.plan = plan
		st.carriedVariants = plan.Queries
		c.sink.StepRecorded(st.runID, st.iteration, "plan", fmt.Sprintf("%d variants", len(plan.Queries)), time.Since(iterStart))
		if reason := c.guardrail(st); reason != "" {
			return c.finishGuardrail(ctx, st, reason)
		}

		// retrieve + hydrate
		retrStart := time.Now()
		calls, err := c.retriever.Retrieve(ctx, plan, anchorID(st.anchor), st.candidates)
		st.toolCalls += calls
		if err != nil {
			return c.failOrGuardrail(ctx, st, fmt.Errorf("retrieval: %w", err))
		}
		c.sink.StepRecorded(st.runID, st.iteration, "retrieve", fmt.Sprintf("%d candidates", st.candidates.Len()), time.Since(retrStart))
		if reason := c.guardrail(st); reason != "" {
			return c.finishGuardrail(ctx, st, reason)
		}

		// deterministic filtering
		filtered := ApplyFilters(st.candidates, plan, anchorID(st.anchor))
		if len(filtered) == 0 {
			// rerank has nothing to order; the critic still runs so it can
			// steer the next iteration with new variants
			c.logger.Info("No candidates survived filtering",
				zap.String("run_id", st.runID),
				zap.Int("iteration", st.iteration),
			)
			c.sink.StepRecorded(st.runID, st.iteration, "filter", "no survivors", 0)
			st.ranked = nil
			st.rerankConf = 0
		} else {
			// a tool-like action may request disambiguation instead of
			// results; at most one clarification per request
			if c.disambiguator != nil && !st.clarified && c.clarifyStore != nil {
				if cl := c.disambiguator.Check(ctx, st.query, filtered); cl != nil {
					return c.suspend(ctx, st, cl)
				}
			}

			// rerank
			rerankStart := time.Now()
			outcome, err := c.reranker.Rerank(ctx, st.query, plan, filtered)
			st.toolCalls++
			if err != nil {
				return c.failOrGuardrail(ctx, st, err)
			}
			st.ranked = outcome.Candidates
			st.rerankConf = outcome.Confidence
			c.sink.StepRecorded(st.runID, st.iteration, "rerank", fmt.Sprintf("confidence %.2f", outcome.Confidence), time.Since(rerankStart))
			if reason := c.guardrail(st); reason != "" {
				return c.finishGuardrail(ctx, st, reason)
			}
		}

		currentTop := rankedIDs(st.ranked, convergenceTopK)
		if top := topCombined(st.ranked); top > st.bestScore {
			st.bestScore = top
		}

		// critic
		verdict, err := c.critic.Evaluate(ctx, CriticInput{
			Iteration:        st.iteration,
			CandidateCount:   len(st.ranked),
			TopScores:        combinedScores(st.ranked, convergenceTopK),
			RerankConfidence: st.rerankConf,
			PreviousTopIDs:   st.previousTopIDs,
			CurrentTopIDs:    currentTop,
			SuccessCriterion: plan.SuccessCriterion,
			ExecutedQueries:  plan.ExecutableQueries(),
			RemainingBudget:  c.opts.MaxToolCalls - st.toolCalls,
			RemainingIters:   c.opts.MaxIterations - st.iteration,
		})
		st.toolCalls++
		if err != nil {
			return c.failOrGuardrail(ctx, st, err)
		}

		// decision rule, in order
		switch {
		case verdict.Stop() && st.rerankConf >= c.opts.StopConfidence:
			return c.finish(ctx, st, EndConfidenceMet)
		case topIDsEqual(st.previousTopIDs, currentTop):
			return c.finish(ctx, st, EndConverged)
		default:
			if added := st.plan.AddVariants(verdict.NewQueries); added > 0 {
				st.carriedVariants = st.plan.Queries
				c.logger.Debug("Critic injected query variants",
					zap.String("run_id", st.runID),
					zap.Int("added", added),
				)
			}
			st.previousTopIDs = currentTop
		}
	}
}

// failOrGuardrail distinguishes the wall-clock deadline firing mid-call from
// a genuine collaborator failure.
func (c *Controller) failOrGuardrail(ctx context.Context, st *loopState, err error) (*Outcome, error) {
	if errors.Is(err, context.DeadlineExceeded) && time.Since(st.startedAt) >= c.opts.MaxWallClock {
		return c.finishGuardrail(ctx, st, EndGuardrailHit)
	}
	return c.fail(st, err)
}

// guardrail returns the end reason if any ceiling is exceeded.
func (c *Controller) guardrail(st *loopState) string {
	if st.iteration >= c.opts.MaxIterations {
		return EndGuardrailHit
	}
	if st.toolCalls >= c.opts.MaxToolCalls {
		return EndGuardrailHit
	}
	if time.Since(st.startedAt) >= c.opts.MaxWallClock {
		return EndGuardrailHit
	}
	return ""
}

// suspend serializes the loop state into the clarification store and emits a
// clarification-request event instead of a final answer.
func (c *Controller) suspend(ctx context.Context, st *loopState, cl *Clarification) (*Outcome, error) {
	if st.sessionID == "" {
		st.sessionID = st.runID
	}
	cl.SessionID = st.sessionID
	sess := &clarify.Session{
		SessionID:    st.sessionID,
		RunID:        st.runID,
		Query:        st.query,
		Conversation: toClarifyMessages(st.conversation),
		Loop: clarify.LoopSnapshot{
			Iteration:      st.iteration,
			ToolCalls:      st.toolCalls,
			StartedAt:      st.startedAt,
			PreviousTopIDs: st.previousTopIDs,
			BestScore:      st.bestScore,
			QueryVariants:  st.carriedVariants,
			AnchorID:       anchorID(st.anchor),
			AnchorName:     anchorName(st.anchor),
			Candidates:     st.candidates.Snapshot(),
		},
		Question: cl.Question,
		Options:  cl.Options,
	}
	if err := c.clarifyStore.Put(ctx, sess); err != nil {
		return c.fail(st, fmt.Errorf("suspend for clarification: %w", err))
	}

	c.sink.RunUpdated(st.runID, "clarifying", st.iteration, st.toolCalls)
	c.events.Publish(st.runID, streaming.Event{
		Type:    streaming.TypeClarification,
		Label:   cl.Question,
		Detail:  joinOptions(cl.Options),
		Payload: mustJSON(cl),
	})
	return &Outcome{Clarification: cl}, nil
}

// finishGuardrail offers whatever candidates exist to the finalizer instead
// of discarding them.
func (c *Controller) finishGuardrail(ctx context.Context, st *loopState, reason string) (*Outcome, error) {
	c.logger.Info("Guardrail reached",
		zap.String("run_id", st.runID),
		zap.Int("iteration", st.iteration),
		zap.Int("tool_calls", st.toolCalls),
	)
	if len(st.ranked) == 0 && st.plan != nil {
		st.ranked = ApplyFilters(st.candidates, st.plan, anchorID(st.anchor))
	}
	// the wall-clock deadline may already have cancelled ctx; finalize on a
	// fresh context so surviving candidates are still offered
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return c.finish(finalCtx, st, reason)
}

func (c *Controller) finish(ctx context.Context, st *loopState, reason string) (*Outcome, error) {
	var exclude []string
	if st.excludeCtx {
		exclude = st.contextIDs
	}
	res, err := c.finalizer.Finalize(ctx, FinalizeInput{
		RunID:      st.runID,
		Query:      st.query,
		Plan:       st.plan,
		Candidates: st.ranked,
		Anchor:     st.anchor,
		EndReason:  reason,
		Confidence: st.rerankConf,
		Iterations: st.iteration,
		ExcludeIDs: exclude,
		OnPartial: func(text string) {
			c.events.Publish(st.runID, streaming.Event{Type: streaming.TypePartial, Text: text})
		},
	})
	if err != nil {
		return c.fail(st, err)
	}
	return c.complete(st, res)
}

func (c *Controller) complete(st *loopState, res *Result) (*Outcome, error) {
	metrics.SearchesCompleted.WithLabelValues(res.EndReason).Inc()
	metrics.SearchIterations.Observe(float64(st.iteration))
	metrics.SearchDuration.Observe(time.Since(st.startedAt).Seconds())
	c.sink.RunCompleted(st.runID, res.EndReason, st.iteration, st.toolCalls, len(res.References))

	c.events.Publish(st.runID, streaming.Event{
		Type:    streaming.TypeFinal,
		Payload: mustJSON(res),
	})
	c.logger.Info("Search completed",
		zap.String("run_id", st.runID),
		zap.String("end_reason", res.EndReason),
		zap.Int("iterations", st.iteration),
		zap.Int("tool_calls", st.toolCalls),
		zap.Int("references", len(res.References)),
	)
	return &Outcome{Result: res}, nil
}

// fail maps internal errors to the stable user-facing error result; internal
// text is logged, never surfaced.
func (c *Controller) fail(st *loopState, err error) (*Outcome, error) {
	c.logger.Error("Search failed",
		zap.String("run_id", st.runID),
		zap.Int("iteration", st.iteration),
		zap.Error(err),
	)
	metrics.SearchesCompleted.WithLabelValues(EndError).Inc()
	c.sink.RunCompleted(st.runID, EndError, st.iteration, st.toolCalls, 0)

	res := ErrorResult(st.runID, st.iteration)
	c.events.Publish(st.runID, streaming.Event{
		Type: streaming.TypeError,
		Text: res.Summary,
	})
	return &Outcome{Result: res}, nil
}

func (c *Controller) status(st *loopState, label, detail string) {
	c.events.Publish(st.runID, streaming.Event{
		Type:   streaming.TypeStatus,
		Label:  label,
		Detail: detail,
	})
}

func restoreState(sess *clarify.Session) *loopState {
	// continue the consumed wall-clock budget without counting the time the
	// user spent answering
	elapsed := sess.CreatedAt.Sub(sess.Loop.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	st := &loopState{
		runID:           sess.RunID,
		sessionID:       sess.SessionID,
		query:           sess.Query,
		conversation:    fromClarifyMessages(sess.Conversation),
		iteration:       sess.Loop.Iteration,
		toolCalls:       sess.Loop.ToolCalls,
		startedAt:       time.Now().Add(-elapsed),
		previousTopIDs:  sess.Loop.PreviousTopIDs,
		bestScore:       sess.Loop.BestScore,
		candidates:      RestoreCandidates(sess.Loop.Candidates),
		carriedVariants: sess.Loop.QueryVariants,
	}
	if sess.Loop.AnchorID != "" {
		st.anchor = &AnchorResult{
			Mode: AnchorSimilarity,
			ID:   sess.Loop.AnchorID,
			Name: sess.Loop.AnchorName,
		}
	}
	return st
}

func sessionExpiredOutcome(runID string) *Outcome {
	return &Outcome{Result: &Result{
		RunID:      runID,
		Summary:    "This clarification session has expired. Please run your search again.",
		References: []Reference{},
		EndReason:  EndSessionLost,
	}}
}

func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return strings.TrimSpace(msgs[i].Content)
		}
	}
	return ""
}

func anchorID(a *AnchorResult) string {
	if a == nil {
		return ""
	}
	return a.ID
}

func anchorName(a *AnchorResult) string {
	if a == nil {
		return ""
	}
	return a.Name
}

func rankedIDs(cands []*Candidate, n int) []string {
	if len(cands) > n {
		cands = cands[:n]
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	return ids
}

func combinedScores(cands []*Candidate, n int) []float64 {
	if len(cands) > n {
		cands = cands[:n]
	}
	out := make([]float64, len(cands))
	for i, c := range cands {
		out[i] = c.Combined
	}
	return out
}

func topCombined(cands []*Candidate) float64 {
	best := 0.0
	for _, c := range cands {
		if c.Combined > best {
			best = c.Combined
		}
	}
	return best
}

func toClarifyMessages(msgs []Message) []clarify.Message {
	out := make([]clarify.Message, len(msgs))
	for i, m := range msgs {
		out[i] = clarify.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func fromClarifyMessages(msgs []clarify.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func joinOptions(opts []string) string {
	out := ""
	for i, o := range opts {
		if i > 0 {
			out += " | "
		}
		out += o
	}
	return out
}
