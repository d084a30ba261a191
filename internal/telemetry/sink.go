package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/metrics"
)

// Config holds telemetry database settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// QueueSize bounds the async write queue; writes beyond it are dropped.
	QueueSize int
	Workers   int
}

// RunRow is the run-level telemetry record.
type RunRow struct {
	RunID      string    `db:"run_id"`
	SessionID  string    `db:"session_id"`
	Query      string    `db:"query"`
	Status     string    `db:"status"`
	EndReason  string    `db:"end_reason"`
	Iterations int       `db:"iterations"`
	ToolCalls  int       `db:"tool_calls"`
	ResultIDs  int       `db:"result_count"`
	StartedAt  time.Time `db:"started_at"`
	EndedAt    time.Time `db:"ended_at"`
}

// StepRow is a per-step telemetry record within a run.
type StepRow struct {
	RunID     string    `db:"run_id"`
	Iteration int       `db:"iteration"`
	Step      string    `db:"step"`
	Detail    string    `db:"detail"`
	DurMillis int64     `db:"duration_ms"`
	At        time.Time `db:"at"`
}

type writeOp struct {
	kind string
	run  *RunRow
	step *StepRow
}

// Sink writes telemetry rows to Postgres asynchronously. All writes are
// fire-and-forget: a full queue or a failed insert drops the row and bumps a
// metric, never failing the user-facing request. A nil *Sink is a no-op sink.
type Sink struct {
	db     *sqlx.DB
	logger *zap.Logger
	queue  chan writeOp
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSink opens the telemetry database and starts the write workers.
func NewSink(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping telemetry database: %w", err)
	}

	s := newSinkWithDB(db, cfg, logger)
	return s, nil
}

func newSinkWithDB(db *sqlx.DB, cfg Config, logger *zap.Logger) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	s := &Sink{
		db:     db,
		logger: logger,
		queue:  make(chan writeOp, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// RunStarted records the start of a search run.
func (s *Sink) RunStarted(runID, sessionID, query string) {
	if s == nil {
		return
	}
	s.enqueue(writeOp{kind: "run_start", run: &RunRow{
		RunID:     runID,
		SessionID: sessionID,
		Query:     query,
		Status:    "running",
		StartedAt: time.Now(),
	}})
}

// StepRecorded records one loop step.
func (s *Sink) StepRecorded(runID string, iteration int, step, detail string, dur time.Duration) {
	if s == nil {
		return
	}
	s.enqueue(writeOp{kind: "step", step: &StepRow{
		RunID:     runID,
		Iteration: iteration,
		Step:      step,
		Detail:    detail,
		DurMillis: dur.Milliseconds(),
		At:        time.Now(),
	}})
}

// RunUpdated records a status change mid-run (e.g. "clarifying").
func (s *Sink) RunUpdated(runID, status string, iterations, toolCalls int) {
	if s == nil {
		return
	}
	s.enqueue(writeOp{kind: "run_update", run: &RunRow{
		RunID:      runID,
		Status:     status,
		Iterations: iterations,
		ToolCalls:  toolCalls,
	}})
}

// RunCompleted records the terminal outcome of a run.
func (s *Sink) RunCompleted(runID, endReason string, iterations, toolCalls, resultCount int) {
	if s == nil {
		return
	}
	s.enqueue(writeOp{kind: "run_complete", run: &RunRow{
		RunID:      runID,
		Status:     "completed",
		EndReason:  endReason,
		Iterations: iterations,
		ToolCalls:  toolCalls,
		ResultIDs:  resultCount,
		EndedAt:    time.Now(),
	}})
}

func (s *Sink) enqueue(op writeOp) {
	select {
	case s.queue <- op:
	default:
		metrics.TelemetryWriteFailures.Inc()
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			// drain what's left
			for {
				select {
				case op := <-s.queue:
					s.write(op)
				default:
					return
				}
			}
		case op := <-s.queue:
			s.write(op)
		}
	}
}

func (s *Sink) write(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch op.kind {
	case "run_start":
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO search_runs (run_id, session_id, query, status, started_at)
			VALUES (:run_id, :session_id, :query, :status, :started_at)`, op.run)
	case "run_update":
		_, err = s.db.NamedExecContext(ctx, `
			UPDATE search_runs
			SET status = :status, iterations = :iterations, tool_calls = :tool_calls
			WHERE run_id = :run_id`, op.run)
	case "run_complete":
		_, err = s.db.NamedExecContext(ctx, `
			UPDATE search_runs
			SET status = :status, end_reason = :end_reason, iterations = :iterations,
			    tool_calls = :tool_calls, result_count = :result_count, ended_at = :ended_at
			WHERE run_id = :run_id`, op.run)
	case "step":
		_, err = s.db.NamedExecContext(ctx, `
			INSERT INTO search_steps (run_id, iteration, step, detail, duration_ms, at)
			VALUES (:run_id, :iteration, :step, :detail, :duration_ms, :at)`, op.step)
	}
	if err != nil {
		metrics.TelemetryWriteFailures.Inc()
		s.logger.Warn("Telemetry write failed",
			zap.String("kind", op.kind),
			zap.Error(err),
		)
	}
}

// Close stops the workers, draining the queue first.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	return s.db.Close()
}
