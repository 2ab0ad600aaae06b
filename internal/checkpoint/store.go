// Package checkpoint persists durable task-progress records so a killed or
// interrupted generation can resume from its last known progress instead of
// restarting from zero.
package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/testforge/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Checkpoint phases, in pipeline order.
const (
	PhasePreparing  = "preparing"
	PhaseGenerating = "generating"
	PhaseProcessing = "processing"
	PhaseFinalizing = "finalizing"
)

// Checkpoint statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Checkpoint is a durable snapshot of one task's progress.
type Checkpoint struct {
	CheckpointID    string
	TaskID          string
	Phase           string
	ProgressPercent int
	PartialOutput   string
	EstimatedTokens int
	EstimatedCost   float64
	BytesEmitted    int64
	Elapsed         time.Duration
	TokensUsed      int
	ActualCost      float64
	Status          string
	ErrorMessage    string
	SourceFile      string
	OutputFile      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ResumeDecision answers whether a prior attempt left something worth
// continuing from.
type ResumeDecision struct {
	CanResume    bool
	CheckpointID string
	LastProgress int
}

// ResumeContext carries everything the executor needs to continue a prior
// attempt: a prompt embedding the partial output and a reduced token
// estimate for the remaining work.
type ResumeContext struct {
	ResumePrompt             string
	PartialOutput            string
	LastProgress             int
	EstimatedRemainingTokens int
}

// Store manages the SQLite database backing checkpoints.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the checkpoint database at dbPath.
// ":memory:" is supported for tests.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks instead of
	// failing during concurrent initialization of the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry retries a statement with exponential backoff on
// "database is locked" errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CanResume reports whether the task has an active checkpoint with partial
// output worth continuing from.
func (s *Store) CanResume(ctx context.Context, task models.Task) (*ResumeDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, progress_percent
		FROM checkpoints
		WHERE task_id = ? AND status = ? AND partial_output != ''
		ORDER BY updated_at DESC
		LIMIT 1`,
		task.ID, StatusActive)

	var decision ResumeDecision
	err := row.Scan(&decision.CheckpointID, &decision.LastProgress)
	if err == sql.ErrNoRows {
		return &ResumeDecision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query resumable checkpoint for %s: %w", task.ID, err)
	}
	decision.CanResume = true
	return &decision, nil
}

// Create starts a fresh checkpoint for the task in phase preparing. Any
// prior active checkpoint for the same task is marked failed as superseded,
// so at most one checkpoint per task is ever active.
func (s *Store) Create(ctx context.Context, task models.Task) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create checkpoint: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, error_message = 'superseded by a fresh run', updated_at = CURRENT_TIMESTAMP
		WHERE task_id = ? AND status = ?`,
		StatusFailed, task.ID, StatusActive)
	if err != nil {
		return "", fmt.Errorf("supersede prior checkpoints for %s: %w", task.ID, err)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints
			(checkpoint_id, task_id, phase, estimated_tokens, estimated_cost, source_file, output_file)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, task.ID, PhasePreparing, task.EstimatedTokens, task.EstimatedCost, task.SourceFile, task.OutputFile)
	if err != nil {
		return "", fmt.Errorf("insert checkpoint for %s: %w", task.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create checkpoint: %w", err)
	}
	return id, nil
}

// Update advances a checkpoint's phase and progress and appends a partial
// output chunk. Progress is monotone (MAX keeps it from moving backwards)
// and the whole read-modify-write is a single statement, satisfying the
// atomicity requirement for concurrent progress updates and phase changes.
func (s *Store) Update(ctx context.Context, checkpointID, phase string, progress int, partialChunk string, bytesEmitted int64, elapsed time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET phase = ?,
		    progress_percent = MAX(progress_percent, ?),
		    partial_output = partial_output || ?,
		    bytes_emitted = ?,
		    elapsed_ms = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE checkpoint_id = ? AND status = ?`,
		phase, progress, partialChunk, bytesEmitted, elapsed.Milliseconds(), checkpointID, StatusActive)
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", checkpointID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", checkpointID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update checkpoint %s: no active checkpoint", checkpointID)
	}
	return nil
}

// Complete marks the checkpoint finished with the final result accounting.
func (s *Store) Complete(ctx context.Context, checkpointID string, tokensUsed int, actualCost float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, phase = ?, progress_percent = 100,
		    tokens_used = ?, actual_cost = ?, updated_at = CURRENT_TIMESTAMP
		WHERE checkpoint_id = ?`,
		StatusCompleted, PhaseFinalizing, tokensUsed, actualCost, checkpointID)
	if err != nil {
		return fmt.Errorf("complete checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// Fail marks the checkpoint failed with the error message. The partial
// output is kept: a later run may still resume from it if the failure was
// transient, so Fail moves status but never clears progress.
func (s *Store) Fail(ctx context.Context, checkpointID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE checkpoint_id = ?`,
		StatusFailed, message, checkpointID)
	if err != nil {
		return fmt.Errorf("fail checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// Reactivate returns a failed checkpoint to active so a retry can keep
// appending to it.
func (s *Store) Reactivate(ctx context.Context, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, error_message = '', updated_at = CURRENT_TIMESTAMP
		WHERE checkpoint_id = ?`,
		StatusActive, checkpointID)
	if err != nil {
		return fmt.Errorf("reactivate checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// ResumeFromCheckpoint builds the continuation context for a checkpoint:
// a resume prompt embedding the stored partial output and a token estimate
// reduced by the recorded progress.
func (s *Store) ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*ResumeContext, error) {
	cp, err := s.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	remaining := cp.EstimatedTokens
	if cp.ProgressPercent > 0 && cp.ProgressPercent < 100 {
		remaining = cp.EstimatedTokens * (100 - cp.ProgressPercent) / 100
	}

	prompt := fmt.Sprintf(
		"Continue generating the test file for %s. A previous attempt produced the partial output below (about %d%% complete). Do not repeat it; continue from where it stops and finish the file.\n\n--- PARTIAL OUTPUT ---\n%s\n--- END PARTIAL OUTPUT ---",
		cp.SourceFile, cp.ProgressPercent, cp.PartialOutput)

	return &ResumeContext{
		ResumePrompt:             prompt,
		PartialOutput:            cp.PartialOutput,
		LastProgress:             cp.ProgressPercent,
		EstimatedRemainingTokens: remaining,
	}, nil
}

// Get returns one checkpoint by id.
func (s *Store) Get(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, task_id, phase, progress_percent, partial_output,
		       estimated_tokens, estimated_cost, bytes_emitted, elapsed_ms,
		       tokens_used, actual_cost, status, error_message,
		       source_file, output_file, created_at, updated_at
		FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s not found", checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", checkpointID, err)
	}
	return cp, nil
}

// List returns checkpoints ordered by most recent update, optionally
// filtered by status ("" for all).
func (s *Store) List(ctx context.Context, status string) ([]*Checkpoint, error) {
	query := `
		SELECT checkpoint_id, task_id, phase, progress_percent, partial_output,
		       estimated_tokens, estimated_cost, bytes_emitted, elapsed_ms,
		       tokens_used, actual_cost, status, error_message,
		       source_file, output_file, created_at, updated_at
		FROM checkpoints`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Purge deletes terminal checkpoints last updated before the cutoff.
// Active checkpoints are never purged.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE status != ? AND updated_at < ?`,
		StatusActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var elapsedMS int64
	err := row.Scan(
		&cp.CheckpointID, &cp.TaskID, &cp.Phase, &cp.ProgressPercent, &cp.PartialOutput,
		&cp.EstimatedTokens, &cp.EstimatedCost, &cp.BytesEmitted, &elapsedMS,
		&cp.TokensUsed, &cp.ActualCost, &cp.Status, &cp.ErrorMessage,
		&cp.SourceFile, &cp.OutputFile, &cp.CreatedAt, &cp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cp.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return &cp, nil
}
