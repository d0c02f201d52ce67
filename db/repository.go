package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generation status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// GenerationRecord is one row of generation history.
type GenerationRecord struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	Mode           string    `json:"mode"`
	Model          string    `json:"model,omitempty"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Steps          int       `json:"steps"`
	Seed           int64     `json:"seed"`
	Sampler        string    `json:"sampler"`
	CFGScale       float32   `json:"cfg_scale"`
	BatchCount     int       `json:"batch_count"`
	UpscalePasses  int       `json:"upscale_passes"`
	DurationMS     int64     `json:"duration_ms"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// Repository reads and writes generation history. Inserts go through the
// async writer when one is running and fall back to a direct write when
// its buffer is full.
type Repository struct {
	db          *Database
	asyncWriter *AsyncWriter
}

// NewRepository creates a Repository. asyncWriter may be nil.
func NewRepository(database *Database, asyncWriter *AsyncWriter) *Repository {
	return &Repository{db: database, asyncWriter: asyncWriter}
}

const insertGenerationQuery = `
	INSERT INTO generations (
		id, created_at, prompt, negative_prompt, mode, model, width, height,
		steps, seed, sampler, cfg_scale, batch_count, upscale_passes,
		duration_ms, status, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Insert records a generation and returns its ID. A missing ID is filled
// with a new UUID and a zero CreatedAt with the current time.
func (r *Repository) Insert(ctx context.Context, rec GenerationRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.BatchCount == 0 {
		rec.BatchCount = 1
	}

	if r.asyncWriter != nil && r.asyncWriter.IsStarted() && r.asyncWriter.Write(rec) {
		return rec.ID, nil
	}
	if err := r.insert(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (r *Repository) insert(ctx context.Context, rec GenerationRecord) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, insertGenerationQuery,
		rec.ID,
		rec.CreatedAt.UTC(),
		rec.Prompt,
		nullString(rec.NegativePrompt),
		rec.Mode,
		nullString(rec.Model),
		rec.Width,
		rec.Height,
		rec.Steps,
		rec.Seed,
		rec.Sampler,
		rec.CFGScale,
		rec.BatchCount,
		rec.UpscalePasses,
		rec.DurationMS,
		rec.Status,
		nullString(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation %s: %w", rec.ID, err)
	}
	return nil
}

// AsyncWriteHandler returns the WriteHandler that applies queued inserts.
func (r *Repository) AsyncWriteHandler() WriteHandler {
	return func(op WriteOperation) error {
		rec, ok := op.Data.(GenerationRecord)
		if !ok {
			return fmt.Errorf("invalid operation type %T: expected GenerationRecord", op.Data)
		}
		return r.insert(context.Background(), rec)
	}
}

// List returns up to limit records, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]GenerationRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT id, created_at, prompt, negative_prompt, mode, model, width, height,
			steps, seed, sampler, cfg_scale, batch_count, upscale_passes,
			duration_ms, status, error_message
		FROM generations
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	records := make([]GenerationRecord, 0, limit)
	for rows.Next() {
		var rec GenerationRecord
		var negative, model, errMsg sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.CreatedAt, &rec.Prompt, &negative, &rec.Mode, &model,
			&rec.Width, &rec.Height, &rec.Steps, &rec.Seed, &rec.Sampler,
			&rec.CFGScale, &rec.BatchCount, &rec.UpscalePasses, &rec.DurationMS,
			&rec.Status, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		rec.NegativePrompt = negative.String
		rec.Model = model.String
		rec.ErrorMessage = errMsg.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generations: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}
	return n, nil
}

// Prune deletes the oldest records so at most maxRows remain, and returns
// how many were deleted. maxRows of zero keeps everything.
func (r *Repository) Prune(ctx context.Context, maxRows int) (int64, error) {
	if maxRows < 0 {
		return 0, fmt.Errorf("maxRows must be non-negative, got %d", maxRows)
	}
	if maxRows == 0 {
		return 0, nil
	}
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}

	res, err := conn.ExecContext(ctx, `
		DELETE FROM generations
		WHERE rowid NOT IN (
			SELECT rowid FROM generations ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, maxRows)
	if err != nil {
		return 0, fmt.Errorf("failed to prune generations: %w", err)
	}
	return res.RowsAffected()
}

// StartPruneScheduler prunes to maxRows every interval until ctx is done.
// Failures are passed to onError when it is non-nil.
func (r *Repository) StartPruneScheduler(ctx context.Context, maxRows int, interval time.Duration, onError func(error)) {
	if maxRows <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Prune(ctx, maxRows); err != nil && onError != nil && ctx.Err() == nil {
					onError(err)
				}
			}
		}
	}()
}

// nullString stores an empty string as NULL.
func nullString(s string) interface{} {
	if s == "" {
		return sql.NullString{}
	}
	return s
}
