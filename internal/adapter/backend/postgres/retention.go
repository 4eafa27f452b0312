package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tx is the subset of pgx.Tx the retention service needs.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens a Tx. *pgxpool.Pool does not satisfy it directly (its
// Begin returns pgx.Tx); wrap it with NewBeginner.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// poolBeginner adapts *pgxpool.Pool (whose Begin returns pgx.Tx) to
// Beginner (whose Begin returns the narrower Tx interface).
type poolBeginner struct {
	pool interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	}
}

func (p poolBeginner) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// NewBeginner adapts a *pgxpool.Pool-shaped value into a Beginner.
func NewBeginner(pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}) Beginner {
	return poolBeginner{pool: pool}
}

// RetentionService deletes task rows in a terminal state older than
// RetentionDays. Addresses the "no result-retention TTL specified" open
// question: retention is an explicit, optional, operator-configured
// policy layered on top of the core Backend rather than a built-in
// default the Backend enforces itself.
type RetentionService struct {
	begin         Beginner
	RetentionDays int
}

// NewRetentionService returns a RetentionService. retentionDays <= 0
// defaults to 90.
func NewRetentionService(begin Beginner, retentionDays int) *RetentionService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionService{begin: begin, RetentionDays: retentionDays}
}

// CleanupOldTasks deletes terminal (success/failed) task rows whose
// finished_at predates the retention cutoff.
func (s *RetentionService) CleanupOldTasks(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.begin.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=retention.begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var deleted int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM tasks
			WHERE status IN ('success', 'failed') AND finished_at < $1
			RETURNING task_id
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deleted)
	if err != nil {
		return fmt.Errorf("op=retention.delete: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=retention.commit: %w", err)
	}

	slog.Info("task retention cleanup completed",
		slog.Int64("deleted_tasks", deleted),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs CleanupOldTasks once immediately, then on every tick
// of interval, until ctx is canceled. interval <= 0 defaults to daily.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldTasks(ctx); err != nil {
		slog.Error("initial task retention cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("task retention service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldTasks(ctx); err != nil {
				slog.Error("periodic task retention cleanup failed", slog.Any("error", err))
			}
		}
	}
}
