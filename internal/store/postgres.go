package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"aigc-queue/internal/models"
)

// Store wraps pgxpool for Postgres persistence of task records. Records are
// shared across all producer and worker processes and are never deleted by
// this service; retention is the deploying system's concern.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateTask inserts a new record with status queued.
func (s *Store) CreateTask(ctx context.Context, id string, params map[string]any, enqueuedAt time.Time) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, params, status, enqueued_at)
		VALUES ($1, $2, $3, $4)
	`, id, paramsJSON, models.StatusQueued, enqueuedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a record by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, params, status, result, error, enqueued_at, started_at, finished_at
		FROM tasks WHERE id = $1
	`, id)

	var task models.Task
	var paramsJSON []byte
	var resultJSON []byte
	var errText pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz

	err := row.Scan(&task.ID, &paramsJSON, &task.Status, &resultJSON, &errText,
		&task.EnqueuedAt, &startedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, models.ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &task.Params); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	task.Error = textPtr(errText)
	task.StartedAt = timePtr(startedAt)
	task.FinishedAt = timePtr(finishedAt)
	return task, nil
}

// MarkProcessing transitions queued -> processing. The status guard keeps the
// transition one-directional; a record already past queued is left untouched.
func (s *Store) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusProcessing, startedAt, models.StatusQueued)
	return err
}

// MarkCompleted transitions to the completed terminal state with the provider
// result. Terminal records never mutate again.
func (s *Store) MarkCompleted(ctx context.Context, id string, result map[string]any, finishedAt time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, result = $3, finished_at = $4
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, models.StatusCompleted, resultJSON, finishedAt, models.StatusCompleted, models.StatusFailed)
	return err
}

// MarkFailed transitions to the failed terminal state with error detail.
func (s *Store) MarkFailed(ctx context.Context, id string, detail string, finishedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, error = $3, finished_at = $4
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, models.StatusFailed, detail, finishedAt, models.StatusCompleted, models.StatusFailed)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
