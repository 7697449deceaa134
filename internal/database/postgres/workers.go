package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkerRepository handles worker identity persistence against the
// mining_workers table, keyed on (puid, worker_id).
type WorkerRepository struct {
	db *sql.DB
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *sql.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// UpsertWorker inserts a worker record or refreshes name/agent on conflict.
// The operation is idempotent; last write wins.
func (r *WorkerRepository) UpsertWorker(ctx context.Context, userID int32, workerID int64, workerName, minerAgent string) error {
	query := `
		INSERT INTO mining_workers (puid, worker_id, worker_name, miner_agent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (puid, worker_id) DO UPDATE
		SET worker_name = EXCLUDED.worker_name,
		    miner_agent = EXCLUDED.miner_agent,
		    updated_at  = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, userID, workerID, workerName, minerAgent, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	return nil
}
