package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"kbflow/internal/models"
	"kbflow/internal/util"
)

type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobColumns = `id::text, type, status, payload, retries, error, locked_by, locked_at, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var payload []byte
	err := row.Scan(&j.ID, &j.Type, &j.Status, &payload, &j.Retries, &j.Error, &j.LockedBy, &j.LockedAt, &j.CreatedAt, &j.UpdatedAt)
	j.Payload = payload
	return j, err
}

// Enqueue inserts a pending job with zero retries.
func (r *JobRepo) Enqueue(ctx context.Context, payload models.Payload) (string, error) {
	return enqueue(ctx, r.db.Pool, payload)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func enqueue(ctx context.Context, q queryRower, payload models.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", payload.JobType(), err)
	}
	var id string
	err = q.QueryRow(ctx, `
INSERT INTO kb_jobs (type, status, payload, retries)
VALUES ($1, 'pending', $2::jsonb, 0)
RETURNING id::text`, string(payload.JobType()), string(body)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", payload.JobType(), err)
	}
	return id, nil
}

// ClaimNext leases the oldest pending job with retries below maxRetries to owner.
// It returns nil when the queue is empty. Concurrent claimers skip rows locked by others.
func (r *JobRepo) ClaimNext(ctx context.Context, maxRetries int, owner string) (*models.Job, error) {
	row := r.db.Pool.QueryRow(ctx, `
UPDATE kb_jobs
SET status='running', locked_by=$2, locked_at=NOW(), updated_at=NOW()
WHERE id = (
  SELECT id FROM kb_jobs
  WHERE status='pending' AND retries < $1
  ORDER BY created_at ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, maxRetries, owner)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// RenewLease moves locked_at forward while owner still holds the job.
func (r *JobRepo) RenewLease(ctx context.Context, id, owner string) error {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE kb_jobs SET locked_at=NOW(), updated_at=NOW()
WHERE id=$1 AND status='running' AND locked_by=$2`, id, owner)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("renew lease on %s: %w", id, util.ErrLeaseLost)
	}
	return nil
}

// Complete marks the job succeeded and enqueues next, if any, in one transaction.
// It fails with util.ErrLeaseLost, enqueueing nothing, when owner no longer holds the job.
func (r *JobRepo) Complete(ctx context.Context, id, owner string, next models.Payload) (string, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx complete job: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
UPDATE kb_jobs SET status='succeeded', error=NULL, locked_by=NULL, locked_at=NULL, updated_at=NOW()
WHERE id=$1 AND status='running' AND locked_by=$2`, id, owner)
	if err != nil {
		return "", fmt.Errorf("mark job succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("complete job %s: %w", id, util.ErrLeaseLost)
	}
	var nextID string
	if next != nil {
		if nextID, err = enqueue(ctx, tx, next); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit complete job: %w", err)
	}
	return nextID, nil
}

// MarkFailedAttempt records a failed run held by owner: the new retry count, the
// resulting status (pending to retry, failed when exhausted) and the error message.
func (r *JobRepo) MarkFailedAttempt(ctx context.Context, id, owner string, retries int, status models.JobStatus, errMsg string) error {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE kb_jobs SET status=$3, retries=$4, error=NULLIF($5,''), locked_by=NULL, locked_at=NULL, updated_at=NOW()
WHERE id=$1 AND status='running' AND locked_by=$2`, id, owner, string(status), retries, errMsg)
	if err != nil {
		return fmt.Errorf("mark job attempt failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark attempt on %s: %w", id, util.ErrLeaseLost)
	}
	return nil
}

// RequeueStale returns running jobs leased longer than olderThan to pending.
// The retry count is left unchanged.
func (r *JobRepo) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
UPDATE kb_jobs SET status='pending', locked_by=NULL, locked_at=NULL, updated_at=NOW()
WHERE status='running' AND locked_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (models.Job, error) {
	j, err := scanJob(r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM kb_jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

type JobFilter struct {
	Status     models.JobStatus
	Type       models.JobType
	DocumentID string
	Limit      int
}

// List returns jobs newest first for auditing.
func (r *JobRepo) List(ctx context.Context, f JobFilter) ([]models.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
SELECT `+jobColumns+`
FROM kb_jobs
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR type = $2)
  AND ($3 = '' OR payload->>'documentId' = $3)
ORDER BY created_at DESC
LIMIT $4`, string(f.Status), string(f.Type), f.DocumentID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
