package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kbflow/internal/blob"
	"kbflow/internal/config"
	"kbflow/internal/extract"
	"kbflow/internal/logging"
	"kbflow/internal/metrics"
	"kbflow/internal/models"
	"kbflow/internal/providers"
	"kbflow/internal/util"
)

// JobStore is the lease-based job queue. Complete, RenewLease and MarkFailedAttempt
// return util.ErrLeaseLost once the job is no longer held by owner.
type JobStore interface {
	ClaimNext(ctx context.Context, maxRetries int, owner string) (*models.Job, error)
	RenewLease(ctx context.Context, id, owner string) error
	Complete(ctx context.Context, id, owner string, next models.Payload) (string, error)
	MarkFailedAttempt(ctx context.Context, id, owner string, retries int, status models.JobStatus, errMsg string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type DocumentStore interface {
	GetVersion(ctx context.Context, versionID string) (models.DocumentVersion, error)
	LatestVersion(ctx context.Context, documentID string) (models.DocumentVersion, error)
	SetVersionMDPath(ctx context.Context, versionID, mdPath string) error
	MarkFailed(ctx context.Context, documentID, versionID, msg string) error
	MarkReady(ctx context.Context, documentID, versionID string) error
}

type ChunkStore interface {
	ReplaceChunks(ctx context.Context, versionID string, contents []string) (int, error)
	ListMissingEmbeddings(ctx context.Context, versionID string) ([]models.Chunk, error)
	SetEmbedding(ctx context.Context, chunkID string, vec []float32) error
	CountMissingEmbeddings(ctx context.Context, versionID string) (int, error)
}

type Deps struct {
	Jobs      JobStore
	Documents DocumentStore
	Chunks    ChunkStore
	Blobs     blob.Store
	Extractor extract.Extractor
	Embedder  providers.Embedder
}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	BatchDelay   time.Duration
	MaxRetries   int
	PollInterval time.Duration
	StaleAfter   time.Duration
	MDPrefix     string
}

func ConfigFrom(c config.Config) Config {
	return Config{
		ChunkSize:    c.ChunkSize,
		ChunkOverlap: c.ChunkOverlap,
		BatchSize:    c.EmbedBatchSize,
		BatchDelay:   c.EmbedBatchDelay,
		MaxRetries:   c.MaxJobRetries,
		PollInterval: c.JobPollInterval,
		StaleAfter:   c.JobStaleAfter,
		MDPrefix:     c.MDPrefix,
	}
}

// Worker drains the job table one job at a time.
type Worker struct {
	cfg     Config
	deps    Deps
	id      string
	log     *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, cfg Config, log *zap.Logger, m *metrics.Metrics) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	return &Worker{
		cfg:     cfg,
		deps:    deps,
		id:      id,
		log:     logging.OrNop(log).With(zap.String("worker_id", id)),
		metrics: m,
		sleep:   sleepCtx,
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Run polls until ctx is cancelled, sleeping PollInterval after every attempt.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval), zap.Int("max_retries", w.cfg.MaxRetries))
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("poll failed", zap.Error(err))
		}
		if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
			w.log.Info("worker stopped")
			return nil
		}
	}
}

// RunOnce processes at most one job and reports whether one was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.cfg.StaleAfter > 0 {
		n, err := w.deps.Jobs.RequeueStale(ctx, w.cfg.StaleAfter)
		if err != nil {
			return false, err
		}
		if n > 0 {
			w.metrics.StaleRequeued(n)
			w.log.Warn("requeued stale running jobs", zap.Int64("count", n), zap.Duration("stale_after", w.cfg.StaleAfter))
		}
	}
	job, err := w.deps.Jobs.ClaimNext(ctx, w.cfg.MaxRetries, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, *job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job models.Job) {
	start := time.Now()
	log := w.log.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)), zap.Int("retries", job.Retries))
	log.Info("processing job")

	var next models.Payload
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err == nil {
		next, err = w.dispatch(ctx, job.ID, payload, log)
	}

	// Write bookkeeping even if ctx was cancelled mid-job.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		nextID, err := w.deps.Jobs.Complete(bctx, job.ID, w.id, next)
		switch {
		case errors.Is(err, util.ErrLeaseLost):
			w.metrics.JobDone(string(job.Type), "lease_lost", time.Since(start))
			log.Warn("lease lost before completion, result discarded")
		case err != nil:
			log.Error("complete job failed", zap.Error(err))
		default:
			w.metrics.JobDone(string(job.Type), "succeeded", time.Since(start))
			log.Info("job succeeded", zap.Duration("took", time.Since(start)), zap.String("next_job", nextID))
		}
		return
	}

	if ctx.Err() != nil {
		if err := w.deps.Jobs.MarkFailedAttempt(bctx, job.ID, w.id, job.Retries, models.JobPending, "interrupted by shutdown"); err != nil {
			log.Error("release interrupted job failed", zap.Error(err))
		}
		w.metrics.JobDone(string(job.Type), "interrupted", time.Since(start))
		log.Warn("job interrupted", zap.Error(err))
		return
	}

	outcome := w.fail(bctx, job, payload, err, log)
	w.metrics.JobDone(string(job.Type), outcome, time.Since(start))
}

// fail records one failed attempt and returns the outcome label. The job goes back to
// pending while retries remain; on the last one it is failed and the document and
// version are failed with it. Nothing is recorded once another worker holds the job.
func (w *Worker) fail(ctx context.Context, job models.Job, payload models.Payload, cause error, log *zap.Logger) string {
	msg := cause.Error()
	retries := job.Retries + 1
	status, outcome := models.JobPending, "retry"
	if retries >= w.cfg.MaxRetries {
		status, outcome = models.JobFailed, "failed"
	}
	if err := w.deps.Jobs.MarkFailedAttempt(ctx, job.ID, w.id, retries, status, msg); err != nil {
		if errors.Is(err, util.ErrLeaseLost) {
			log.Warn("lease lost before failure was recorded", zap.NamedError("cause", cause))
			return "lease_lost"
		}
		log.Error("record failed attempt failed", zap.Error(err))
	}
	if status == models.JobPending {
		log.Warn("job failed, will retry", zap.Int("attempt", retries), zap.Error(cause))
		return outcome
	}

	log.Error("job failed permanently", zap.Int("attempts", retries), zap.Error(cause))
	if payload == nil {
		return outcome
	}
	documentID, versionID := payload.Target()
	if err := w.deps.Documents.MarkFailed(ctx, documentID, versionID, msg); err != nil {
		log.Error("cascade document failure failed",
			zap.String("document_id", documentID),
			zap.String("version_id", versionID),
			zap.Error(err))
	}
	return outcome
}

// dispatch runs the stage for payload and returns the job to queue after it, if any.
// Jobs for a version that is no longer the document's latest are skipped.
func (w *Worker) dispatch(ctx context.Context, jobID string, payload models.Payload, log *zap.Logger) (models.Payload, error) {
	documentID, versionID := payload.Target()
	latest, err := w.deps.Documents.LatestVersion(ctx, documentID)
	switch {
	case errors.Is(err, util.ErrNotFound):
		log.Info("document deleted, skipping job", zap.String("document_id", documentID))
		return nil, nil
	case err != nil:
		return nil, err
	case latest.ID != versionID:
		log.Info("version superseded, skipping job",
			zap.String("version_id", versionID),
			zap.String("latest_version_id", latest.ID))
		return nil, nil
	}

	switch p := payload.(type) {
	case models.ParsePayload:
		return w.parse(ctx, p, log)
	case models.ChunkPayload:
		return w.chunk(ctx, jobID, p, log)
	case models.EmbedPayload:
		return nil, w.embed(ctx, jobID, p, log)
	default:
		return nil, fmt.Errorf("no handler for %T", payload)
	}
}

// renew extends the job lease before work another worker must not repeat.
func (w *Worker) renew(ctx context.Context, jobID string) error {
	return w.deps.Jobs.RenewLease(ctx, jobID, w.id)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
