package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kbflow/internal/blob"
	"kbflow/internal/extract"
	"kbflow/internal/models"
	"kbflow/internal/providers"
	"kbflow/internal/util"
)

const mdFilename = "document.md"

// parse turns the raw upload into validated text, stores it as markdown and hands off to chunking.
func (w *Worker) parse(ctx context.Context, p models.ParsePayload, log *zap.Logger) (models.Payload, error) {
	raw, err := w.deps.Blobs.Get(ctx, p.RawPath)
	if err != nil {
		return nil, fmt.Errorf("read raw blob: %w", err)
	}
	format := extract.DetectFormat(p.ContentType, p.Filename)
	text, err := w.deps.Extractor.ExtractText(ctx, raw, format)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", format, err)
	}
	if err := extract.ValidateText(text); err != nil {
		return nil, err
	}
	text = util.SanitizeText(text)

	ver, err := w.deps.Documents.GetVersion(ctx, p.VersionID)
	if err != nil {
		return nil, err
	}
	key := blob.Key(w.cfg.MDPrefix, p.OwnerID, p.DocumentID, ver.Version, mdFilename)
	mdPath, err := w.deps.Blobs.Put(ctx, key, []byte(text), "text/markdown")
	if err != nil {
		return nil, fmt.Errorf("store markdown: %w", err)
	}
	if err := w.deps.Documents.SetVersionMDPath(ctx, p.VersionID, mdPath); err != nil {
		return nil, err
	}
	log.Info("parsed document",
		zap.String("format", string(format)),
		zap.Int("chars", len([]rune(text))))
	return models.ChunkPayload{
		DocumentID: p.DocumentID,
		VersionID:  p.VersionID,
		OwnerID:    p.OwnerID,
		MDPath:     mdPath,
	}, nil
}

// chunk splits the version text and replaces any chunks from an earlier run.
func (w *Worker) chunk(ctx context.Context, jobID string, p models.ChunkPayload, log *zap.Logger) (models.Payload, error) {
	text := p.Content
	if p.MDPath != "" {
		data, err := w.deps.Blobs.Get(ctx, p.MDPath)
		if err != nil {
			return nil, fmt.Errorf("read markdown blob: %w", err)
		}
		text = string(data)
	}
	if err := extract.ValidateText(text); err != nil {
		return nil, err
	}

	pieces, capped := util.SplitChunks(text, w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	if capped {
		log.Warn("chunk iteration cap reached, trailing text dropped", zap.Int("chunks", len(pieces)))
	}
	if len(pieces) == 0 {
		return nil, util.ErrEmptyContent
	}
	// Replacing chunks drops embeddings of changed chunks; only the lease holder may do it.
	if err := w.renew(ctx, jobID); err != nil {
		return nil, err
	}
	n, err := w.deps.Chunks.ReplaceChunks(ctx, p.VersionID, pieces)
	if err != nil {
		return nil, err
	}
	log.Info("chunked document", zap.Int("chunks", n))
	return models.EmbedPayload{
		DocumentID: p.DocumentID,
		VersionID:  p.VersionID,
		OwnerID:    p.OwnerID,
	}, nil
}

// embed fills in missing embeddings batch by batch, renewing the lease before each one.
// Already embedded chunks are skipped, so a retried job only pays for what is left.
// A failed batch does not fail the job; the version is only marked ready once nothing
// is missing.
func (w *Worker) embed(ctx context.Context, jobID string, p models.EmbedPayload, log *zap.Logger) error {
	missing, err := w.deps.Chunks.ListMissingEmbeddings(ctx, p.VersionID)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		log.Info("all chunks already embedded")
		return w.deps.Documents.MarkReady(ctx, p.DocumentID, p.VersionID)
	}

	embedded := 0
	for start := 0; start < len(missing); start += w.cfg.BatchSize {
		end := min(start+w.cfg.BatchSize, len(missing))
		batch := missing[start:end]
		if err := w.renew(ctx, jobID); err != nil {
			return err
		}
		n, err := w.embedBatch(ctx, batch)
		embedded += n
		w.metrics.ChunksEmbedded(n)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.metrics.EmbedBatchFailed()
			log.Warn("embedding batch failed",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.String("error_type", string(providers.ClassifyError(err))),
				zap.Error(err))
			if err := w.sleep(ctx, 3*w.cfg.BatchDelay); err != nil {
				return err
			}
			continue
		}
		if end < len(missing) {
			if err := w.sleep(ctx, w.cfg.BatchDelay); err != nil {
				return err
			}
		}
	}

	remaining, err := w.deps.Chunks.CountMissingEmbeddings(ctx, p.VersionID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		w.metrics.EmbedIncomplete()
		log.Warn("embedding incomplete, document left processing",
			zap.String("document_id", p.DocumentID),
			zap.String("version_id", p.VersionID),
			zap.Int("embedded", embedded),
			zap.Int("remaining", remaining))
		return nil
	}
	if err := w.deps.Documents.MarkReady(ctx, p.DocumentID, p.VersionID); err != nil {
		return err
	}
	log.Info("document ready", zap.Int("embedded", embedded))
	return nil
}

func (w *Worker) embedBatch(ctx context.Context, batch []models.Chunk) (int, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}
	started := time.Now()
	vecs, err := w.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vecs) != len(batch) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), len(batch))
	}
	for i, c := range batch {
		if err := w.deps.Chunks.SetEmbedding(ctx, c.ID, vecs[i]); err != nil {
			return i, fmt.Errorf("store embedding for chunk %d: %w", c.ChunkIndex, err)
		}
	}
	w.log.Debug("embedded batch", zap.Int("size", len(batch)), zap.Duration("took", time.Since(started)))
	return len(batch), nil
}
