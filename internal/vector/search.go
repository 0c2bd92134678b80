package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"kbflow/internal/logging"
	"kbflow/internal/metrics"
	"kbflow/internal/models"
	"kbflow/internal/providers"
)

var (
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrSearchFailed         = errors.New("vector search failed")
)

const (
	DefaultLimit     = 30
	DefaultThreshold = 0.3
)

type Options struct {
	CollectionID string
	Limit        int
	// Threshold is the exclusive lower bound on similarity. Nil means DefaultThreshold.
	Threshold *float64
}

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// IndexTuning sets the HNSW candidate list per query. EfSearch is raised to the
// query limit when lower. IterativeScan ("strict_order", "relaxed_order" or "")
// lets the index keep scanning when owner and status filters discard candidates.
type IndexTuning struct {
	EfSearch      int
	IterativeScan string
}

var DefaultTuning = IndexTuning{EfSearch: 100, IterativeScan: "strict_order"}

type Searcher struct {
	db               Beginner
	embedder         providers.Embedder
	defaultLimit     int
	defaultThreshold float64
	tuning           IndexTuning
	log              *zap.Logger
	metrics          *metrics.Metrics
}

func NewSearcher(db Beginner, embedder providers.Embedder, log *zap.Logger, m *metrics.Metrics) *Searcher {
	return &Searcher{
		db:               db,
		embedder:         embedder,
		defaultLimit:     DefaultLimit,
		defaultThreshold: DefaultThreshold,
		tuning:           DefaultTuning,
		log:              logging.OrNop(log),
		metrics:          m,
	}
}

func (s *Searcher) WithTuning(t IndexTuning) *Searcher {
	s.tuning = t
	return s
}

// WithDefaults overrides the limit and threshold used when Options leaves them unset.
func (s *Searcher) WithDefaults(limit int, threshold float64) *Searcher {
	if limit > 0 {
		s.defaultLimit = limit
	}
	s.defaultThreshold = threshold
	return s
}

const searchSQL = `
SELECT c.id::text,
       c.content,
       c.chunk_index,
       d.title,
       col.name,
       1 - (c.embedding <=> $2) AS similarity
FROM kb_chunks c
JOIN kb_document_versions v ON v.id = c.version_id
JOIN kb_documents d ON d.id = v.document_id
LEFT JOIN kb_collections col ON col.id = d.collection_id
WHERE d.owner_id = $1
  AND d.status = 'ready'
  AND v.version = (SELECT MAX(version) FROM kb_document_versions WHERE document_id = d.id)
  AND c.embedding IS NOT NULL
  AND 1 - (c.embedding <=> $2) > $3`

// Search embeds query and returns the owner's most similar ready chunks, most similar first.
// Embedding failures return ErrEmbeddingUnavailable; anything else returns ErrSearchFailed.
func (s *Searcher) Search(ctx context.Context, ownerID, query string, opts Options) ([]models.ChunkResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	threshold := s.defaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.metrics.Search("embedding_unavailable")
		s.log.Warn("query embedding failed",
			zap.String("owner_id", ownerID),
			zap.String("error_type", string(providers.ClassifyError(err))),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	results, err := s.SearchVector(ctx, ownerID, queryVec, opts.CollectionID, limit, threshold)
	if err != nil {
		s.metrics.Search("error")
		s.log.Error("vector search failed", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, ErrSearchFailed
	}
	s.metrics.Search("ok")
	s.log.Debug("vector search",
		zap.String("owner_id", ownerID),
		zap.Int("results", len(results)),
		zap.Int("limit", limit),
		zap.Float64("threshold", threshold))
	return results, nil
}

// SearchVector runs the nearest-neighbour query for an already embedded query vector.
func (s *Searcher) SearchVector(ctx context.Context, ownerID string, queryVec []float32, collectionID string, limit int, threshold float64) ([]models.ChunkResult, error) {
	args := []any{ownerID, pgvector.NewVector(queryVec), threshold}
	var sql strings.Builder
	sql.WriteString(searchSQL)
	if collectionID != "" {
		args = append(args, collectionID)
		fmt.Fprintf(&sql, "\n  AND d.collection_id = $%d::uuid", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sql, "\nORDER BY c.embedding <=> $2\nLIMIT $%d", len(args))

	// SET LOCAL settings only last for the transaction.
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin search tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := s.tune(ctx, tx, limit); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, sql.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query vector search: %w", err)
	}
	defer rows.Close()

	results := make([]models.ChunkResult, 0, limit)
	for rows.Next() {
		var r models.ChunkResult
		if err := rows.Scan(&r.ChunkID, &r.Content, &r.ChunkIndex, &r.DocumentTitle, &r.CollectionName, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scan chunk result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, nil
}

func (s *Searcher) tune(ctx context.Context, tx pgx.Tx, limit int) error {
	ef := max(s.tuning.EfSearch, limit)
	if _, err := tx.Exec(ctx, `SELECT set_config('hnsw.ef_search', $1, true)`, strconv.Itoa(ef)); err != nil {
		return fmt.Errorf("set hnsw.ef_search: %w", err)
	}
	if s.tuning.IterativeScan == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('hnsw.iterative_scan', $1, true)`, s.tuning.IterativeScan); err != nil {
		return fmt.Errorf("set hnsw.iterative_scan: %w", err)
	}
	return nil
}
