package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"kbflow/internal/models"
)

type ChunkRepo struct {
	db *DB
}

func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// ReplaceChunks makes contents the version's chunks, indexed 0..n-1, in one transaction.
// A chunk whose index and content are unchanged keeps its id and embedding, so
// re-chunking the same text only leaves changed chunks to embed.
func (r *ChunkRepo) ReplaceChunks(ctx context.Context, versionID string, contents []string) (int, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx replace chunks: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM kb_chunks WHERE version_id=$1 AND chunk_index >= $2`, versionID, len(contents)); err != nil {
		return 0, fmt.Errorf("delete old chunks: %w", err)
	}
	batch := &pgx.Batch{}
	for i, c := range contents {
		batch.Queue(`
INSERT INTO kb_chunks (version_id, chunk_index, content) VALUES ($1, $2, $3)
ON CONFLICT (version_id, chunk_index) DO UPDATE
SET content = EXCLUDED.content,
    embedding = CASE WHEN kb_chunks.content = EXCLUDED.content THEN kb_chunks.embedding END`, versionID, i, c)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("upsert chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit chunks tx: %w", err)
	}
	return len(contents), nil
}

func (r *ChunkRepo) ListByVersion(ctx context.Context, versionID string) ([]models.Chunk, error) {
	return r.list(ctx, `
SELECT id::text, version_id::text, chunk_index, content, embedding IS NOT NULL, created_at
FROM kb_chunks
WHERE version_id=$1
ORDER BY chunk_index ASC`, versionID)
}

// ListMissingEmbeddings returns the version's chunks that have no embedding yet, in index order.
func (r *ChunkRepo) ListMissingEmbeddings(ctx context.Context, versionID string) ([]models.Chunk, error) {
	return r.list(ctx, `
SELECT id::text, version_id::text, chunk_index, content, false, created_at
FROM kb_chunks
WHERE version_id=$1 AND embedding IS NULL
ORDER BY chunk_index ASC`, versionID)
}

func (r *ChunkRepo) list(ctx context.Context, sql string, args ...any) ([]models.Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	out := make([]models.Chunk, 0, 64)
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.VersionID, &c.ChunkIndex, &c.Content, &c.Embedded, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepo) SetEmbedding(ctx context.Context, chunkID string, vec []float32) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE kb_chunks SET embedding=$2 WHERE id=$1`, chunkID, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("set chunk embedding: %w", err)
	}
	return nil
}

func (r *ChunkRepo) CountMissingEmbeddings(ctx context.Context, versionID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM kb_chunks WHERE version_id=$1 AND embedding IS NULL`, versionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unembedded chunks: %w", err)
	}
	return n, nil
}

// ListForCache loads chunks of the latest version of ready documents owned by ownerID,
// with the document title and collection name the knowledge cache stores alongside them.
func (r *ChunkRepo) ListForCache(ctx context.Context, ownerID string, chunkIDs []string) ([]models.CachedChunk, error) {
	if len(chunkIDs) == 0 {
		return []models.CachedChunk{}, nil
	}
	rows, err := r.db.Pool.Query(ctx, `
SELECT c.id::text, c.content, d.title, col.name, c.chunk_index
FROM kb_chunks c
JOIN kb_document_versions v ON v.id = c.version_id
JOIN kb_documents d ON d.id = v.document_id
LEFT JOIN kb_collections col ON col.id = d.collection_id
WHERE d.owner_id=$1 AND d.status='ready' AND c.id::text = ANY($2)
  AND v.version = (SELECT MAX(version) FROM kb_document_versions WHERE document_id = d.id)`, ownerID, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("list chunks for cache: %w", err)
	}
	defer rows.Close()
	out := make([]models.CachedChunk, 0, len(chunkIDs))
	for rows.Next() {
		var c models.CachedChunk
		if err := rows.Scan(&c.ID, &c.Content, &c.DocumentTitle, &c.CollectionName, &c.ChunkIndex); err != nil {
			return nil, fmt.Errorf("scan chunk for cache: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks for cache: %w", err)
	}
	return out, nil
}
