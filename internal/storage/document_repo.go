package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kbflow/internal/models"
)

type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// CreateWithVersion inserts a processing document and its first version in one transaction.
func (r *DocumentRepo) CreateWithVersion(ctx context.Context, ownerID, title string, collectionID *string) (models.Document, models.DocumentVersion, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return models.Document{}, models.DocumentVersion{}, fmt.Errorf("begin tx create document: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	d := models.Document{OwnerID: ownerID, Title: title, CollectionID: collectionID, Status: models.StatusProcessing}
	err = tx.QueryRow(ctx, `
INSERT INTO kb_documents (owner_id, title, collection_id, status)
VALUES ($1, $2, $3::uuid, 'processing')
RETURNING id::text, created_at, updated_at`, ownerID, title, collectionID).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.Document{}, models.DocumentVersion{}, fmt.Errorf("insert document: %w", err)
	}
	v := models.DocumentVersion{DocumentID: d.ID, Version: 1, Status: models.StatusProcessing}
	err = tx.QueryRow(ctx, `
INSERT INTO kb_document_versions (document_id, version, status)
VALUES ($1, 1, 'processing')
RETURNING id::text, created_at`, d.ID).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return models.Document{}, models.DocumentVersion{}, fmt.Errorf("insert document version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Document{}, models.DocumentVersion{}, fmt.Errorf("commit create document: %w", err)
	}
	d.Versions = []models.DocumentVersion{v}
	return d, v, nil
}

// NextVersion adds a new processing version numbered max(version)+1.
func (r *DocumentRepo) NextVersion(ctx context.Context, documentID string) (models.DocumentVersion, error) {
	v := models.DocumentVersion{DocumentID: documentID, Status: models.StatusProcessing}
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO kb_document_versions (document_id, version, status)
SELECT $1, COALESCE(MAX(version), 0) + 1, 'processing'
FROM kb_document_versions WHERE document_id=$1
RETURNING id::text, version, created_at`, documentID).Scan(&v.ID, &v.Version, &v.CreatedAt)
	if err != nil {
		return models.DocumentVersion{}, fmt.Errorf("insert next version: %w", err)
	}
	return v, nil
}

func (r *DocumentRepo) Get(ctx context.Context, ownerID, documentID string) (models.Document, error) {
	var d models.Document
	err := r.db.Pool.QueryRow(ctx, `
SELECT id::text, owner_id, title, collection_id::text, status, created_at, updated_at
FROM kb_documents
WHERE owner_id=$1 AND id=$2`, ownerID, documentID).
		Scan(&d.ID, &d.OwnerID, &d.Title, &d.CollectionID, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("get document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document: %w", err)
	}
	versions, err := r.listVersions(ctx, documentID)
	if err != nil {
		return models.Document{}, err
	}
	d.Versions = versions
	return d, nil
}

func (r *DocumentRepo) ListByOwner(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT id::text, owner_id, title, collection_id::text, status, created_at, updated_at
FROM kb_documents
WHERE owner_id=$1
ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]models.Document, 0)
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.CollectionID, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

const versionColumns = `id::text, document_id::text, version, COALESCE(raw_path,''), COALESCE(md_path,''), status, error, created_at`

func scanVersion(row pgx.Row) (models.DocumentVersion, error) {
	var v models.DocumentVersion
	err := row.Scan(&v.ID, &v.DocumentID, &v.Version, &v.RawPath, &v.MDPath, &v.Status, &v.Error, &v.CreatedAt)
	return v, err
}

func (r *DocumentRepo) listVersions(ctx context.Context, documentID string) ([]models.DocumentVersion, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+versionColumns+` FROM kb_document_versions WHERE document_id=$1 ORDER BY version DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	out := make([]models.DocumentVersion, 0, 1)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

// LatestVersion returns the version with the highest number.
func (r *DocumentRepo) LatestVersion(ctx context.Context, documentID string) (models.DocumentVersion, error) {
	v, err := scanVersion(r.db.Pool.QueryRow(ctx, `
SELECT `+versionColumns+` FROM kb_document_versions
WHERE document_id=$1 ORDER BY version DESC LIMIT 1`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DocumentVersion{}, fmt.Errorf("latest version of %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return models.DocumentVersion{}, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

func (r *DocumentRepo) GetVersion(ctx context.Context, versionID string) (models.DocumentVersion, error) {
	v, err := scanVersion(r.db.Pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM kb_document_versions WHERE id=$1`, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DocumentVersion{}, fmt.Errorf("get version %s: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return models.DocumentVersion{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (r *DocumentRepo) SetVersionRawPath(ctx context.Context, versionID, rawPath string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE kb_document_versions SET raw_path=$2 WHERE id=$1`, versionID, rawPath)
	if err != nil {
		return fmt.Errorf("set version raw path: %w", err)
	}
	return nil
}

func (r *DocumentRepo) SetVersionMDPath(ctx context.Context, versionID, mdPath string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE kb_document_versions SET md_path=$2 WHERE id=$1`, versionID, mdPath)
	if err != nil {
		return fmt.Errorf("set version md path: %w", err)
	}
	return nil
}

// The status helpers below always update the version. The document follows only
// when versionID is its latest version, so a superseded version cannot flip it.

// MarkFailed sets the version, and the document when the version is latest, to failed with msg.
func (r *DocumentRepo) MarkFailed(ctx context.Context, documentID, versionID, msg string) error {
	return r.setStatus(ctx, documentID, versionID, models.StatusFailed, &msg)
}

// MarkReady sets the version, and the document when the version is latest, to ready.
func (r *DocumentRepo) MarkReady(ctx context.Context, documentID, versionID string) error {
	return r.setStatus(ctx, documentID, versionID, models.StatusReady, nil)
}

// ResetForReprocess puts the document and version back to processing and clears the error.
func (r *DocumentRepo) ResetForReprocess(ctx context.Context, documentID, versionID string) error {
	return r.setStatus(ctx, documentID, versionID, models.StatusProcessing, nil)
}

func (r *DocumentRepo) setStatus(ctx context.Context, documentID, versionID, status string, errMsg *string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx set status: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, `UPDATE kb_document_versions SET status=$2, error=$3 WHERE id=$1`, versionID, status, errMsg); err != nil {
		return fmt.Errorf("set version status %s: %w", status, err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE kb_documents d SET status=$2, updated_at=NOW()
WHERE d.id=$1 AND $3::uuid = (
  SELECT v.id FROM kb_document_versions v WHERE v.document_id=d.id ORDER BY v.version DESC LIMIT 1
)`, documentID, status, versionID); err != nil {
		return fmt.Errorf("set document status %s: %w", status, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit set status: %w", err)
	}
	return nil
}

// Delete removes the document; versions and chunks go with it via ON DELETE CASCADE.
func (r *DocumentRepo) Delete(ctx context.Context, ownerID, documentID string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM kb_documents WHERE owner_id=$1 AND id=$2`, ownerID, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete document %s: %w", documentID, ErrNotFound)
	}
	return nil
}
