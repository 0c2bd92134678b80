// Package ingest creates documents and versions and feeds them into the job pipeline.
package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"kbflow/internal/blob"
	"kbflow/internal/config"
	"kbflow/internal/logging"
	"kbflow/internal/models"
	"kbflow/internal/util"
)

type DocumentStore interface {
	CreateWithVersion(ctx context.Context, ownerID, title string, collectionID *string) (models.Document, models.DocumentVersion, error)
	NextVersion(ctx context.Context, documentID string) (models.DocumentVersion, error)
	Get(ctx context.Context, ownerID, documentID string) (models.Document, error)
	LatestVersion(ctx context.Context, documentID string) (models.DocumentVersion, error)
	SetVersionRawPath(ctx context.Context, versionID, rawPath string) error
	SetVersionMDPath(ctx context.Context, versionID, mdPath string) error
	MarkFailed(ctx context.Context, documentID, versionID, msg string) error
	ResetForReprocess(ctx context.Context, documentID, versionID string) error
	Delete(ctx context.Context, ownerID, documentID string) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, payload models.Payload) (string, error)
}

type Prefixes struct {
	Raw     string
	MD      string
	Outputs string
}

func PrefixesFrom(c config.Config) Prefixes {
	return Prefixes{Raw: c.RawPrefix, MD: c.MDPrefix, Outputs: c.OutputsPrefix}
}

type Service struct {
	docs     DocumentStore
	jobs     JobQueue
	blobs    blob.Store
	prefixes Prefixes
	log      *zap.Logger
	now      func() time.Time
}

func NewService(docs DocumentStore, jobs JobQueue, blobs blob.Store, prefixes Prefixes, log *zap.Logger) *Service {
	return &Service{
		docs:     docs,
		jobs:     jobs,
		blobs:    blobs,
		prefixes: prefixes,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// UploadInput describes one file. A non-empty DocumentID adds a new version to that
// document instead of creating a new one.
type UploadInput struct {
	OwnerID      string
	DocumentID   string
	Title        string
	CollectionID *string
	Filename     string
	ContentType  string
	Data         []byte
}

type PasteInput struct {
	OwnerID      string
	Title        string
	CollectionID *string
	Content      string
}

type Result struct {
	Document models.Document
	Version  models.DocumentVersion
	JobID    string
	SHA256   string
}

// Upload stores the raw file and queues a parse job for it.
func (s *Service) Upload(ctx context.Context, in UploadInput) (Result, error) {
	filename := path.Base(strings.TrimSpace(in.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return Result{}, fmt.Errorf("filename is required")
	}
	if len(in.Data) == 0 {
		return Result{}, util.ErrEmptyContent
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(filename, path.Ext(filename))
	}

	doc, ver, err := s.createVersion(ctx, in, title)
	if err != nil {
		return Result{}, err
	}
	rawPath, err := s.blobs.Put(ctx, blob.Key(s.prefixes.Raw, in.OwnerID, doc.ID, ver.Version, filename), in.Data, in.ContentType)
	if err != nil {
		return Result{}, s.abandon(ctx, doc, ver, fmt.Errorf("store raw upload: %w", err))
	}
	if err := s.docs.SetVersionRawPath(ctx, ver.ID, rawPath); err != nil {
		return Result{}, s.abandon(ctx, doc, ver, err)
	}
	ver.RawPath = rawPath
	jobID, err := s.jobs.Enqueue(ctx, models.ParsePayload{
		DocumentID:  doc.ID,
		VersionID:   ver.ID,
		OwnerID:     in.OwnerID,
		RawPath:     rawPath,
		Filename:    filename,
		ContentType: in.ContentType,
	})
	if err != nil {
		return Result{}, s.abandon(ctx, doc, ver, fmt.Errorf("enqueue parse job: %w", err))
	}
	sum := util.SHA256Hex(in.Data)
	s.log.Info("document uploaded",
		zap.String("document_id", doc.ID),
		zap.String("version_id", ver.ID),
		zap.String("filename", filename),
		zap.Int("bytes", len(in.Data)),
		zap.String("sha256", sum),
		zap.String("job_id", jobID))
	return Result{Document: doc, Version: ver, JobID: jobID, SHA256: sum}, nil
}

func (s *Service) createVersion(ctx context.Context, in UploadInput, title string) (models.Document, models.DocumentVersion, error) {
	if in.DocumentID == "" {
		return s.docs.CreateWithVersion(ctx, in.OwnerID, title, in.CollectionID)
	}
	doc, err := s.docs.Get(ctx, in.OwnerID, in.DocumentID)
	if err != nil {
		return models.Document{}, models.DocumentVersion{}, err
	}
	ver, err := s.docs.NextVersion(ctx, doc.ID)
	if err != nil {
		return models.Document{}, models.DocumentVersion{}, err
	}
	if err := s.docs.ResetForReprocess(ctx, doc.ID, ver.ID); err != nil {
		return models.Document{}, models.DocumentVersion{}, err
	}
	doc.Status = models.StatusProcessing
	doc.Versions = append([]models.DocumentVersion{ver}, doc.Versions...)
	return doc, ver, nil
}

// Paste stores pasted text as the version markdown and queues chunking directly.
func (s *Service) Paste(ctx context.Context, in PasteInput) (Result, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Result{}, util.ErrEmptyContent
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Pasted text " + s.now().UTC().Format("2006-01-02 15:04:05")
	}

	doc, ver, err := s.docs.CreateWithVersion(ctx, in.OwnerID, title, in.CollectionID)
	if err != nil {
		return Result{}, err
	}
	mdPath, err := s.blobs.Put(ctx, blob.Key(s.prefixes.MD, in.OwnerID, doc.ID, ver.Version, "document.md"), []byte(content), "text/markdown")
	if err != nil {
		return Result{}, s.abandon(ctx, doc, ver, fmt.Errorf("store pasted text: %w", err))
	}
	if err := s.docs.SetVersionMDPath(ctx, ver.ID, mdPath); err != nil {
		return Result{}, s.abandon(ctx, doc, ver, err)
	}
	ver.MDPath = mdPath
	jobID, err := s.jobs.Enqueue(ctx, models.ChunkPayload{
		DocumentID: doc.ID,
		VersionID:  ver.ID,
		OwnerID:    in.OwnerID,
		Content:    content,
	})
	if err != nil {
		return Result{}, s.abandon(ctx, doc, ver, fmt.Errorf("enqueue chunk job: %w", err))
	}
	sum := util.SHA256Hex([]byte(content))
	s.log.Info("text pasted",
		zap.String("document_id", doc.ID),
		zap.String("version_id", ver.ID),
		zap.Int("chars", len([]rune(content))),
		zap.String("job_id", jobID))
	return Result{Document: doc, Version: ver, JobID: jobID, SHA256: sum}, nil
}

// Reprocess re-enters the pipeline for the latest version with a fresh job:
// parse when no markdown exists yet, chunk otherwise.
func (s *Service) Reprocess(ctx context.Context, ownerID, documentID string) (Result, error) {
	doc, err := s.docs.Get(ctx, ownerID, documentID)
	if err != nil {
		return Result{}, err
	}
	ver, err := s.docs.LatestVersion(ctx, documentID)
	if err != nil {
		return Result{}, err
	}
	if ver.MDPath == "" && ver.RawPath == "" {
		return Result{}, fmt.Errorf("version %d of %s has no stored content", ver.Version, documentID)
	}
	if err := s.docs.ResetForReprocess(ctx, documentID, ver.ID); err != nil {
		return Result{}, err
	}

	var payload models.Payload
	if ver.MDPath == "" {
		payload = models.ParsePayload{
			DocumentID: documentID,
			VersionID:  ver.ID,
			OwnerID:    ownerID,
			RawPath:    ver.RawPath,
			Filename:   path.Base(ver.RawPath),
		}
	} else {
		payload = models.ChunkPayload{
			DocumentID: documentID,
			VersionID:  ver.ID,
			OwnerID:    ownerID,
			MDPath:     ver.MDPath,
		}
	}
	jobID, err := s.jobs.Enqueue(ctx, payload)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue %s job: %w", payload.JobType(), err)
	}
	doc.Status = models.StatusProcessing
	ver.Status = models.StatusProcessing
	ver.Error = nil
	s.log.Info("document reprocessing",
		zap.String("document_id", documentID),
		zap.String("version_id", ver.ID),
		zap.String("stage", string(payload.JobType())),
		zap.String("job_id", jobID))
	return Result{Document: doc, Version: ver, JobID: jobID}, nil
}

// Delete removes the document rows, then its blobs. Blob cleanup failures are only logged.
func (s *Service) Delete(ctx context.Context, ownerID, documentID string) error {
	if err := s.docs.Delete(ctx, ownerID, documentID); err != nil {
		return err
	}
	for _, prefix := range []string{s.prefixes.Raw, s.prefixes.MD, s.prefixes.Outputs} {
		if prefix == "" {
			continue
		}
		p := blob.DocumentPrefix(prefix, ownerID, documentID)
		if err := s.blobs.DeleteByPrefix(ctx, p); err != nil {
			s.log.Warn("delete document blobs failed", zap.String("prefix", p), zap.Error(err))
		}
	}
	s.log.Info("document deleted", zap.String("document_id", documentID))
	return nil
}

// abandon marks a half-created document failed so it does not sit in processing forever.
func (s *Service) abandon(ctx context.Context, doc models.Document, ver models.DocumentVersion, cause error) error {
	if err := s.docs.MarkFailed(context.WithoutCancel(ctx), doc.ID, ver.ID, cause.Error()); err != nil {
		s.log.Warn("mark abandoned document failed", zap.String("document_id", doc.ID), zap.Error(err))
	}
	return cause
}
