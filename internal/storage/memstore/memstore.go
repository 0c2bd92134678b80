// Package memstore is an in-memory stand-in for the Postgres repositories, used by
// pipeline tests that do not need a database.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kbflow/internal/models"
	"kbflow/internal/util"
)

type Store struct {
	mu         sync.Mutex
	clock      time.Time
	docs       map[string]*models.Document
	versions   map[string]*models.DocumentVersion
	chunks     map[string]*chunkRow
	jobs       map[string]*models.Job
	collection map[string]models.Collection
}

type chunkRow struct {
	models.Chunk
	embedding []float32
}

func New() *Store {
	return &Store{
		clock:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		docs:       map[string]*models.Document{},
		versions:   map[string]*models.DocumentVersion{},
		chunks:     map[string]*chunkRow{},
		jobs:       map[string]*models.Job{},
		collection: map[string]models.Collection{},
	}
}

// tick returns a strictly increasing timestamp so creation order is stable.
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *Store) AddCollection(ownerID, name string) models.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := models.Collection{ID: uuid.NewString(), OwnerID: ownerID, Name: name, CreatedAt: s.tick()}
	s.collection[c.ID] = c
	return c
}

func (s *Store) CreateWithVersion(_ context.Context, ownerID, title string, collectionID *string) (models.Document, models.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	d := &models.Document{ID: uuid.NewString(), OwnerID: ownerID, Title: title, CollectionID: collectionID, Status: models.StatusProcessing, CreatedAt: now, UpdatedAt: now}
	v := &models.DocumentVersion{ID: uuid.NewString(), DocumentID: d.ID, Version: 1, Status: models.StatusProcessing, CreatedAt: now}
	s.docs[d.ID] = d
	s.versions[v.ID] = v
	out := *d
	out.Versions = []models.DocumentVersion{*v}
	return out, *v, nil
}

func (s *Store) NextVersion(_ context.Context, documentID string) (models.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return models.DocumentVersion{}, fmt.Errorf("insert next version: %w", util.ErrNotFound)
	}
	next := 1
	for _, v := range s.versions {
		if v.DocumentID == documentID && v.Version >= next {
			next = v.Version + 1
		}
	}
	v := &models.DocumentVersion{ID: uuid.NewString(), DocumentID: documentID, Version: next, Status: models.StatusProcessing, CreatedAt: s.tick()}
	s.versions[v.ID] = v
	return *v, nil
}

func (s *Store) Get(_ context.Context, ownerID, documentID string) (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok || d.OwnerID != ownerID {
		return models.Document{}, fmt.Errorf("get document %s: %w", documentID, util.ErrNotFound)
	}
	out := *d
	for _, v := range s.versions {
		if v.DocumentID == documentID {
			out.Versions = append(out.Versions, *v)
		}
	}
	sort.Slice(out.Versions, func(i, j int) bool { return out.Versions[i].Version > out.Versions[j].Version })
	return out, nil
}

func (s *Store) LatestVersion(_ context.Context, documentID string) (models.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestLocked(documentID)
	if latest == nil {
		return models.DocumentVersion{}, fmt.Errorf("latest version of %s: %w", documentID, util.ErrNotFound)
	}
	return *latest, nil
}

func (s *Store) latestLocked(documentID string) *models.DocumentVersion {
	var latest *models.DocumentVersion
	for _, v := range s.versions {
		if v.DocumentID == documentID && (latest == nil || v.Version > latest.Version) {
			latest = v
		}
	}
	return latest
}

func (s *Store) GetVersion(_ context.Context, versionID string) (models.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return models.DocumentVersion{}, fmt.Errorf("get version %s: %w", versionID, util.ErrNotFound)
	}
	return *v, nil
}

func (s *Store) SetVersionRawPath(_ context.Context, versionID, rawPath string) error {
	return s.updateVersion(versionID, func(v *models.DocumentVersion) { v.RawPath = rawPath })
}

func (s *Store) SetVersionMDPath(_ context.Context, versionID, mdPath string) error {
	return s.updateVersion(versionID, func(v *models.DocumentVersion) { v.MDPath = mdPath })
}

func (s *Store) updateVersion(versionID string, fn func(v *models.DocumentVersion)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return fmt.Errorf("update version %s: %w", versionID, util.ErrNotFound)
	}
	fn(v)
	return nil
}

func (s *Store) MarkFailed(_ context.Context, documentID, versionID, msg string) error {
	return s.setStatus(documentID, versionID, models.StatusFailed, &msg)
}

func (s *Store) MarkReady(_ context.Context, documentID, versionID string) error {
	return s.setStatus(documentID, versionID, models.StatusReady, nil)
}

func (s *Store) ResetForReprocess(_ context.Context, documentID, versionID string) error {
	return s.setStatus(documentID, versionID, models.StatusProcessing, nil)
}

func (s *Store) setStatus(documentID, versionID, status string, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok {
		return fmt.Errorf("set status of document %s: %w", documentID, util.ErrNotFound)
	}
	v, ok := s.versions[versionID]
	if !ok {
		return fmt.Errorf("set status of version %s: %w", versionID, util.ErrNotFound)
	}
	v.Status = status
	v.Error = errMsg
	if s.latestLocked(documentID) == v {
		d.Status = status
		d.UpdatedAt = s.tick()
	}
	return nil
}

func (s *Store) Delete(_ context.Context, ownerID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok || d.OwnerID != ownerID {
		return fmt.Errorf("delete document %s: %w", documentID, util.ErrNotFound)
	}
	delete(s.docs, documentID)
	for id, v := range s.versions {
		if v.DocumentID != documentID {
			continue
		}
		for cid, c := range s.chunks {
			if c.VersionID == id {
				delete(s.chunks, cid)
			}
		}
		delete(s.versions, id)
	}
	return nil
}

func (s *Store) ReplaceChunks(_ context.Context, versionID string, contents []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := map[int]*chunkRow{}
	for id, c := range s.chunks {
		if c.VersionID != versionID {
			continue
		}
		if c.ChunkIndex >= len(contents) {
			delete(s.chunks, id)
			continue
		}
		existing[c.ChunkIndex] = c
	}
	for i, content := range contents {
		if c, ok := existing[i]; ok {
			if c.Content != content {
				c.Content = content
				c.embedding = nil
			}
			continue
		}
		id := uuid.NewString()
		s.chunks[id] = &chunkRow{Chunk: models.Chunk{ID: id, VersionID: versionID, ChunkIndex: i, Content: content, CreatedAt: s.tick()}}
	}
	return len(contents), nil
}

func (s *Store) ListByVersion(_ context.Context, versionID string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listChunks(versionID, false), nil
}

func (s *Store) ListMissingEmbeddings(_ context.Context, versionID string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listChunks(versionID, true), nil
}

func (s *Store) listChunks(versionID string, onlyMissing bool) []models.Chunk {
	out := make([]models.Chunk, 0)
	for _, c := range s.chunks {
		if c.VersionID != versionID || (onlyMissing && c.embedding != nil) {
			continue
		}
		ch := c.Chunk
		ch.Embedded = c.embedding != nil
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func (s *Store) SetEmbedding(_ context.Context, chunkID string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return fmt.Errorf("set embedding of %s: %w", chunkID, util.ErrNotFound)
	}
	c.embedding = append([]float32(nil), vec...)
	return nil
}

func (s *Store) CountMissingEmbeddings(_ context.Context, versionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listChunks(versionID, true)), nil
}

// Embedding returns the stored vector of a chunk, or nil.
func (s *Store) Embedding(chunkID string) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[chunkID]; ok {
		return c.embedding
	}
	return nil
}

func (s *Store) ListForCache(_ context.Context, ownerID string, chunkIDs []string) ([]models.CachedChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CachedChunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		c, ok := s.chunks[id]
		if !ok {
			continue
		}
		v := s.versions[c.VersionID]
		d := s.docs[v.DocumentID]
		if d.OwnerID != ownerID || d.Status != models.StatusReady || s.latestLocked(d.ID) != v {
			continue
		}
		cc := models.CachedChunk{ID: c.ID, Content: c.Content, DocumentTitle: d.Title, ChunkIndex: c.ChunkIndex}
		if d.CollectionID != nil {
			if col, ok := s.collection[*d.CollectionID]; ok {
				name := col.Name
				cc.CollectionName = &name
			}
		}
		out = append(out, cc)
	}
	return out, nil
}

func (s *Store) Enqueue(_ context.Context, payload models.Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJob(payload.JobType(), body), nil
}

func (s *Store) insertJob(typ models.JobType, body []byte) string {
	now := s.tick()
	j := &models.Job{ID: uuid.NewString(), Type: typ, Status: models.JobPending, Payload: body, CreatedAt: now, UpdatedAt: now}
	s.jobs[j.ID] = j
	return j.ID
}

func (s *Store) ClaimNext(_ context.Context, maxRetries int, owner string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobPending || j.Retries >= maxRetries {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	now := s.tick()
	next.Status = models.JobRunning
	next.LockedBy = &owner
	next.LockedAt = &now
	out := *next
	return &out, nil
}

// RenewLease moves locked_at to the store clock while owner holds the job.
func (s *Store) RenewLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.heldJob(id, owner)
	if err != nil {
		return err
	}
	now := s.clock
	j.LockedAt = &now
	return nil
}

func (s *Store) Complete(_ context.Context, id, owner string, next models.Payload) (string, error) {
	var body []byte
	if next != nil {
		var err error
		if body, err = json.Marshal(next); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.heldJob(id, owner)
	if err != nil {
		return "", err
	}
	j.Status = models.JobSucceeded
	j.Error = nil
	j.LockedBy, j.LockedAt = nil, nil
	j.UpdatedAt = s.tick()
	if next == nil {
		return "", nil
	}
	return s.insertJob(next.JobType(), body), nil
}

func (s *Store) MarkFailedAttempt(_ context.Context, id, owner string, retries int, status models.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.heldJob(id, owner)
	if err != nil {
		return err
	}
	j.Status = status
	j.Retries = retries
	j.Error = &errMsg
	j.LockedBy, j.LockedAt = nil, nil
	j.UpdatedAt = s.tick()
	return nil
}

func (s *Store) heldJob(id, owner string) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("update job %s: %w", id, util.ErrNotFound)
	}
	if j.Status != models.JobRunning || j.LockedBy == nil || *j.LockedBy != owner {
		return nil, fmt.Errorf("update job %s: %w", id, util.ErrLeaseLost)
	}
	return j, nil
}

// RequeueStale compares lease times against the store's own clock.
func (s *Store) RequeueStale(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Add(-olderThan)
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.JobRunning && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = models.JobPending
			j.LockedBy, j.LockedAt = nil, nil
			n++
		}
	}
	return n, nil
}

// Advance moves the store clock forward.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(d)
}

// Jobs returns a snapshot of all jobs, oldest first.
func (s *Store) Jobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
