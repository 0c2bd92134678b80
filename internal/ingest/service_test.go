package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbflow/internal/blob"
	"kbflow/internal/models"
	"kbflow/internal/storage/memstore"
	"kbflow/internal/util"
)

var testPrefixes = Prefixes{Raw: "kb-raw", MD: "kb-md", Outputs: "outputs"}

type brokenBlobs struct {
	blob.Store
	err error
}

func (b brokenBlobs) Put(context.Context, string, []byte, string) (string, error) {
	return "", b.err
}

func (b brokenBlobs) DeleteByPrefix(context.Context, string) error {
	return b.err
}

func newService(t *testing.T) (*Service, *memstore.Store, *blob.FSStore) {
	t.Helper()
	store := memstore.New()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	svc := NewService(store, store, blobs, testPrefixes, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return svc, store, blobs
}

func TestUploadStoresRawBlobAndQueuesParse(t *testing.T) {
	ctx := context.Background()
	svc, store, blobs := newService(t)

	res, err := svc.Upload(ctx, UploadInput{
		OwnerID:     "u1",
		Filename:    "reports/Q3 summary.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4 fake"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Q3 summary", res.Document.Title)
	assert.Equal(t, models.StatusProcessing, res.Document.Status)
	assert.Equal(t, "kb-raw/u1/"+res.Document.ID+"/1/Q3 summary.pdf", res.Version.RawPath)
	assert.Equal(t, util.SHA256Hex([]byte("%PDF-1.4 fake")), res.SHA256)

	data, err := blobs.Get(ctx, res.Version.RawPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))

	jobs := store.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobID, jobs[0].ID)
	p, err := models.DecodePayload(jobs[0].Type, jobs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, models.ParsePayload{
		DocumentID:  res.Document.ID,
		VersionID:   res.Version.ID,
		OwnerID:     "u1",
		RawPath:     res.Version.RawPath,
		Filename:    "Q3 summary.pdf",
		ContentType: "application/pdf",
	}, p)
}

func TestUploadRejectsMissingInput(t *testing.T) {
	svc, store, _ := newService(t)
	_, err := svc.Upload(context.Background(), UploadInput{OwnerID: "u1", Data: []byte("x")})
	require.Error(t, err)
	_, err = svc.Upload(context.Background(), UploadInput{OwnerID: "u1", Filename: "a.txt"})
	require.ErrorIs(t, err, util.ErrEmptyContent)
	assert.Empty(t, store.Jobs())
}

func TestUploadBlobFailureMarksDocumentFailed(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewService(store, store, brokenBlobs{err: errors.New("bucket unreachable")}, testPrefixes, nil)

	_, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", Filename: "a.txt", Data: []byte("hello")})
	require.ErrorContains(t, err, "bucket unreachable")
	assert.Empty(t, store.Jobs())
}

func TestPasteStoresMarkdownAndQueuesChunk(t *testing.T) {
	ctx := context.Background()
	svc, store, blobs := newService(t)

	res, err := svc.Paste(ctx, PasteInput{OwnerID: "u1", Content: "  Some pasted notes.  "})
	require.NoError(t, err)
	assert.Equal(t, "Pasted text 2026-03-04 05:06:07", res.Document.Title)
	assert.Equal(t, "kb-md/u1/"+res.Document.ID+"/1/document.md", res.Version.MDPath)

	data, err := blobs.Get(ctx, res.Version.MDPath)
	require.NoError(t, err)
	assert.Equal(t, "Some pasted notes.", string(data))

	jobs := store.Jobs()
	require.Len(t, jobs, 1)
	p, err := models.DecodePayload(jobs[0].Type, jobs[0].Payload)
	require.NoError(t, err)
	chunk, ok := p.(models.ChunkPayload)
	require.True(t, ok)
	assert.Equal(t, "Some pasted notes.", chunk.Content)
}

func TestPasteRejectsBlankContent(t *testing.T) {
	svc, store, _ := newService(t)
	_, err := svc.Paste(context.Background(), PasteInput{OwnerID: "u1", Content: " \n\t "})
	require.ErrorIs(t, err, util.ErrEmptyContent)
	assert.Empty(t, store.Jobs())
}

func TestReprocessPicksStageFromStoredContent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	up, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", Filename: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, up.Document.ID, up.Version.ID, "boom"))

	res, err := svc.Reprocess(ctx, "u1", up.Document.ID)
	require.NoError(t, err)
	assert.NotEqual(t, up.JobID, res.JobID)
	jobs := store.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, models.JobParse, jobs[1].Type)

	got, err := store.Get(ctx, "u1", up.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Nil(t, got.Versions[0].Error)

	require.NoError(t, store.SetVersionMDPath(ctx, up.Version.ID, "kb-md/u1/x/1/document.md"))
	_, err = svc.Reprocess(ctx, "u1", up.Document.ID)
	require.NoError(t, err)
	jobs = store.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, models.JobChunk, jobs[2].Type)
}

func TestReprocessUnknownDocument(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	up, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", Filename: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)

	_, err = svc.Reprocess(ctx, "someone-else", up.Document.ID)
	require.ErrorIs(t, err, util.ErrNotFound)
}

func TestDeleteRemovesRowsAndBlobs(t *testing.T) {
	ctx := context.Background()
	svc, store, blobs := newService(t)
	up, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", Filename: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)
	other, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", Filename: "b.txt", Data: []byte("keep")})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "u1", up.Document.ID))
	_, err = store.Get(ctx, "u1", up.Document.ID)
	require.ErrorIs(t, err, util.ErrNotFound)
	_, err = blobs.Get(ctx, up.Version.RawPath)
	require.ErrorIs(t, err, util.ErrNotFound)
	_, err = blobs.Get(ctx, other.Version.RawPath)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(ctx, "u1", up.Document.ID), util.ErrNotFound)
}

func TestDeleteToleratesBlobCleanupFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	doc, _, err := store.CreateWithVersion(ctx, "u1", "t", nil)
	require.NoError(t, err)
	svc := NewService(store, store, brokenBlobs{err: errors.New("bucket unreachable")}, testPrefixes, nil)

	require.NoError(t, svc.Delete(ctx, "u1", doc.ID))
}

func TestUploadNewVersionOfExistingDocument(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	first, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", Filename: "a.txt", Data: []byte("v1")})
	require.NoError(t, err)
	require.NoError(t, store.MarkReady(ctx, first.Document.ID, first.Version.ID))

	second, err := svc.Upload(ctx, UploadInput{OwnerID: "u1", DocumentID: first.Document.ID, Filename: "a.txt", Data: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, first.Document.ID, second.Document.ID)
	assert.Equal(t, 2, second.Version.Version)
	assert.Equal(t, "kb-raw/u1/"+first.Document.ID+"/2/a.txt", second.Version.RawPath)

	latest, err := store.LatestVersion(ctx, first.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Version.ID, latest.ID)
	got, err := store.Get(ctx, "u1", first.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	_, err = svc.Upload(ctx, UploadInput{OwnerID: "u2", DocumentID: first.Document.ID, Filename: "a.txt", Data: []byte("x")})
	require.ErrorIs(t, err, util.ErrNotFound)
}
