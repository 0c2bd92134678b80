package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kbflow/internal/blob"
	"kbflow/internal/extract"
	"kbflow/internal/models"
	"kbflow/internal/storage/memstore"
	"kbflow/internal/util"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  [][]string
	failOn map[int]error
	onCall func(n int)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	n := len(f.calls)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	if err := f.failOn[n]; err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(n), float32(i), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) inputs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, c := range f.calls {
		total += len(c)
	}
	return total
}

type harness struct {
	store    *memstore.Store
	blobs    *blob.FSStore
	embedder *fakeEmbedder
	worker   *Worker
	sleeps   []time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	h := &harness{store: memstore.New(), blobs: blobs, embedder: &fakeEmbedder{}}
	if cfg.MDPrefix == "" {
		cfg.MDPrefix = "kb-md"
	}
	h.worker = New(Deps{
		Jobs:      h.store,
		Documents: h.store,
		Chunks:    h.store,
		Blobs:     blobs,
		Extractor: extract.NewExtractor(),
		Embedder:  h.embedder,
	}, cfg, zap.NewNop(), nil)
	h.worker.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) newDocument(t *testing.T) (models.Document, models.DocumentVersion) {
	t.Helper()
	doc, ver, err := h.store.CreateWithVersion(context.Background(), "owner-1", "Field Notes", nil)
	require.NoError(t, err)
	return doc, ver
}

func (h *harness) jobsOfType(typ models.JobType) []models.Job {
	var out []models.Job
	for _, j := range h.store.Jobs() {
		if j.Type == typ {
			out = append(out, j)
		}
	}
	return out
}

func (h *harness) runOnce(t *testing.T) bool {
	t.Helper()
	ran, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	return ran
}

func sampleText() string {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("Retrieval keeps drafts honest by quoting stored sources. ")
		if i%7 == 6 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func TestTextUploadRunsThroughAllStages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ChunkSize: 300, ChunkOverlap: 30, BatchSize: 2, MaxRetries: 3})
	doc, ver := h.newDocument(t)

	text := sampleText()
	rawPath, err := h.blobs.Put(ctx, blob.Key("kb-raw", doc.OwnerID, doc.ID, ver.Version, "notes.txt"), []byte(text), "text/plain")
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.ParsePayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID,
		RawPath: rawPath, Filename: "notes.txt", ContentType: "text/plain",
	})
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	require.Len(t, h.jobsOfType(models.JobChunk), 1)
	assert.Equal(t, models.JobSucceeded, h.jobsOfType(models.JobParse)[0].Status)
	gotVer, err := h.store.GetVersion(ctx, ver.ID)
	require.NoError(t, err)
	assert.Equal(t, "kb-md/owner-1/"+doc.ID+"/1/document.md", gotVer.MDPath)

	chunkPayload, err := models.DecodePayload(models.JobChunk, h.jobsOfType(models.JobChunk)[0].Payload)
	require.NoError(t, err)
	assert.Empty(t, chunkPayload.(models.ChunkPayload).Content)

	require.True(t, h.runOnce(t))
	require.True(t, h.runOnce(t))
	assert.False(t, h.runOnce(t))

	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, models.StatusReady, got.Versions[0].Status)

	want := util.ChunkText(util.SanitizeText(text), 300, 30)
	chunks, err := h.store.ListByVersion(ctx, ver.ID)
	require.NoError(t, err)
	require.Len(t, chunks, len(want))
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, want[i], c.Content)
		assert.True(t, c.Embedded)
		assert.NotNil(t, h.store.Embedding(c.ID))
	}
	for _, j := range h.store.Jobs() {
		assert.Equal(t, models.JobSucceeded, j.Status, "job %s", j.Type)
	}
}

func TestRechunkingSameTextKeepsEmbeddings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ChunkSize: 300, ChunkOverlap: 30, BatchSize: 4, MaxRetries: 3})
	doc, ver := h.newDocument(t)

	_, err := h.store.Enqueue(ctx, models.ChunkPayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID, Content: sampleText(),
	})
	require.NoError(t, err)
	require.True(t, h.runOnce(t))
	require.True(t, h.runOnce(t))
	before, err := h.store.ListByVersion(ctx, ver.ID)
	require.NoError(t, err)
	embedded := h.embedder.inputs()
	require.Equal(t, len(before), embedded)

	require.NoError(t, h.store.ResetForReprocess(ctx, doc.ID, ver.ID))
	_, err = h.store.Enqueue(ctx, models.ChunkPayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID, Content: sampleText(),
	})
	require.NoError(t, err)
	require.True(t, h.runOnce(t))
	require.True(t, h.runOnce(t))

	assert.Equal(t, embedded, h.embedder.inputs(), "unchanged chunks are not embedded again")
	after, err := h.store.ListByVersion(ctx, ver.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range after {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.True(t, after[i].Embedded)
	}
	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestRetryExhaustionFailsDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxRetries: 3})
	doc, ver := h.newDocument(t)
	jobID, err := h.store.Enqueue(ctx, models.ParsePayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID,
		RawPath: "kb-raw/owner-1/missing.txt", Filename: "missing.txt",
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.True(t, h.runOnce(t))
		job := h.store.Jobs()[0]
		assert.Equal(t, jobID, job.ID)
		assert.Equal(t, i, job.Retries)
	}
	assert.False(t, h.runOnce(t), "exhausted job must not be claimed again")

	job := h.store.Jobs()[0]
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 3, job.Retries)
	require.NotNil(t, job.Error)

	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.StatusFailed, got.Versions[0].Status)
	require.NotNil(t, got.Versions[0].Error)
	assert.Contains(t, *got.Versions[0].Error, "read raw blob")
}

func TestBinaryUploadFailsWithDescriptiveError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxRetries: 1})
	doc, ver := h.newDocument(t)
	rawPath, err := h.blobs.Put(ctx, "kb-raw/owner-1/d/1/scan.txt", []byte("%PDF-1.7 \x00\x01 stream"), "")
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.ParsePayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID, RawPath: rawPath, Filename: "scan.txt",
	})
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Versions[0].Error)
	assert.Equal(t, util.ErrBinaryContent.Error(), *got.Versions[0].Error)
	assert.Empty(t, h.jobsOfType(models.JobChunk))
}

func TestPastedContentIsChunkedInline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ChunkSize: 100, ChunkOverlap: 10})
	doc, ver := h.newDocument(t)
	_, err := h.store.Enqueue(ctx, models.ChunkPayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID, Content: sampleText(),
	})
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	chunks, err := h.store.ListByVersion(ctx, ver.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, len(util.ChunkText(sampleText(), 100, 10)))
	require.Len(t, h.jobsOfType(models.JobEmbed), 1)
}

func TestEmbedSkipsChunksThatAlreadyHaveVectors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BatchSize: 3, BatchDelay: 500 * time.Millisecond})
	doc, ver := h.newDocument(t)
	_, err := h.store.ReplaceChunks(ctx, ver.ID, []string{"a", "b", "c", "d", "e", "f", "g"})
	require.NoError(t, err)
	chunks, err := h.store.ListByVersion(ctx, ver.ID)
	require.NoError(t, err)
	for _, c := range chunks[:3] {
		require.NoError(t, h.store.SetEmbedding(ctx, c.ID, []float32{9, 9, 9}))
	}
	_, err = h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	assert.Equal(t, 4, h.embedder.inputs())
	assert.Equal(t, [][]string{{"d", "e", "f"}, {"g"}}, h.embedder.calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, h.sleeps)
	assert.Equal(t, []float32{9, 9, 9}, h.store.Embedding(chunks[0].ID))

	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestEmbedWithNothingMissingMarksReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	doc, ver := h.newDocument(t)
	_, err := h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	assert.Empty(t, h.embedder.calls)
	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestEmbedBatchFailureLeavesDocumentProcessing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BatchSize: 2, BatchDelay: 100 * time.Millisecond})
	h.embedder.failOn = map[int]error{2: errors.New("upstream 503")}
	doc, ver := h.newDocument(t)
	_, err := h.store.ReplaceChunks(ctx, ver.ID, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	assert.Len(t, h.embedder.calls, 3)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}, h.sleeps)

	missing, err := h.store.CountMissingEmbeddings(ctx, ver.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, missing)

	job := h.store.Jobs()[0]
	assert.Equal(t, models.JobSucceeded, job.Status)
	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Nil(t, got.Versions[0].Error)
}

func TestStaleRunningJobIsRequeued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{StaleAfter: 15 * time.Minute})
	doc, ver := h.newDocument(t)
	jobID, err := h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)

	claimed, err := h.store.ClaimNext(ctx, 3, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.ID)
	assert.False(t, h.runOnce(t), "fresh lease must be respected")

	h.store.Advance(20 * time.Minute)
	require.True(t, h.runOnce(t))
	job := h.store.Jobs()[0]
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, 0, job.Retries)
}

func TestInterruptedJobIsReleasedWithoutSpendingRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, Config{BatchSize: 1})
	h.embedder.onCall = func(int) { cancel() }
	h.embedder.failOn = map[int]error{1: context.Canceled}
	doc, ver := h.newDocument(t)
	_, err := h.store.ReplaceChunks(ctx, ver.ID, []string{"a", "b"})
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)

	ran, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	job := h.store.Jobs()[0]
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Retries)
}

func TestRunReturnsWhenContextCancelled(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	h.worker.sleep = sleepCtx
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfigDefaults(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, 3, h.worker.cfg.MaxRetries)
	assert.Equal(t, 5, h.worker.cfg.BatchSize)
	assert.Equal(t, 5*time.Second, h.worker.cfg.PollInterval)
	assert.NotEmpty(t, h.worker.ID())
}

func (h *harness) peer(t *testing.T, cfg Config) *Worker {
	t.Helper()
	if cfg.MDPrefix == "" {
		cfg.MDPrefix = "kb-md"
	}
	w := New(h.worker.deps, cfg, zap.NewNop(), nil)
	w.sleep = h.worker.sleep
	return w
}

func TestRequeuedJobIsFinishedOnlyByNewHolder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	doc, ver := h.newDocument(t)
	rawPath, err := h.blobs.Put(ctx, blob.Key("kb-raw", doc.OwnerID, doc.ID, ver.Version, "notes.txt"), []byte(sampleText()), "text/plain")
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.ParsePayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID, RawPath: rawPath, Filename: "notes.txt",
	})
	require.NoError(t, err)

	slow, err := h.store.ClaimNext(ctx, 3, h.worker.ID())
	require.NoError(t, err)
	require.NotNil(t, slow)

	h.store.Advance(16 * time.Minute)
	other := h.peer(t, Config{StaleAfter: 15 * time.Minute})
	ran, err := other.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, h.jobsOfType(models.JobChunk), 1)

	h.worker.process(ctx, *slow)
	assert.Len(t, h.jobsOfType(models.JobChunk), 1, "the stale holder must not queue a second chunk job")
	parse := h.jobsOfType(models.JobParse)[0]
	assert.Equal(t, models.JobSucceeded, parse.Status)
	assert.Equal(t, 0, parse.Retries)
}

func TestStaleHolderFailureIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxRetries: 1})
	doc, ver := h.newDocument(t)
	_, err := h.store.Enqueue(ctx, models.ParsePayload{
		DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID, RawPath: "kb-raw/missing.txt",
	})
	require.NoError(t, err)

	slow, err := h.store.ClaimNext(ctx, 1, h.worker.ID())
	require.NoError(t, err)
	h.store.Advance(time.Minute)
	n, err := h.store.RequeueStale(ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	h.worker.process(ctx, *slow)
	job := h.store.Jobs()[0]
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Retries)
	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status, "no cascade from a lost lease")
}

func TestLongEmbedKeepsItsLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BatchSize: 1})
	doc, ver := h.newDocument(t)
	_, err := h.store.ReplaceChunks(ctx, ver.ID, []string{"a", "b", "c"})
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)

	var requeued int64
	h.embedder.onCall = func(int) {
		h.store.Advance(10 * time.Minute)
		n, err := h.store.RequeueStale(ctx, 15*time.Minute)
		assert.NoError(t, err)
		requeued += n
	}

	require.True(t, h.runOnce(t))
	assert.Zero(t, requeued)
	assert.Len(t, h.embedder.calls, 3)
	assert.Equal(t, models.JobSucceeded, h.store.Jobs()[0].Status)
	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestSupersededVersionJobsAreSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	doc, v1 := h.newDocument(t)
	_, err := h.store.ReplaceChunks(ctx, v1.ID, []string{"old a", "old b"})
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: v1.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)

	v2, err := h.store.NextVersion(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.ResetForReprocess(ctx, doc.ID, v2.ID))

	require.True(t, h.runOnce(t))
	assert.Empty(t, h.embedder.calls)
	assert.Equal(t, models.JobSucceeded, h.store.Jobs()[0].Status)
	got, err := h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status, "an old version must not make the document ready")

	// Even a direct status change on v1 leaves the document to v2.
	require.NoError(t, h.store.MarkReady(ctx, doc.ID, v1.ID))
	got, err = h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	_, err = h.store.ReplaceChunks(ctx, v2.ID, []string{"new a"})
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, models.EmbedPayload{DocumentID: doc.ID, VersionID: v2.ID, OwnerID: doc.OwnerID})
	require.NoError(t, err)
	require.True(t, h.runOnce(t))
	got, err = h.store.Get(ctx, doc.OwnerID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)

	old, err := h.store.ListByVersion(ctx, v1.ID)
	require.NoError(t, err)
	fresh, err := h.store.ListByVersion(ctx, v2.ID)
	require.NoError(t, err)
	cached, err := h.store.ListForCache(ctx, doc.OwnerID, []string{old[0].ID, old[1].ID, fresh[0].ID})
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "new a", cached[0].Content)
}

func TestDeletedDocumentJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	doc, ver := h.newDocument(t)
	_, err := h.store.Enqueue(ctx, models.ChunkPayload{DocumentID: doc.ID, VersionID: ver.ID, OwnerID: doc.OwnerID, Content: "gone"})
	require.NoError(t, err)
	require.NoError(t, h.store.Delete(ctx, doc.OwnerID, doc.ID))

	require.True(t, h.runOnce(t))
	assert.Equal(t, models.JobSucceeded, h.store.Jobs()[0].Status)
	assert.Empty(t, h.jobsOfType(models.JobEmbed))
}
