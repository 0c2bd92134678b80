package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchPipelineContract(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1500, cfg.ChunkSize)
	require.Equal(t, 150, cfg.ChunkOverlap)
	require.Equal(t, 5, cfg.EmbedBatchSize)
	require.Equal(t, 500*time.Millisecond, cfg.EmbedBatchDelay)
	require.Equal(t, 3, cfg.MaxJobRetries)
	require.Equal(t, 5*time.Second, cfg.JobPollInterval)
	require.Equal(t, 24*time.Hour, cfg.CacheTTL)
	require.Equal(t, 50, cfg.CacheMaxChunks)
	require.Equal(t, 30, cfg.SearchLimit)
	require.InDelta(t, 0.3, cfg.SearchThreshold, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("KBFLOW_CHUNK_SIZE", "800")
	t.Setenv("KBFLOW_CHUNK_OVERLAP", "80")
	t.Setenv("KBFLOW_JOB_POLL_INTERVAL", "2s")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 800, cfg.ChunkSize)
	require.Equal(t, 80, cfg.ChunkOverlap)
	require.Equal(t, 2*time.Second, cfg.JobPollInterval)
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_max_chunks: 10\nblob_backend: minio\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.CacheMaxChunks)
	require.Equal(t, "minio", cfg.BlobBackend)
}

func TestValidateRejectsBadChunking(t *testing.T) {
	cfg := Default()
	cfg.ChunkOverlap = cfg.ChunkSize
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ChunkSize = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxJobRetries = 0
	require.Error(t, cfg.Validate())
}

func TestSearchIndexTuning(t *testing.T) {
	cfg := Default()
	require.Equal(t, 100, cfg.SearchEfSearch)
	require.Equal(t, "strict_order", cfg.SearchIterativeScan)

	t.Setenv("KBFLOW_SEARCH_EF_SEARCH", "400")
	t.Setenv("KBFLOW_SEARCH_ITERATIVE_SCAN", "Relaxed_Order")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 400, cfg.SearchEfSearch)
	require.Equal(t, "relaxed_order", cfg.SearchIterativeScan)

	cfg.SearchIterativeScan = "sideways"
	require.Error(t, cfg.Validate())
}
