package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kbflow/internal/blob"
	"kbflow/internal/cache"
	"kbflow/internal/config"
	"kbflow/internal/extract"
	"kbflow/internal/ingest"
	"kbflow/internal/logging"
	"kbflow/internal/providers"
	"kbflow/internal/retrieval"
	"kbflow/internal/storage"
	"kbflow/internal/vector"
	"kbflow/internal/worker"
)

// app holds the connections one kbctl invocation needs. Redis, blobs and providers
// are opened on first use.
type app struct {
	cfg  config.Config
	log  *zap.Logger
	db   *storage.DB
	rdb  *redis.Client
	blob blob.Store
	pm   *providers.Manager

	documents   *storage.DocumentRepo
	chunks      *storage.ChunkRepo
	jobs        *storage.JobRepo
	collections *storage.CollectionRepo
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := storage.NewDB(connectCtx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:         cfg,
		log:         logger,
		db:          db,
		documents:   storage.NewDocumentRepo(db),
		chunks:      storage.NewChunkRepo(db),
		jobs:        storage.NewJobRepo(db),
		collections: storage.NewCollectionRepo(db),
	}, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.db.Close()
	_ = a.log.Sync()
}

func (a *app) blobs(ctx context.Context) (blob.Store, error) {
	if a.blob == nil {
		s, err := blob.Open(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.blob = s
	}
	return a.blob, nil
}

func (a *app) providers() (*providers.Manager, error) {
	if a.pm == nil {
		pm, err := providers.NewManager(a.cfg)
		if err != nil {
			return nil, err
		}
		a.pm = pm
	}
	return a.pm, nil
}

func (a *app) knowledgeCache(ctx context.Context) (*cache.KnowledgeCache, error) {
	if a.rdb == nil {
		rdb, err := cache.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
	}
	return cache.NewKnowledgeCache(a.rdb, a.chunks, a.cfg.CacheTTL, a.cfg.CacheMaxChunks, a.log), nil
}

func (a *app) ingestService(ctx context.Context) (*ingest.Service, error) {
	blobs, err := a.blobs(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.NewService(a.documents, a.jobs, blobs, ingest.PrefixesFrom(a.cfg), a.log), nil
}

func (a *app) searcher() (*vector.Searcher, error) {
	pm, err := a.providers()
	if err != nil {
		return nil, err
	}
	embedder, _ := pm.Embedder()
	s := vector.NewSearcher(a.db.Pool, embedder, a.log, nil).
		WithDefaults(a.cfg.SearchLimit, a.cfg.SearchThreshold).
		WithTuning(vector.IndexTuning{EfSearch: a.cfg.SearchEfSearch, IterativeScan: a.cfg.SearchIterativeScan})
	return s, nil
}

// retriever uses the knowledge cache when redis is reachable and plain search otherwise.
func (a *app) retriever(ctx context.Context) (*retrieval.Retriever, error) {
	s, err := a.searcher()
	if err != nil {
		return nil, err
	}
	var kc retrieval.ChunkCache
	if c, err := a.knowledgeCache(ctx); err != nil {
		a.log.Warn("knowledge cache unavailable, using vector search only", zap.Error(err))
	} else {
		kc = c
	}
	pm, err := a.providers()
	if err != nil {
		return nil, err
	}
	llm, ref := pm.LLM()
	return retrieval.New(kc, s, a.log).WithLLM(llm, ref, storage.NewLLMAuditRepo(a.db)), nil
}

func (a *app) worker(ctx context.Context) (*worker.Worker, error) {
	blobs, err := a.blobs(ctx)
	if err != nil {
		return nil, err
	}
	pm, err := a.providers()
	if err != nil {
		return nil, err
	}
	embedder, _ := pm.Embedder()
	return worker.New(worker.Deps{
		Jobs:      a.jobs,
		Documents: a.documents,
		Chunks:    a.chunks,
		Blobs:     blobs,
		Extractor: extract.NewExtractor(),
		Embedder:  embedder,
	}, worker.ConfigFrom(a.cfg), a.log, nil), nil
}

// withApp opens the app for the duration of one command.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
