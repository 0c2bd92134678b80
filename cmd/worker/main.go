package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"kbflow/internal/api"
	"kbflow/internal/blob"
	"kbflow/internal/cache"
	"kbflow/internal/config"
	"kbflow/internal/extract"
	"kbflow/internal/logging"
	"kbflow/internal/metrics"
	"kbflow/internal/providers"
	"kbflow/internal/storage"
	"kbflow/internal/worker"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load(os.Getenv("KBFLOW_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := storage.NewDB(startCtx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	rdb, err := cache.NewRedisClient(startCtx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()
	blobs, err := blob.Open(startCtx, cfg)
	if err != nil {
		return err
	}
	pm, err := providers.NewManager(cfg)
	if err != nil {
		return err
	}
	embedder, embedRef := pm.Embedder()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ops := api.NewServer(map[string]api.Check{
		"postgres": db.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, reg, logger)
	httpSrv := &http.Server{Addr: cfg.OpsAddr, Handler: ops.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	w := worker.New(worker.Deps{
		Jobs:      storage.NewJobRepo(db),
		Documents: storage.NewDocumentRepo(db),
		Chunks:    storage.NewChunkRepo(db),
		Blobs:     blobs,
		Extractor: extract.NewExtractor(),
		Embedder:  embedder,
	}, worker.ConfigFrom(cfg), logger, m)

	logger.Info("kbflow worker starting",
		zap.String("ops_addr", cfg.OpsAddr),
		zap.String("blob_backend", cfg.BlobBackend),
		zap.String("embed_provider", embedRef.Raw),
		zap.Int("embed_dim", cfg.EmbedDim))
	return w.Run(ctx)
}
