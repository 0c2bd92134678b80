// Package storagetest starts a throwaway pgvector Postgres for integration tests.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"kbflow/internal/storage"
)

const image = "pgvector/pgvector:pg16"

// StartPostgres runs a migrated database for the duration of the test. It skips in -short mode.
func StartPostgres(t *testing.T) *storage.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kbflow",
			"POSTGRES_PASSWORD": "kbflow",
			"POSTGRES_DB":       "kbflow",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://kbflow:kbflow@%s:%s/kbflow?sslmode=disable", host, port.Port())
	if err := storage.Migrate(dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := storage.NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}
