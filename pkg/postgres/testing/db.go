package pgtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/lakeops/dimsync/pkg/postgres"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	dsn       string
	container *tcpostgres.PostgresContainer
}

// DSN returns the connection string for the Postgres container.
func (db *DB) DSN() string {
	return db.dsn
}

// Username returns the Postgres username.
func (db *DB) Username() string {
	return db.cfg.Username
}

// Password returns the Postgres password.
func (db *DB) Password() string {
	return db.cfg.Password
}

// Database returns the Postgres database name.
func (db *DB) Database() string {
	return db.cfg.Database
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "postgres"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// NewDB creates a new Postgres testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate Postgres DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres connection string: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		dsn:       dsn,
		container: container,
	}, nil
}

// NewTestClient creates a client bound to a unique schema for this test, so
// parallel tests on the shared container do not see each other's tables. The
// schema is set through the DSN so every pooled connection picks it up.
func NewTestClient(t *testing.T, db *DB) postgres.Client {
	ctx := t.Context()

	schema := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := postgres.NewClient(ctx, db.log, db.dsn)
	if err != nil {
		t.Fatalf("failed to create postgres admin client: %v", err)
	}
	if _, err := admin.Conn().Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		admin.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	client, err := postgres.NewClient(ctx, db.log, fmt.Sprintf("%s&options=-csearch_path%%3D%s", db.dsn, schema))
	if err != nil {
		admin.Close()
		t.Fatalf("failed to create postgres test client: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.Close()
		_, _ = admin.Conn().Exec(cleanupCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		admin.Close()
	})

	return client
}

func isRetryableContainerStartErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "container name") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused")
}
