// Package bootstrap assembles the control plane from environment
// configuration.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/example/dispatch/internal/archive"
	"github.com/example/dispatch/internal/dispatch"
	"github.com/example/dispatch/internal/envelope"
	"github.com/example/dispatch/internal/nonce"
	"github.com/example/dispatch/internal/presence"
	"github.com/example/dispatch/internal/store"
	"github.com/example/dispatch/internal/sweep"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewEngineFromEnv builds the dispatch engine and its sweep runner. The
// caller owns both lifecycles.
func NewEngineFromEnv(ctx context.Context) (*dispatch.Engine, *sweep.Runner, error) {
	secret := os.Getenv("DISPATCH_WORKER_SECRET")
	if secret == "" {
		return nil, nil, fmt.Errorf("DISPATCH_WORKER_SECRET is required")
	}

	st, err := newStore(getenv("DISPATCH_STORE", "memory"))
	if err != nil {
		return nil, nil, err
	}
	guard, err := newGuard(getenv("DISPATCH_NONCE", "memory"))
	if err != nil {
		return nil, nil, err
	}
	codec, err := envelope.New(secret, guard)
	if err != nil {
		return nil, nil, err
	}
	archiver, err := newArchiver(ctx, getenv("DISPATCH_ARCHIVE_BACKEND", "none"))
	if err != nil {
		return nil, nil, err
	}

	engine, err := dispatch.NewEngine(dispatch.Options{
		Store:           st,
		Guard:           guard,
		Codec:           codec,
		Presence:        presence.NewTracker(),
		Archiver:        archiver,
		EncryptPayloads: getenvBool("DISPATCH_ENCRYPT_PAYLOADS", false),
	})
	if err != nil {
		return nil, nil, err
	}

	runner, err := sweep.NewRunner(engine, sweep.Options{
		NonceInterval:   time.Duration(getenvInt("DISPATCH_NONCE_SWEEP_SECONDS", 60)) * time.Second,
		CleanupInterval: time.Duration(getenvInt("DISPATCH_CLEANUP_SWEEP_SECONDS", 300)) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, runner, nil
}

func newStore(kind string) (store.Store, error) {
	switch kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		path := os.Getenv("DISPATCH_SQLITE_PATH")
		if path == "" {
			return nil, fmt.Errorf("DISPATCH_SQLITE_PATH is required when DISPATCH_STORE=sqlite")
		}
		return store.NewSQLiteStore(store.SQLiteOptions{
			Path:          path,
			MaxAge:        time.Duration(getenvInt("DISPATCH_TASK_MAX_AGE_SECONDS", 3600)) * time.Second,
			TerminalGrace: time.Duration(getenvInt("DISPATCH_TERMINAL_GRACE_SECONDS", 300)) * time.Second,
		})
	case "postgres":
		dsn := os.Getenv("DISPATCH_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("DISPATCH_POSTGRES_DSN is required when DISPATCH_STORE=postgres")
		}
		return store.NewPostgresStore(store.PostgresOptions{
			DSN:           dsn,
			MaxAge:        time.Duration(getenvInt("DISPATCH_TASK_MAX_AGE_SECONDS", 3600)) * time.Second,
			TerminalGrace: time.Duration(getenvInt("DISPATCH_TERMINAL_GRACE_SECONDS", 300)) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unsupported DISPATCH_STORE value %q", kind)
	}
}

func newGuard(kind string) (nonce.Guard, error) {
	switch kind {
	case "memory":
		return nonce.NewMemoryGuard(), nil
	case "redis":
		addr := getenv("DISPATCH_REDIS_ADDR", "127.0.0.1:6379")
		return nonce.NewRedisGuard(nonce.RedisGuardConfig{
			Addr:     addr,
			Password: os.Getenv("DISPATCH_REDIS_PASSWORD"),
			DB:       getenvInt("DISPATCH_REDIS_DB", 0),
			Prefix:   getenv("DISPATCH_REDIS_PREFIX", "dispatch:nonce"),
			Timeout:  3 * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported DISPATCH_NONCE value %q", kind)
	}
}

func newArchiver(ctx context.Context, kind string) (archive.Archiver, error) {
	switch kind {
	case "", "none":
		return archive.Noop{}, nil
	case "minio":
		return archive.NewMinIOArchiver(ctx, archive.MinIOOptions{
			Endpoint:  os.Getenv("DISPATCH_MINIO_ENDPOINT"),
			AccessKey: os.Getenv("DISPATCH_MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("DISPATCH_MINIO_SECRET_KEY"),
			Bucket:    getenv("DISPATCH_MINIO_BUCKET", "dispatch-results"),
			UseSSL:    getenvBool("DISPATCH_MINIO_USE_SSL", false),
		})
	default:
		return nil, fmt.Errorf("unsupported DISPATCH_ARCHIVE_BACKEND value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
