// Package storage mirrors the in-memory job store, credential revocations
// and alert dedup state to a durable backend.
//
// Drivers:
//   - "file": JSON Lines journals next to a path prefix
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx
//   - "redis": Redis hashes and lists via go-redis
//
// An empty driver or "none" disables storage.
package storage

import (
	"context"
	"errors"
	"time"

	"sharepilot/internal/credentials"
	"sharepilot/internal/job"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeyPrefix   string        // redis only; default "sharepilot:"
}

// Store is the persistence API. Jobs are upserted as whole snapshots;
// events are append-only.
type Store interface {
	SaveJob(ctx context.Context, j *job.Job) error
	AppendEvent(ctx context.Context, jobID string, ev job.Event) error

	SaveCredential(ctx context.Context, rec credentials.Record) error
	LoadCredentials(ctx context.Context) ([]credentials.Record, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
