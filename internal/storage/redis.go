package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"

	"sharepilot/internal/credentials"
	"sharepilot/internal/job"
	logx "sharepilot/pkg/logx"
)

// redisStore keys (all under the configured prefix):
//
//	job:<id>          string, JSON snapshot
//	jobs:<status>     sorted set of ids scored by updated_at
//	events:<id>       list of JSON events
//	credentials       hash user_id -> JSON record
//	dedup:<key>       string with a TTL
type redisStore struct {
	rdb    *r.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := r.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	rdb := r.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(rdb, cfg.KeyPrefix, log), nil
}

func newRedisStore(rdb *r.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "sharepilot:"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) key(parts ...string) string { return s.prefix + strings.Join(parts, ":") }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) SaveJob(ctx context.Context, j *job.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	score := float64(j.UpdatedAt.UnixMilli())
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("job", j.ID), body, 0)
	for _, st := range []job.Status{job.StatusQueued, job.StatusProcessing, job.StatusSucceeded, job.StatusFailed, job.StatusRateLimited} {
		if st != j.Status {
			pipe.ZRem(ctx, s.key("jobs", string(st)), j.ID)
		}
	}
	pipe.ZAdd(ctx, s.key("jobs", string(j.Status)), r.Z{Score: score, Member: j.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) AppendEvent(ctx context.Context, jobID string, ev job.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key("events", jobID), b).Err()
}

func (s *redisStore) SaveCredential(ctx context.Context, rec credentials.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("credentials"), rec.UserID, b).Err()
}

func (s *redisStore) LoadCredentials(ctx context.Context) ([]credentials.Record, error) {
	all, err := s.rdb.HGetAll(ctx, s.key("credentials")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]credentials.Record, 0, len(all))
	for user, raw := range all {
		var rec credentials.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Warn("skipping unreadable credential", logx.String("owner", user), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if key == "" || ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, s.key("dedup", key)).Int64()
	if errors.Is(err, r.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
