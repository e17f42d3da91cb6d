package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sharepilot/internal/credentials"
	"sharepilot/internal/job"
	logx "sharepilot/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type pgStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &pgStore{db: db, log: log}, nil
}

func (s *pgStore) Close() error {
	s.db.Close()
	return nil
}

func (s *pgStore) SaveJob(ctx context.Context, j *job.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `insert into share_jobs(
id, user_id, status, attempts, correlation_id, created_at, updated_at, body
) values ($1,$2,$3,$4,$5,$6,$7,$8)
on conflict (id) do update set
status = excluded.status, attempts = excluded.attempts,
updated_at = excluded.updated_at, body = excluded.body`,
		j.ID, j.Owner, string(j.Status), j.Attempts, nullStr(j.CorrelationID), j.CreatedAt, j.UpdatedAt, body,
	)
	return err
}

func (s *pgStore) AppendEvent(ctx context.Context, jobID string, ev job.Event) error {
	var payload []byte
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := s.db.Exec(ctx,
		`insert into share_events(job_id, type, message, payload, at) values ($1,$2,$3,$4,$5)`,
		jobID, string(ev.Kind), nullStr(ev.Message), payload, ev.At,
	)
	return err
}

func (s *pgStore) SaveCredential(ctx context.Context, rec credentials.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `insert into credentials(user_id, status, body, updated_at) values ($1,$2,$3,$4)
on conflict (user_id) do update set status = excluded.status, body = excluded.body, updated_at = excluded.updated_at`,
		rec.UserID, string(rec.Status), body, rec.UpdatedAt,
	)
	return err
}

func (s *pgStore) LoadCredentials(ctx context.Context) ([]credentials.Record, error) {
	rows, err := s.db.Query(ctx, `select body from credentials order by updated_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (credentials.Record, error) {
		var body []byte
		var rec credentials.Record
		if err := row.Scan(&body); err != nil {
			return rec, err
		}
		return rec, json.Unmarshal(body, &rec)
	})
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `insert into alert_dedup(key, until) values ($1,$2)
on conflict (key) do update set until = excluded.until`, key, until)
	return err
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.db.QueryRow(ctx, `select until from alert_dedup where key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
