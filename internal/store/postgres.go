package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_schedules (
	source_id              TEXT PRIMARY KEY,
	average_items_per_day  DOUBLE PRECISION NOT NULL,
	safe_interval_days     DOUBLE PRECISION NOT NULL,
	reasoning              TEXT NOT NULL DEFAULT '',
	last_calculated_at     TIMESTAMPTZ NOT NULL,
	next_collection_due_at TIMESTAMPTZ NOT NULL,
	last_collected_at      TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_requests (
	request_id        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	term              TEXT NOT NULL,
	entity_kind       TEXT NOT NULL,
	reason            TEXT NOT NULL,
	location_scope    TEXT NOT NULL DEFAULT 'global',
	occurrence_count  INTEGER NOT NULL DEFAULT 1,
	requester_count   INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'pending',
	linked_entity_id  TEXT,
	metadata          JSONB,
	attempted_sources JSONB,
	deferred_attempts INTEGER NOT NULL DEFAULT 0,
	last_outcome      TEXT,
	last_defer_reason TEXT,
	error_detail      TEXT,
	result_count_hint INTEGER NOT NULL DEFAULT 0,
	cooldown_until    TIMESTAMPTZ,
	last_attempt_at   TIMESTAMPTZ,
	last_enqueued_at  TIMESTAMPTZ,
	last_completed_at TIMESTAMPTZ,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(reason, entity_kind, term, location_scope)
);

CREATE TABLE IF NOT EXISTS request_requesters (
	request_id    TEXT NOT NULL REFERENCES enrichment_requests(request_id),
	requester_id  TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (request_id, requester_id)
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON enrichment_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_backlog ON enrichment_requests(status, cooldown_until, occurrence_count DESC);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON source_schedules(next_collection_due_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Source schedules ---

const pgScheduleColumns = `source_id, average_items_per_day, safe_interval_days, reasoning,
	last_calculated_at, next_collection_due_at, last_collected_at, created_at, updated_at`

func (s *PostgresStore) GetSchedule(ctx context.Context, sourceID string) (*model.SourceSchedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgScheduleColumns+` FROM source_schedules WHERE source_id = $1`, sourceID)

	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get schedule %s", sourceID)
	}
	return sched, nil
}

func (s *PostgresStore) UpsertSchedule(ctx context.Context, sched *model.SourceSchedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_schedules (
			source_id, average_items_per_day, safe_interval_days, reasoning,
			last_calculated_at, next_collection_due_at, last_collected_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_id) DO UPDATE SET
			average_items_per_day  = EXCLUDED.average_items_per_day,
			safe_interval_days     = EXCLUDED.safe_interval_days,
			reasoning              = EXCLUDED.reasoning,
			last_calculated_at     = EXCLUDED.last_calculated_at,
			next_collection_due_at = EXCLUDED.next_collection_due_at,
			last_collected_at      = EXCLUDED.last_collected_at,
			updated_at             = EXCLUDED.updated_at`,
		sched.SourceID, sched.AverageItemsPerDay, sched.SafeIntervalDays, sched.Reasoning,
		sched.LastCalculatedAt, sched.NextCollectionDueAt, nullTime(sched.LastCollectedAt),
		sched.CreatedAt, sched.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert schedule %s", sched.SourceID)
}

func (s *PostgresStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]model.SourceSchedule, error) {
	query := `SELECT ` + pgScheduleColumns + ` FROM source_schedules
		WHERE next_collection_due_at <= $1 ORDER BY next_collection_due_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.querySchedules(ctx, query, args...)
}

func (s *PostgresStore) ListSchedules(ctx context.Context) ([]model.SourceSchedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+pgScheduleColumns+` FROM source_schedules ORDER BY source_id`)
}

func (s *PostgresStore) querySchedules(ctx context.Context, query string, args ...any) ([]model.SourceSchedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query schedules")
	}
	defer rows.Close()

	var out []model.SourceSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan schedule")
		}
		out = append(out, *sched)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate schedules")
}

// --- Request ledger ---

func (s *PostgresStore) UpsertRequests(ctx context.Context, upserts []RequestUpsert) ([]model.EnrichmentRequest, error) {
	if len(upserts) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ids := make([]string, 0, len(upserts))
	for _, up := range upserts {
		id, err := s.upsertOne(ctx, tx, up)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]model.EnrichmentRequest, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM enrichment_requests WHERE request_id = $1`, id)
		req, err := scanRequest(row)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: reload request %s", id)
		}
		out = append(out, *req)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert batch")
	}
	return out, nil
}

func (s *PostgresStore) upsertOne(ctx context.Context, tx pgx.Tx, up RequestUpsert) (string, error) {
	key := up.Key.Normalize()
	observedAt := up.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	metaJSON, err := marshalMeta(up.Metadata)
	if err != nil {
		return "", err
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO enrichment_requests (
			request_id, term, entity_kind, reason, location_scope,
			occurrence_count, status, metadata, result_count_hint,
			last_seen_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $9, $9)
		ON CONFLICT (reason, entity_kind, term, location_scope) DO UPDATE SET
			occurrence_count  = enrichment_requests.occurrence_count + 1,
			result_count_hint = CASE WHEN EXCLUDED.result_count_hint > 0
				THEN EXCLUDED.result_count_hint ELSE enrichment_requests.result_count_hint END,
			last_seen_at      = EXCLUDED.last_seen_at,
			updated_at        = EXCLUDED.updated_at
		RETURNING request_id`,
		uuid.New().String(), key.Term, key.EntityKind, string(key.Reason), key.LocationScope,
		string(model.RequestStatusPending), metaJSON, up.ResultCountHint, observedAt,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert request %s", key)
	}

	if up.RequesterID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO request_requesters (request_id, requester_id, first_seen_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, id, up.RequesterID, observedAt,
		); err != nil {
			return "", eris.Wrapf(err, "postgres: record requester for %s", key)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE enrichment_requests SET requester_count = (
				SELECT COUNT(*) FROM request_requesters WHERE request_id = $1
			) WHERE request_id = $1`, id,
		); err != nil {
			return "", eris.Wrapf(err, "postgres: recount requesters for %s", key)
		}
	}

	return id, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.EnrichmentRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM enrichment_requests WHERE request_id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get request %s", id)
	}
	return req, nil
}

func (s *PostgresStore) GetRequestByKey(ctx context.Context, key model.RequestKey) (*model.EnrichmentRequest, error) {
	key = key.Normalize()
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE reason = $1 AND entity_kind = $2 AND term = $3 AND location_scope = $4`,
		string(key.Reason), key.EntityKind, key.Term, key.LocationScope)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get request by key %s", key)
	}
	return req, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnrichmentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM enrichment_requests WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.EntityKind != "" {
		query += ` AND entity_kind = ` + arg(filter.EntityKind)
	}
	if filter.Reason != "" {
		query += ` AND reason = ` + arg(string(filter.Reason))
	}
	query += ` ORDER BY last_seen_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	return s.queryRequests(ctx, query, args...)
}

func (s *PostgresStore) TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus) (bool, error) {
	now := time.Now().UTC()
	query := `UPDATE enrichment_requests SET status = $1, updated_at = $2`
	args := []any{string(to), now}

	switch to {
	case model.RequestStatusQueued:
		query += `, last_enqueued_at = $3`
		args = append(args, now)
	case model.RequestStatusProcessing:
		query += `, last_attempt_at = $3, attempted_sources = NULL`
		args = append(args, now)
	}

	query += ` WHERE request_id = $` + itoa(len(args)+1) + ` AND status = $` + itoa(len(args)+2)
	args = append(args, id, string(from))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition request %s %s->%s", id, from, to)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordDeferral(ctx context.Context, id string, reason model.DeferReason, cooldownUntil time.Time) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE enrichment_requests SET
			deferred_attempts = deferred_attempts + 1,
			last_defer_reason = $1,
			cooldown_until    = COALESCE($2, cooldown_until),
			updated_at        = $3
		WHERE request_id = $4`,
		string(reason), nullTime(cooldownUntil), now, id,
	)
	return eris.Wrapf(err, "postgres: record deferral %s", id)
}

func (s *PostgresStore) ApplyAttemptResult(ctx context.Context, id string, res AttemptResult) error {
	now := time.Now().UTC()
	attemptedJSON, err := marshalStrings(res.AttemptedSources)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE enrichment_requests SET
			status            = $1,
			last_outcome      = $2,
			linked_entity_id  = COALESCE($3, linked_entity_id),
			error_detail      = $4,
			attempted_sources = $5,
			cooldown_until    = $6,
			last_completed_at = COALESCE($7, last_completed_at),
			updated_at        = $8
		WHERE request_id = $9`,
		string(res.NextStatus), string(res.Outcome), nullString(res.LinkedEntityID),
		res.ErrorDetail, attemptedJSON, nullTime(res.CooldownUntil),
		nullTime(res.CompletedAt), now, id,
	)
	return eris.Wrapf(err, "postgres: apply attempt result %s", id)
}

func (s *PostgresStore) PendingBacklog(ctx context.Context, now time.Time, limit int) ([]model.EnrichmentRequest, error) {
	if limit <= 0 {
		limit = 25
	}
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE status = $1 AND (cooldown_until IS NULL OR cooldown_until <= $2)
		ORDER BY occurrence_count DESC, last_seen_at ASC
		LIMIT $3`,
		string(model.RequestStatusPending), now, limit,
	)
}

// RecoverStale returns queued and processing rows whose last activity is
// older than staleBefore to pending.
func (s *PostgresStore) RecoverStale(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrichment_requests SET
			status            = $1,
			last_defer_reason = $2,
			updated_at        = $3
		WHERE (status = $4 AND COALESCE(last_attempt_at, updated_at) <= $5)
		   OR (status = $6 AND COALESCE(last_enqueued_at, updated_at) <= $5)`,
		string(model.RequestStatusPending), string(model.DeferStaleRecovered), now,
		string(model.RequestStatusProcessing), staleBefore,
		string(model.RequestStatusQueued),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: recover stale requests")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RequestStatusCounts(ctx context.Context) (map[model.RequestStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM enrichment_requests GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: status counts")
	}
	defer rows.Close()

	counts := make(map[model.RequestStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.RequestStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate status counts")
}

func (s *PostgresStore) queryRequests(ctx context.Context, query string, args ...any) ([]model.EnrichmentRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query requests")
	}
	defer rows.Close()

	var out []model.EnrichmentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan request")
		}
		out = append(out, *req)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate requests")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
