package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ingest-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_schedules (
	source_id              TEXT PRIMARY KEY,
	average_items_per_day  REAL NOT NULL,
	safe_interval_days     REAL NOT NULL,
	reasoning              TEXT NOT NULL DEFAULT '',
	last_calculated_at     DATETIME NOT NULL,
	next_collection_due_at DATETIME NOT NULL,
	last_collected_at      DATETIME,
	created_at             DATETIME NOT NULL,
	updated_at             DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_requests (
	request_id        TEXT PRIMARY KEY,
	term              TEXT NOT NULL,
	entity_kind       TEXT NOT NULL,
	reason            TEXT NOT NULL,
	location_scope    TEXT NOT NULL DEFAULT 'global',
	occurrence_count  INTEGER NOT NULL DEFAULT 1,
	requester_count   INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'pending',
	linked_entity_id  TEXT,
	metadata          TEXT,
	attempted_sources TEXT,
	deferred_attempts INTEGER NOT NULL DEFAULT 0,
	last_outcome      TEXT,
	last_defer_reason TEXT,
	error_detail      TEXT,
	result_count_hint INTEGER NOT NULL DEFAULT 0,
	cooldown_until    DATETIME,
	last_attempt_at   DATETIME,
	last_enqueued_at  DATETIME,
	last_completed_at DATETIME,
	last_seen_at      DATETIME NOT NULL,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	UNIQUE(reason, entity_kind, term, location_scope)
);

CREATE TABLE IF NOT EXISTS request_requesters (
	request_id    TEXT NOT NULL REFERENCES enrichment_requests(request_id),
	requester_id  TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL,
	PRIMARY KEY (request_id, requester_id)
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON enrichment_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_backlog ON enrichment_requests(status, cooldown_until, occurrence_count);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON source_schedules(next_collection_due_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Source schedules ---

func (s *SQLiteStore) GetSchedule(ctx context.Context, sourceID string) (*model.SourceSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, average_items_per_day, safe_interval_days, reasoning,
		       last_calculated_at, next_collection_due_at, last_collected_at,
		       created_at, updated_at
		FROM source_schedules WHERE source_id = ?`, sourceID)

	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get schedule %s", sourceID)
	}
	return sched, nil
}

func (s *SQLiteStore) UpsertSchedule(ctx context.Context, sched *model.SourceSchedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_schedules (
			source_id, average_items_per_day, safe_interval_days, reasoning,
			last_calculated_at, next_collection_due_at, last_collected_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			average_items_per_day  = excluded.average_items_per_day,
			safe_interval_days     = excluded.safe_interval_days,
			reasoning              = excluded.reasoning,
			last_calculated_at     = excluded.last_calculated_at,
			next_collection_due_at = excluded.next_collection_due_at,
			last_collected_at      = excluded.last_collected_at,
			updated_at             = excluded.updated_at`,
		sched.SourceID, sched.AverageItemsPerDay, sched.SafeIntervalDays, sched.Reasoning,
		sched.LastCalculatedAt, sched.NextCollectionDueAt, nullTime(sched.LastCollectedAt),
		sched.CreatedAt, sched.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert schedule %s", sched.SourceID)
}

func (s *SQLiteStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]model.SourceSchedule, error) {
	query := `
		SELECT source_id, average_items_per_day, safe_interval_days, reasoning,
		       last_calculated_at, next_collection_due_at, last_collected_at,
		       created_at, updated_at
		FROM source_schedules
		WHERE next_collection_due_at <= ?
		ORDER BY next_collection_due_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySchedules(ctx, query, args...)
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]model.SourceSchedule, error) {
	return s.querySchedules(ctx, `
		SELECT source_id, average_items_per_day, safe_interval_days, reasoning,
		       last_calculated_at, next_collection_due_at, last_collected_at,
		       created_at, updated_at
		FROM source_schedules ORDER BY source_id`)
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...any) ([]model.SourceSchedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query schedules")
	}
	defer rows.Close()

	var out []model.SourceSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan schedule")
		}
		out = append(out, *sched)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate schedules")
}

// --- Request ledger ---

const requestColumns = `request_id, term, entity_kind, reason, location_scope,
	occurrence_count, requester_count, status, linked_entity_id, metadata,
	attempted_sources, deferred_attempts, last_outcome, last_defer_reason,
	error_detail, result_count_hint, cooldown_until, last_attempt_at,
	last_enqueued_at, last_completed_at, last_seen_at, created_at, updated_at`

// UpsertRequests applies a batch of observations atomically. New keys get a
// fresh pending row with occurrence 1; repeat keys bump occurrence and
// last-seen without touching status, so in-flight requests stay in flight.
func (s *SQLiteStore) UpsertRequests(ctx context.Context, upserts []RequestUpsert) ([]model.EnrichmentRequest, error) {
	if len(upserts) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert batch")
	}
	defer tx.Rollback() //nolint:errcheck

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
		row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM enrichment_requests WHERE request_id = ?`, id)
		req, err := scanRequest(row)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: reload request %s", id)
		}
		out = append(out, *req)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert batch")
	}
	return out, nil
}

func (s *SQLiteStore) upsertOne(ctx context.Context, tx *sql.Tx, up RequestUpsert) (string, error) {
	key := up.Key.Normalize()
	observedAt := up.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT request_id FROM enrichment_requests
		WHERE reason = ? AND entity_kind = ? AND term = ? AND location_scope = ?`,
		string(key.Reason), key.EntityKind, key.Term, key.LocationScope,
	).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		id = uuid.New().String()
		metaJSON, err := marshalMeta(up.Metadata)
		if err != nil {
			return "", err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO enrichment_requests (
				request_id, term, entity_kind, reason, location_scope,
				occurrence_count, status, metadata, result_count_hint,
				last_seen_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
			id, key.Term, key.EntityKind, string(key.Reason), key.LocationScope,
			string(model.RequestStatusPending), metaJSON, up.ResultCountHint,
			observedAt, observedAt, observedAt,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: insert request %s", key)
		}
	case err != nil:
		return "", eris.Wrapf(err, "sqlite: lookup request %s", key)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE enrichment_requests SET
				occurrence_count  = occurrence_count + 1,
				result_count_hint = CASE WHEN ? > 0 THEN ? ELSE result_count_hint END,
				last_seen_at      = ?,
				updated_at        = ?
			WHERE request_id = ?`,
			up.ResultCountHint, up.ResultCountHint, observedAt, observedAt, id,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: bump request %s", key)
		}
	}

	if up.RequesterID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO request_requesters (request_id, requester_id, first_seen_at)
			VALUES (?, ?, ?)`, id, up.RequesterID, observedAt,
		); err != nil {
			return "", eris.Wrapf(err, "sqlite: record requester for %s", key)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE enrichment_requests SET requester_count = (
				SELECT COUNT(*) FROM request_requesters WHERE request_id = ?
			) WHERE request_id = ?`, id, id,
		); err != nil {
			return "", eris.Wrapf(err, "sqlite: recount requesters for %s", key)
		}
	}

	return id, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.EnrichmentRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM enrichment_requests WHERE request_id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get request %s", id)
	}
	return req, nil
}

func (s *SQLiteStore) GetRequestByKey(ctx context.Context, key model.RequestKey) (*model.EnrichmentRequest, error) {
	key = key.Normalize()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE reason = ? AND entity_kind = ? AND term = ? AND location_scope = ?`,
		string(key.Reason), key.EntityKind, key.Term, key.LocationScope)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get request by key %s", key)
	}
	return req, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnrichmentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM enrichment_requests WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EntityKind != "" {
		query += ` AND entity_kind = ?`
		args = append(args, filter.EntityKind)
	}
	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, string(filter.Reason))
	}
	query += ` ORDER BY last_seen_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryRequests(ctx, query, args...)
}

// TransitionRequest moves a request from one status to another only if it is
// still in the expected status. Returns false when another caller won the
// race. Entering queued stamps last_enqueued_at; entering processing stamps
// last_attempt_at.
func (s *SQLiteStore) TransitionRequest(ctx context.Context, id string, from, to model.RequestStatus) (bool, error) {
	now := time.Now().UTC()
	query := `UPDATE enrichment_requests SET status = ?, updated_at = ?`
	args := []any{string(to), now}

	switch to {
	case model.RequestStatusQueued:
		query += `, last_enqueued_at = ?`
		args = append(args, now)
	case model.RequestStatusProcessing:
		query += `, last_attempt_at = ?, attempted_sources = NULL`
		args = append(args, now)
	}

	query += ` WHERE request_id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition request %s %s->%s", id, from, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: transition rows affected")
	}
	return n == 1, nil
}

// RecordDeferral increments the deferral counter and, when cooldownUntil is
// non-zero, arms a fresh cooldown. Callers pass a zero cooldownUntil when
// the defer reason was an already-active cooldown so it is not re-extended.
func (s *SQLiteStore) RecordDeferral(ctx context.Context, id string, reason model.DeferReason, cooldownUntil time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_requests SET
			deferred_attempts = deferred_attempts + 1,
			last_defer_reason = ?,
			cooldown_until    = COALESCE(?, cooldown_until),
			updated_at        = ?
		WHERE request_id = ?`,
		string(reason), nullTime(cooldownUntil), now, id,
	)
	return eris.Wrapf(err, "sqlite: record deferral %s", id)
}

// ApplyAttemptResult writes the outcome of one attempt cycle and moves the
// request to its next status in a single statement, so a crash between
// outcome and status cannot strand the row in processing.
func (s *SQLiteStore) ApplyAttemptResult(ctx context.Context, id string, res AttemptResult) error {
	now := time.Now().UTC()
	attemptedJSON, err := marshalStrings(res.AttemptedSources)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE enrichment_requests SET
			status            = ?,
			last_outcome      = ?,
			linked_entity_id  = COALESCE(?, linked_entity_id),
			error_detail      = ?,
			attempted_sources = ?,
			cooldown_until    = ?,
			last_completed_at = COALESCE(?, last_completed_at),
			updated_at        = ?
		WHERE request_id = ?`,
		string(res.NextStatus), string(res.Outcome), nullString(res.LinkedEntityID),
		res.ErrorDetail, attemptedJSON, nullTime(res.CooldownUntil),
		nullTime(res.CompletedAt), now, id,
	)
	return eris.Wrapf(err, "sqlite: apply attempt result %s", id)
}

// PendingBacklog returns pending rows with no active cooldown, highest
// demand first, oldest demand breaking ties.
func (s *SQLiteStore) PendingBacklog(ctx context.Context, now time.Time, limit int) ([]model.EnrichmentRequest, error) {
	if limit <= 0 {
		limit = 25
	}
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE status = ? AND (cooldown_until IS NULL OR cooldown_until <= ?)
		ORDER BY occurrence_count DESC, last_seen_at ASC
		LIMIT ?`,
		string(model.RequestStatusPending), now, limit,
	)
}

// RecoverStale returns queued and processing rows whose last activity is
// older than staleBefore to pending. A row can be stranded there by a crash
// mid-attempt or by a failed result write, and PendingBacklog only sees
// pending rows.
func (s *SQLiteStore) RecoverStale(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_requests SET
			status            = ?,
			last_defer_reason = ?,
			updated_at        = ?
		WHERE (status = ? AND COALESCE(last_attempt_at, updated_at) <= ?)
		   OR (status = ? AND COALESCE(last_enqueued_at, updated_at) <= ?)`,
		string(model.RequestStatusPending), string(model.DeferStaleRecovered), now,
		string(model.RequestStatusProcessing), staleBefore,
		string(model.RequestStatusQueued), staleBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: recover stale requests")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: recover stale rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) RequestStatusCounts(ctx context.Context) (map[model.RequestStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM enrichment_requests GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: status counts")
	}
	defer rows.Close()

	counts := make(map[model.RequestStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.RequestStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate status counts")
}

func (s *SQLiteStore) queryRequests(ctx context.Context, query string, args ...any) ([]model.EnrichmentRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query requests")
	}
	defer rows.Close()

	var out []model.EnrichmentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request")
		}
		out = append(out, *req)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate requests")
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*model.SourceSchedule, error) {
	var sched model.SourceSchedule
	var lastCollected sql.NullTime
	err := row.Scan(
		&sched.SourceID, &sched.AverageItemsPerDay, &sched.SafeIntervalDays, &sched.Reasoning,
		&sched.LastCalculatedAt, &sched.NextCollectionDueAt, &lastCollected,
		&sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastCollected.Valid {
		sched.LastCollectedAt = lastCollected.Time
	}
	return &sched, nil
}

func scanRequest(row rowScanner) (*model.EnrichmentRequest, error) {
	var req model.EnrichmentRequest
	var linkedEntity, metadata, attempted, lastOutcome, deferReason, errDetail sql.NullString
	var cooldown, lastAttempt, lastEnqueued, lastCompleted sql.NullTime

	err := row.Scan(
		&req.ID, &req.Key.Term, &req.Key.EntityKind, &req.Key.Reason, &req.Key.LocationScope,
		&req.OccurrenceCount, &req.DistinctRequesterCount, &req.Status, &linkedEntity, &metadata,
		&attempted, &req.DeferredAttempts, &lastOutcome, &deferReason,
		&errDetail, &req.ResultCountHint, &cooldown, &lastAttempt,
		&lastEnqueued, &lastCompleted, &req.LastSeenAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.LinkedEntityID = linkedEntity.String
	req.LastOutcome = model.Outcome(lastOutcome.String)
	req.LastDeferReason = model.DeferReason(deferReason.String)
	req.LastErrorDetail = errDetail.String
	if cooldown.Valid {
		req.CooldownUntil = cooldown.Time
	}
	if lastAttempt.Valid {
		req.LastAttemptAt = lastAttempt.Time
	}
	if lastEnqueued.Valid {
		req.LastEnqueuedAt = lastEnqueued.Time
	}
	if lastCompleted.Valid {
		req.LastCompletedAt = lastCompleted.Time
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &req.Metadata); err != nil {
			return nil, eris.Wrapf(err, "unmarshal metadata for %s", req.ID)
		}
	}
	if attempted.Valid && attempted.String != "" {
		if err := json.Unmarshal([]byte(attempted.String), &req.AttemptedSources); err != nil {
			return nil, eris.Wrapf(err, "unmarshal attempted sources for %s", req.ID)
		}
	}
	return &req, nil
}

func marshalMeta(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "marshal metadata")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func marshalStrings(ss []string) (sql.NullString, error) {
	if len(ss) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "marshal string list")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
