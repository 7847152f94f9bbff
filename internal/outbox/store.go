package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commodex/backoffice/internal/events"
)

// ErrNotFound is returned when a record lookup or replay matches no row.
var ErrNotFound = errors.New("outbox record not found")

// DB is the subset of pgxpool.Pool (and pgx.Tx) the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements outbox persistence on PostgreSQL.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store bound to a pool or transaction.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx returns a store bound to the caller's open transaction, so outbox
// inserts commit or roll back atomically with the business mutation.
func (s *PostgresStore) WithTx(tx pgx.Tx) *PostgresStore {
	return &PostgresStore{db: tx}
}

const recordColumns = `id, aggregate_id, aggregate_type, event_type, payload, event_metadata,
	status, retry_count, max_retries, next_retry_at, last_error, topic_name,
	message_id, idempotency_key, version, created_at, updated_at, published_at`

const insertRecordSQL = `
INSERT INTO outbox_records (
	id, aggregate_id, aggregate_type, event_type, payload, event_metadata,
	status, retry_count, max_retries, topic_name, idempotency_key, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11)
`

// InsertRecord writes a PENDING record. When the record carries an idempotency
// key that already exists, the prior row is returned and created is false.
func (s *PostgresStore) InsertRecord(ctx context.Context, rec *Record) (*Record, bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.MaxRetries <= 0 {
		rec.MaxRetries = DefaultMaxRetries
	}
	if rec.Version == 0 {
		rec.Version = events.CurrentSchemaVersion
	}

	sql := insertRecordSQL
	if rec.IdempotencyKey != nil {
		sql += ` ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`
	}
	sql += ` RETURNING ` + recordColumns

	row := s.db.QueryRow(ctx, sql,
		rec.ID, rec.AggregateID, rec.AggregateType, rec.EventType, rec.Payload,
		rec.Metadata, StatusPending, rec.MaxRetries, rec.TopicName,
		rec.IdempotencyKey, rec.Version,
	)
	inserted, err := scanRecord(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || rec.IdempotencyKey == nil {
		return nil, false, fmt.Errorf("insert outbox record: %w", err)
	}

	// Conflict on the idempotency key: the submission is a duplicate.
	existing, err := s.getByIdempotencyKey(ctx, *rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getByIdempotencyKey(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM outbox_records WHERE idempotency_key = $1`, key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outbox record by idempotency key: %w", err)
	}
	return rec, nil
}

// GetRecord fetches one record by id.
func (s *PostgresStore) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM outbox_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outbox record: %w", err)
	}
	return rec, nil
}

// AppendEvent writes the envelope to the append-only event log. Called in the
// caller's transaction alongside InsertRecord.
func (s *PostgresStore) AppendEvent(ctx context.Context, env *events.Envelope) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO event_log (event_id, event_type, aggregate_type, aggregate_id, payload, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		env.ID, env.EventType, env.AggregateType, env.AggregateID,
		env.Data, env.Metadata, env.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

const leaseBatchSQL = `
UPDATE outbox_records SET status = 'PROCESSING', updated_at = $1
WHERE id IN (
	SELECT id FROM outbox_records
	WHERE (status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= $1))
	   OR (status = 'PROCESSING' AND updated_at < $2)
	ORDER BY created_at
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + recordColumns

// LeaseBatch claims up to limit dispatchable records, oldest first, marking
// them PROCESSING. SKIP LOCKED lets concurrent dispatcher instances lease
// disjoint batches. PROCESSING rows untouched for staleAfter are reclaimed,
// covering dispatchers that crashed mid-batch.
func (s *PostgresStore) LeaseBatch(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]*Record, error) {
	rows, err := s.db.Query(ctx, leaseBatchSQL, now, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leased record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}
	return records, nil
}

// ResolveBatch persists the outcome of one dispatch cycle in a single transaction.
func (s *PostgresStore) ResolveBatch(ctx context.Context, resolutions []Resolution) error {
	if len(resolutions) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin resolve transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, res := range resolutions {
		var execErr error
		switch res.Status {
		case StatusPublished:
			_, execErr = tx.Exec(ctx, `
				UPDATE outbox_records
				SET status = 'PUBLISHED', message_id = $2, published_at = $3,
				    retry_count = $4, next_retry_at = NULL, last_error = NULL, updated_at = $3
				WHERE id = $1`,
				res.ID, res.MessageID, res.PublishedAt, res.RetryCount)
		case StatusPending:
			_, execErr = tx.Exec(ctx, `
				UPDATE outbox_records
				SET status = 'PENDING', retry_count = $2, next_retry_at = $3,
				    last_error = $4, updated_at = now()
				WHERE id = $1`,
				res.ID, res.RetryCount, res.NextRetryAt, truncateError(res.LastError))
		case StatusFailed:
			_, execErr = tx.Exec(ctx, `
				UPDATE outbox_records
				SET status = 'FAILED', retry_count = $2, next_retry_at = NULL,
				    last_error = $3, updated_at = now()
				WHERE id = $1`,
				res.ID, res.RetryCount, truncateError(res.LastError))
		default:
			execErr = fmt.Errorf("resolution to %s is not a valid transition", res.Status)
		}
		if execErr != nil {
			return fmt.Errorf("resolve record %s: %w", res.ID, execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit resolve transaction: %w", err)
	}
	return nil
}

// DeletePublishedBefore removes PUBLISHED rows older than cutoff. Rows in any
// other status are never touched regardless of age.
func (s *PostgresStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM outbox_records WHERE status = 'PUBLISHED' AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete published records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFailed returns FAILED rows for operator review, most recent first.
func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM outbox_records
		 WHERE status = 'FAILED' ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failed records: %w", err)
	}
	return records, nil
}

// ReplayFailed reopens a FAILED row for delivery: back to PENDING with a
// fresh retry budget. Returns ErrNotFound when the row is missing or not FAILED.
func (s *PostgresStore) ReplayFailed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox_records
		SET status = 'PENDING', retry_count = 0, next_retry_at = NULL,
		    last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'FAILED'`, id)
	if err != nil {
		return fmt.Errorf("replay failed record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPending reports the dispatch backlog.
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM outbox_records WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending records: %w", err)
	}
	return n, nil
}

// CountByStatus reports row counts per status, for health and metrics.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, count(*) FROM outbox_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count records by status: %w", err)
	}
	return counts, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.AggregateID, &rec.AggregateType, &rec.EventType,
		&rec.Payload, &rec.Metadata, &rec.Status, &rec.RetryCount,
		&rec.MaxRetries, &rec.NextRetryAt, &rec.LastError, &rec.TopicName,
		&rec.MessageID, &rec.IdempotencyKey, &rec.Version,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
