package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion gates additive migrations via PRAGMA user_version. Bumping
// it must only add stores/indexes, never destroy existing entries.
const schemaVersion = 2

// ErrNotFailed is returned by Requeue when the entry is missing or not in
// the failed state.
var ErrNotFailed = errors.New("entry is not in failed state")

// Store is the durable local queue of offline mutations. It is shared by
// the gateway, the hub and the processor, so all status changes go through
// single conditional UPDATE statements rather than read-then-write pairs.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to queue database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		queries := []string{
			`CREATE TABLE IF NOT EXISTS sync_queue (
				id TEXT PRIMARY KEY,
				action_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				created_at DATETIME NOT NULL,
				claimed_at DATETIME,
				next_retry_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_action_type ON sync_queue(action_type)`,
		}
		for _, query := range queries {
			if _, err := db.Exec(query); err != nil {
				return fmt.Errorf("error executing query %s: %w", query, err)
			}
		}
	}

	if version < 2 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_queue_created_at ON sync_queue(created_at)`); err != nil {
			return fmt.Errorf("create created_at index: %w", err)
		}
	}

	if version < schemaVersion {
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// Enqueue persists a new pending entry. An empty ID gets a generated one;
// the caller keeps the ID stable across retries since it is the
// idempotency key for the remote write.
func (s *Store) Enqueue(ctx context.Context, entry *models.SyncEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.SyncStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `INSERT INTO sync_queue (id, action_type, payload, status, attempt_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.ActionType,
		entry.Payload,
		entry.Status,
		entry.AttemptCount,
		entry.LastError,
		entry.CreatedAt,
		entry.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue sync entry: %w", err)
	}
	return nil
}

// PendingBatch returns up to limit entries ready to replay, oldest first.
// Entries with a future next_retry_at are not yet ready. Ordering matters:
// later entries may depend on earlier ones.
func (s *Store) PendingBatch(ctx context.Context, limit int) ([]models.SyncEntry, error) {
	query := `SELECT id, action_type, payload, status, attempt_count, last_error, created_at, next_retry_at
              FROM sync_queue
              WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, models.SyncStatusPending, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("get pending entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Claim atomically moves a pending entry to in_flight. It reports false
// when another drainer got there first, which is how two processes racing
// on the same entry resolve to exactly one replay.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		models.SyncStatusInFlight, time.Now(), id, models.SyncStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim sync entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim sync entry: %w", err)
	}
	return n == 1, nil
}

// MarkCompleted prunes a confirmed entry. Completed entries are not
// retained.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("prune completed entry: %w", err)
	}
	return nil
}

// MarkRetry returns an in-flight entry to pending with a backoff gate and
// an incremented attempt count.
func (s *Store) MarkRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	query := `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ?, attempt_count = attempt_count + 1 WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, models.SyncStatusPending, errMsg, nextRetryAt, id); err != nil {
		return fmt.Errorf("mark entry for retry: %w", err)
	}
	return nil
}

// MarkFailed parks an entry permanently. Failed entries represent real
// business data the owner believes was recorded, so they stay listable
// until explicitly requeued or discarded.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = NULL, attempt_count = attempt_count + 1 WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, models.SyncStatusFailed, errMsg, id); err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return nil
}

// Requeue resets a failed entry to pending after explicit user
// acknowledgement. The attempt counter starts over.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempt_count = 0, next_retry_at = NULL WHERE id = ? AND status = ?`,
		models.SyncStatusPending, id, models.SyncStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("requeue failed entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue failed entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entry %s: %w", id, ErrNotFailed)
	}
	return nil
}

// CountPending counts entries with status=pending via the status index.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, models.SyncStatusPending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending entries: %w", err)
	}
	return count, nil
}

// FailedEntries lists permanently failed entries, newest first, for
// user-facing surfacing.
func (s *Store) FailedEntries(ctx context.Context) ([]models.SyncEntry, error) {
	query := `SELECT id, action_type, payload, status, attempt_count, last_error, created_at, next_retry_at
              FROM sync_queue WHERE status = ? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, models.SyncStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("get failed entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ReleaseStale returns in-flight entries older than the cutoff back to
// pending. Covers a processor that died mid-drain.
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE status = ? AND claimed_at <= ?`,
		models.SyncStatusPending, models.SyncStatusInFlight, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("release stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release stale entries: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]models.SyncEntry, error) {
	var entries []models.SyncEntry
	for rows.Next() {
		var e models.SyncEntry
		err := rows.Scan(
			&e.ID, &e.ActionType, &e.Payload, &e.Status, &e.AttemptCount, &e.LastError, &e.CreatedAt, &e.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync entries: %w", err)
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
