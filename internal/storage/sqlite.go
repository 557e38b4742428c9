package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// SQLiteStorage is the default embedded SQL backend. It opens a single
// WAL-mode connection (single-writer, matching the spec's "single-
// threaded per instance" backend requirement). Reservation state is kept
// in the records table itself; there is no in-memory index of it.
type SQLiteStorage struct {
	mu       sync.Mutex
	db       *sql.DB
	clock    clock.Clock
	maxSizeB int64
	observer Observer

	lastCount    int
	lastFromMem  bool
}

// NewSQLiteStorage opens (creating if absent) the SQLite file at path.
func NewSQLiteStorage(path string, c clock.Clock, maxSizeBytes int64) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db, clock: c, maxSizeB: maxSizeBytes, observer: NoopObserver{}}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	tenant_token TEXT NOT NULL,
	latency INTEGER NOT NULL,
	persistence INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	blob BLOB NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	reserved_until INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_records_priority ON records(latency DESC, timestamp_ms ASC);
CREATE TABLE IF NOT EXISTS settings (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *SQLiteStorage) Initialize(ctx context.Context, observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observer != nil {
		s.observer = observer
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("storage: sqlite schema: %w", err)
	}
	now := s.clock.NowUnixMs()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE records SET reserved_until = 0 WHERE reserved_until <= ?`, now); err != nil {
		return fmt.Errorf("storage: sqlite recover reservations: %w", err)
	}
	s.observer.OnStorageOpened("SQLite/Default")
	return nil
}

func (s *SQLiteStorage) StoreRecords(ctx context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: sqlite begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (id, tenant_token, latency, persistence, timestamp_ms, blob, retry_count, reserved_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_token=excluded.tenant_token, latency=excluded.latency,
			persistence=excluded.persistence, timestamp_ms=excluded.timestamp_ms,
			blob=excluded.blob, retry_count=excluded.retry_count,
			reserved_until=excluded.reserved_until`)
	if err != nil {
		return fmt.Errorf("storage: sqlite prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.TenantToken, int(r.Latency), int(r.Persistence),
			r.TimestampMs, r.Blob, r.RetryCount, r.ReservedUntil); err != nil {
			return fmt.Errorf("storage: sqlite insert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: sqlite commit: %w", err)
	}
	return s.evictIfNeeded(ctx)
}

// evictIfNeeded runs after every insert (not only at Initialize), per the
// overflow check original_source/OfflineStorageTests_Room.cpp exercises.
func (s *SQLiteStorage) evictIfNeeded(ctx context.Context) error {
	if s.maxSizeB <= 0 {
		return nil
	}
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(blob) + LENGTH(id) + LENGTH(tenant_token) + 32), 0) FROM records`).Scan(&total); err != nil {
		return fmt.Errorf("storage: sqlite size query: %w", err)
	}
	if total <= s.maxSizeB {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, LENGTH(blob) + LENGTH(id) + LENGTH(tenant_token) + 32 FROM records
		 ORDER BY latency ASC, persistence ASC, timestamp_ms ASC`)
	if err != nil {
		return fmt.Errorf("storage: sqlite eviction scan: %w", err)
	}
	var toDrop []string
	for rows.Next() {
		if total <= s.maxSizeB {
			break
		}
		var id string
		var sz int64
		if err := rows.Scan(&id, &sz); err != nil {
			rows.Close()
			return err
		}
		toDrop = append(toDrop, id)
		total -= sz
	}
	rows.Close()
	if len(toDrop) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM records WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range toDrop {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.observer.OnStorageRecordsDropped(toDrop)
	return nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r := &Record{}
		var latency, persistence int
		if err := rows.Scan(&r.ID, &r.TenantToken, &latency, &persistence,
			&r.TimestampMs, &r.Blob, &r.RetryCount, &r.ReservedUntil); err != nil {
			return nil, err
		}
		r.Latency = model.Latency(latency)
		r.Persistence = model.Persistence(persistence)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) GetRecords(ctx context.Context, shutdown bool, minLatency model.Latency, maxCount int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, tenant_token, latency, persistence, timestamp_ms, blob, retry_count, reserved_until
			   FROM records WHERE latency >= ?`
	args := []any{int(minLatency)}
	if !shutdown {
		query += ` AND reserved_until <= ?`
		args = append(args, s.clock.NowUnixMs())
	}
	query += ` ORDER BY latency DESC, timestamp_ms ASC`
	if maxCount > 0 {
		query += ` LIMIT ?`
		args = append(args, maxCount)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite get_records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStorage) GetAndReserveRecords(ctx context.Context, acceptor Acceptor, reservationWindowMs int64, latencyFloor model.Latency, maxCount int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowUnixMs()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_token, latency, persistence, timestamp_ms, blob, retry_count, reserved_until
		FROM records WHERE latency >= ? AND reserved_until <= ?
		ORDER BY latency DESC, timestamp_ms ASC`, int(latencyFloor), now)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite candidates: %w", err)
	}
	candidates, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE records SET reserved_until = ? WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var accepted []*Record
	for _, r := range candidates {
		if maxCount > 0 && len(accepted) >= maxCount {
			break
		}
		if !acceptor(r) {
			break
		}
		reservedUntil := now + reservationWindowMs
		if _, err := stmt.ExecContext(ctx, reservedUntil, r.ID); err != nil {
			return nil, err
		}
		r.ReservedUntil = reservedUntil
		accepted = append(accepted, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.lastCount = len(accepted)
	s.lastFromMem = false
	return accepted, nil
}

func (s *SQLiteStorage) ReleaseRecords(ctx context.Context, ids []string, incrementRetry bool, maxRetryCount uint16, responseHeaders map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	if hint, ok := responseHeaders["Retry-After"]; ok && hint != "" {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO settings (name, value) VALUES ('last_retry_after_ms', ?)
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, hint); err != nil {
			return fmt.Errorf("storage: sqlite record retry-after: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var dropped []string
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE records SET reserved_until = 0 WHERE id = ?`, id); err != nil {
			return err
		}
		if !incrementRetry {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET retry_count = retry_count + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		var retryCount int
		err := tx.QueryRowContext(ctx, `SELECT retry_count FROM records WHERE id = ?`, id).Scan(&retryCount)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if uint16(retryCount) > maxRetryCount {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
				return err
			}
			dropped = append(dropped, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if len(dropped) > 0 {
		s.observer.OnStorageRecordsDropped(dropped)
	}
	return nil
}

func (s *SQLiteStorage) DeleteRecords(ctx context.Context, ids []string, responseHeaders map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM records WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetRecordCount(ctx context.Context, latency model.Latency) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.NowUnixMs()
	var count int
	var err error
	if latency == model.LatencyUnspecified {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE reserved_until <= ?`, now).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE reserved_until <= ? AND latency = ?`, now, int(latency)).Scan(&count)
	}
	return count, err
}

func (s *SQLiteStorage) StoreSetting(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE name = ?`, name)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	return err
}

func (s *SQLiteStorage) GetSetting(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStorage) LastReadRecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCount
}

func (s *SQLiteStorage) IsLastReadFromMemory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFromMem
}

func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
