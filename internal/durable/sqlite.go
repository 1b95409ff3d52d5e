package durable

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore 以单个 SQLite 文件承载两个集合，事务由 database/sql 提供。
type sqliteStore struct {
	db    *sql.DB
	ready atomic.Bool
}

// OpenSQLite 打开（或创建）dataDir 下的 offline.db；传入 ":memory:" 使用内存库。
// 打开时只探测 schema 是否存在，建表由 Init 完成。
func OpenSQLite(dataDir string) (Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "offline.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// 单连接避免 "database is locked"，也让 :memory: 库在多次调用间保持同一份数据。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &sqliteStore{db: db}
	var count int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('mutation_queue', 'cached_data')",
	).Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("probing schema: %w", err)
	}
	s.ready.Store(count == 2)
	return s, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	s.ready.Store(true)
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func (s *sqliteStore) AddMutation(ctx context.Context, m QueuedMutation) error {
	if !s.ready.Load() {
		return ErrSchemaMissing
	}
	headers, err := marshalHeaders(m.Headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}
	status := m.Status
	if status == "" {
		status = StatusQueued
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutation_queue WHERE id = ?", m.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (id, url, method, headers, body, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.URL, m.Method, headers, string(normalizeBody(m.Body)), m.Timestamp.UnixMilli(), string(status),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Mutation(ctx context.Context, id string) (QueuedMutation, error) {
	if !s.ready.Load() {
		return QueuedMutation{}, ErrSchemaMissing
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, method, headers, body, timestamp, status, resolved_at, error
		FROM mutation_queue WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedMutation{}, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) MutationsByStatus(ctx context.Context, status MutationStatus) ([]QueuedMutation, error) {
	if !s.ready.Load() {
		return nil, ErrSchemaMissing
	}
	query := `SELECT id, url, method, headers, body, timestamp, status, resolved_at, error FROM mutation_queue`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *sqliteStore) ResolveMutation(ctx context.Context, id string, status MutationStatus, resolvedAt time.Time, errMsg string) error {
	if !s.ready.Load() {
		return ErrSchemaMissing
	}
	if err := checkResolution(status); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM mutation_queue WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if MutationStatus(current) != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	var errValue interface{}
	if errMsg != "" {
		errValue = errMsg
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE mutation_queue SET status = ?, resolved_at = ?, error = ? WHERE id = ?",
		string(status), resolvedAt.UnixMilli(), errValue, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PutCachedData(ctx context.Context, data CachedData) error {
	if !s.ready.Load() {
		return ErrSchemaMissing
	}
	kind := data.Type
	if kind == "" {
		kind = TypeEmergency
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_data (url, data, timestamp, type) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp, type = excluded.type`,
		data.URL, string(normalizeBody(data.Data)), data.Timestamp.UnixMilli(), kind,
	)
	return err
}

func (s *sqliteStore) CachedData(ctx context.Context, url string) (CachedData, error) {
	if !s.ready.Load() {
		return CachedData{}, ErrSchemaMissing
	}
	var (
		data CachedData
		raw  string
		ts   int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT url, data, timestamp, type FROM cached_data WHERE url = ?", url).
		Scan(&data.URL, &raw, &ts, &data.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedData{}, ErrNotFound
	}
	if err != nil {
		return CachedData{}, err
	}
	data.Data = json.RawMessage(raw)
	data.Timestamp = time.UnixMilli(ts).UTC()
	return data, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(row rowScanner) (QueuedMutation, error) {
	var (
		m          QueuedMutation
		headers    string
		body       string
		ts         int64
		status     string
		resolvedAt sql.NullInt64
		errMsg     sql.NullString
	)
	if err := row.Scan(&m.ID, &m.URL, &m.Method, &headers, &body, &ts, &status, &resolvedAt, &errMsg); err != nil {
		return QueuedMutation{}, err
	}
	if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
		return QueuedMutation{}, fmt.Errorf("decoding headers for %s: %w", m.ID, err)
	}
	m.Body = json.RawMessage(body)
	m.Timestamp = time.UnixMilli(ts).UTC()
	m.Status = MutationStatus(status)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		m.ResolvedAt = &t
	}
	m.Error = errMsg.String
	return m, nil
}
