package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS cache (uri TEXT, fingerprint TEXT CHECK(length(fingerprint) = 32), content TEXT)`

// SQLiteStore persists cache entries in an embedded SQLite file.
type SQLiteStore struct {
	sqlDB *sql.DB
	path  string
}

// OpenSQLite opens (creating if needed) the SQLite cache file at path and
// ensures the cache table exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		CacheErrors.WithLabelValues(backendSQLite, "open").Inc()
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn, err := sqliteDSN(cleanPath)
	if err != nil {
		CacheErrors.WithLabelValues(backendSQLite, "open").Inc()
		return nil, err
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		CacheErrors.WithLabelValues(backendSQLite, "open").Inc()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: inserts are serialized and reads see every committed write.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		CacheErrors.WithLabelValues(backendSQLite, "open").Inc()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		CacheErrors.WithLabelValues(backendSQLite, "open").Inc()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	return &SQLiteStore{sqlDB: sqlDB, path: cleanPath}, nil
}

// sqliteDSN renders path as a file: URI so that '?' or '#' in directory
// names stay part of the path instead of starting the query.
func sqliteDSN(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	uriPath := filepath.ToSlash(absPath)
	if !strings.HasPrefix(uriPath, "/") {
		uriPath = "/" + uriPath
	}
	u := url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     uriPath,
		RawQuery: "_pragma=busy_timeout(5000)",
	}
	return u.String(), nil
}

// OpenDiscovered locates the data directory above start and opens the
// default cache file inside it.
func OpenDiscovered(start string) (*SQLiteStore, error) {
	path, err := DefaultDatabasePath(start)
	if err != nil {
		return nil, err
	}
	return OpenSQLite(path)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Lookup returns the most recently inserted content for key.
func (s *SQLiteStore) Lookup(ctx context.Context, key Key) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}

	var content string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT content FROM cache WHERE uri = ? AND fingerprint = ? ORDER BY rowid DESC LIMIT 1`,
		key.URI,
		key.Fingerprint,
	).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			CacheMisses.WithLabelValues(backendSQLite).Inc()
			return "", ErrCacheMiss
		}
		CacheErrors.WithLabelValues(backendSQLite, "lookup").Inc()
		return "", fmt.Errorf("lookup cache entry: %w", err)
	}

	CacheHits.WithLabelValues(backendSQLite).Inc()
	return content, nil
}

// Insert appends entry to the cache table. Duplicate keys are allowed.
func (s *SQLiteStore) Insert(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO cache (uri, fingerprint, content) VALUES (?, ?, ?)`,
		entry.URI,
		entry.Fingerprint,
		entry.Content,
	)
	if err != nil {
		CacheErrors.WithLabelValues(backendSQLite, "insert").Inc()
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		return fmt.Errorf("insert cache entry: %w", err)
	}

	CacheWrites.WithLabelValues(backendSQLite).Inc()
	return nil
}

// Count returns the number of stored rows, duplicates included.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

func isCheckViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_CHECK
	}
	return strings.Contains(strings.ToLower(err.Error()), "check constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
