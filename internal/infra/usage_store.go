// Package infra implements infrastructure concerns (storage, host bridge,
// sync transport, host probes).
package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/quarterlit/sitecap/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.IsEncrypted

const usageDBName = "usage.db"

// UsageStore implements domain.UsageStore on a SQLCipher encrypted SQLite
// database. Usage is readable by the CLI surfaces but only the scheduler
// writes time_spent.
type UsageStore struct {
	db     *sql.DB
	dbPath string
}

// NewUsageStore opens (or creates) the encrypted usage database. The key
// is used as the SQLCipher passphrase via PRAGMA key.
func NewUsageStore(dataDir string, key []byte) (*UsageStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, usageDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &UsageStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *UsageStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		site TEXT PRIMARY KEY,
		time_spent INTEGER NOT NULL,
		time_limit INTEGER NOT NULL,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the usage record for a site, or nil if none exists.
func (s *UsageStore) Get(ctx context.Context, site domain.SiteID) (*domain.UsageRecord, error) {
	var (
		spent, limit int
		updated      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT time_spent, time_limit, last_updated FROM usage WHERE site = ?`,
		string(site)).Scan(&spent, &limit, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read usage for %s: %w", site, err)
	}
	return &domain.UsageRecord{
		Site:        site,
		TimeSpent:   spent,
		TimeLimit:   limit,
		LastUpdated: time.Unix(updated, 0),
	}, nil
}

// Put writes (inserts or replaces) a usage record.
func (s *UsageStore) Put(ctx context.Context, rec domain.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO usage (site, time_spent, time_limit, last_updated)
		 VALUES (?, ?, ?, ?)`,
		string(rec.Site), rec.TimeSpent, rec.TimeLimit, rec.LastUpdated.Unix())
	if err != nil {
		return fmt.Errorf("failed to write usage for %s: %w", rec.Site, err)
	}
	return nil
}

// All returns every stored usage record, most recently updated first.
func (s *UsageStore) All(ctx context.Context) ([]domain.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT site, time_spent, time_limit, last_updated FROM usage ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		var (
			site         string
			spent, limit int
			updated      int64
		)
		if err := rows.Scan(&site, &spent, &limit, &updated); err != nil {
			return nil, err
		}
		out = append(out, domain.UsageRecord{
			Site:        domain.SiteID(site),
			TimeSpent:   spent,
			TimeLimit:   limit,
			LastUpdated: time.Unix(updated, 0),
		})
	}
	return out, rows.Err()
}

// GetMeta reads an engine-level key/value entry; missing keys yield "".
func (s *UsageStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes an engine-level key/value entry.
func (s *UsageStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// Close releases the database connection.
func (s *UsageStore) Close() error {
	return s.db.Close()
}

// DBPath returns the database file path (for tests and status output).
func (s *UsageStore) DBPath() string { return s.dbPath }

var _ domain.UsageStore = (*UsageStore)(nil)
