// Package store persists the service's sync bookkeeping: per-tenant
// checkpoints for both sync directions, the ticket public URL map, and
// the monitored-ticket registry.
//
// Each store serializes a whole read-modify-write cycle behind its own
// mutex and persists its complete document on every effective write, so
// the on-disk state is always a consistent snapshot. Persistence goes
// through a named-document Backend chosen by DSN: plain JSON files by
// default, Postgres for deployments that already run one.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Backend stores named state documents. Load returns ok=false when the
// document has never been written.
type Backend interface {
	Load(ctx context.Context, name string) (data []byte, ok bool, err error)
	Save(ctx context.Context, name string, data []byte) error
	Close() error
}

// OpenBackend builds a Backend from a DSN. Supported schemes: file
// (default; a bare path also works), memory, postgres/postgresql.
func OpenBackend(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty backend dsn")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse backend dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file":
		dir := strings.TrimPrefix(dsn, "file://")
		return NewFileBackend(dir)
	case "memory", "mem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return OpenPostgresBackend(ctx, dsn)
	default:
		return nil, fmt.Errorf("store: unsupported backend scheme %q", parsed.Scheme)
	}
}

// FileBackend keeps each document as <dir>/<name>.json, written
// atomically via a temp file and rename so a crash never leaves a
// half-written document behind.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

func (b *FileBackend) Load(_ context.Context, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read %s: %w", name, err)
	}
	return data, true, nil
}

func (b *FileBackend) Save(_ context.Context, name string, data []byte) error {
	path := b.path(name)
	tmp, err := os.CreateTemp(b.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: replace %s: %w", name, err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

// MemoryBackend holds documents in process memory. Used in tests and by
// deployments that accept losing checkpoints on restart (everything is
// re-derivable from the vendor systems, just slower).
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

func (b *MemoryBackend) Load(_ context.Context, name string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.docs[name]
	if !ok {
		return nil, false, nil
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, true, nil
}

func (b *MemoryBackend) Save(_ context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make([]byte, len(data))
	copy(clone, data)
	b.docs[name] = clone
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// PostgresBackend stores each document as one row, upserted whole.
type PostgresBackend struct {
	db *sql.DB
}

func OpenPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping db: %w", err)
	}
	const schema = `
		CREATE TABLE IF NOT EXISTS sync_state (
			name       TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure sync_state table: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, name string) ([]byte, bool, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM sync_state WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: load %s: %w", name, err)
	}
	return data, true, nil
}

func (b *PostgresBackend) Save(ctx context.Context, name string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sync_state (name, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		name, data)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", name, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error { return b.db.Close() }
