// Package storage provides the SQLite connection shared by the local cache,
// the sync queue and the query cache.
//
// One storage file backs one logical environment. It holds:
//   - one table per collection (id, JSON document, local write time)
//   - pending_write_action: the sync queue
//   - query_cache_item: delta-set bookkeeping
//   - collection_table_map: logical collection name -> physical table name
//
// Every operation runs under the DB's exclusive lock. The lock covers a
// single operation and is never held while a caller waits on the network.
package storage

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MemoryPath opens a private in-memory database instead of a file.
const MemoryPath = ":memory:"

// DB wraps the SQLite connection with the lock that serializes every
// cache and queue operation.
type DB struct {
	conn *sql.DB
	path string

	mu sync.Mutex

	tablesMu sync.RWMutex
	tables   map[string]string // collection -> table
}

// Open creates a connection to the storage file at path, creating parent
// directories as needed. The caller must call InitSchema before use and
// Close when done.
//
// Example:
//
//	db, err := storage.Open(filepath.Join(dataDir, "offsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	connStr := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = (&url.URL{Scheme: "file", OmitHost: true, Path: path}).String()
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection is the serialization point; it also keeps an
	// in-memory database alive for the lifetime of the DB.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{
		conn:   conn,
		path:   path,
		tables: make(map[string]string),
	}

	if path != MemoryPath {
		if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the storage file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the connection after checkpointing the WAL.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return nil
	}

	if db.path != MemoryPath {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_write_action (
	key INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id TEXT NOT NULL,
	collection TEXT NOT NULL,
	action TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '{}',
	revision INTEGER NOT NULL DEFAULT 0,
	UNIQUE (collection, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_pending_write_action_collection
	ON pending_write_action(collection, key);

CREATE TABLE IF NOT EXISTS query_cache_item (
	key INTEGER PRIMARY KEY AUTOINCREMENT,
	collection_name TEXT NOT NULL,
	query TEXT NOT NULL,
	last_request TEXT NOT NULL,
	UNIQUE (collection_name, query)
);

CREATE TABLE IF NOT EXISTS collection_table_map (
	collection_name TEXT PRIMARY KEY,
	table_name TEXT NOT NULL UNIQUE
);
`

// InitSchema creates the shared tables if they don't exist. It is
// idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the shared tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	return db.WithLock(ctx, func(conn *sql.DB) error {
		if _, err := conn.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		return migrate(ctx, conn)
	})
}

// migrate adds columns introduced after a storage file was created.
func migrate(ctx context.Context, conn *sql.DB) error {
	var n int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('pending_write_action') WHERE name = 'revision'`,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect pending_write_action: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := conn.ExecContext(ctx,
		`ALTER TABLE pending_write_action ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`,
	); err != nil {
		return fmt.Errorf("failed to add revision column: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the DB's exclusive lock.
func (db *DB) WithLock(ctx context.Context, fn func(conn *sql.DB) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return fmt.Errorf("database is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(db.conn)
}

// WithTx runs fn in a transaction while holding the DB's exclusive lock.
// The transaction is committed if fn returns nil and rolled back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.WithLock(ctx, func(conn *sql.DB) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// TableFor returns the physical table backing collection, creating the
// table and its mapping row on first use.
func (db *DB) TableFor(ctx context.Context, collection string) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("collection name is required")
	}

	db.tablesMu.RLock()
	table, ok := db.tables[collection]
	db.tablesMu.RUnlock()
	if ok {
		return table, nil
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT table_name FROM collection_table_map WHERE collection_name = ?`,
			collection,
		).Scan(&table)
		switch {
		case err == sql.ErrNoRows:
			table = TableName(collection)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO collection_table_map (collection_name, table_name) VALUES (?, ?)`,
				collection, table,
			); err != nil {
				return fmt.Errorf("failed to map collection %s: %w", collection, err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up table for %s: %w", collection, err)
		}

		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, QuoteIdent(table))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table for %s: %w", collection, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	db.tablesMu.Lock()
	db.tables[collection] = table
	db.tablesMu.Unlock()

	return table, nil
}

// Collections returns every collection that has a cache table, sorted by name.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	var names []string
	err := db.WithLock(ctx, func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT collection_name FROM collection_table_map ORDER BY collection_name`)
		if err != nil {
			return fmt.Errorf("failed to list collections: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("failed to scan collection: %w", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}

// Reset drops every collection table and empties the sync queue, the query
// cache and the collection mapping.
func (db *DB) Reset(ctx context.Context) error {
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT table_name FROM collection_table_map`)
		if err != nil {
			return fmt.Errorf("failed to list tables: %w", err)
		}
		var tables []string
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan table name: %w", err)
			}
			tables = append(tables, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating tables: %w", err)
		}

		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(t)); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", t, err)
			}
		}

		for _, stmt := range []string{
			`DELETE FROM collection_table_map`,
			`DELETE FROM pending_write_action`,
			`DELETE FROM query_cache_item`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to reset storage: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.tablesMu.Lock()
	db.tables = make(map[string]string)
	db.tablesMu.Unlock()
	return nil
}

// TableName derives the physical table name for a collection: a readable
// prefix plus a hash so distinct names never collide after sanitizing.
func TableName(collection string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(collection) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 32 {
			break
		}
	}
	sum := sha1.Sum([]byte(collection))
	return "c_" + b.String() + "_" + hex.EncodeToString(sum[:4])
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
