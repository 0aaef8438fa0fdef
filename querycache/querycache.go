// Package querycache records, per collection and query signature, when the
// backend last answered a pull. The recorded timestamp is the "since" value
// of the next delta-set request for the same query.
package querycache

import (
	"context"
	"database/sql"
	"errors"

	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/internal/storage"
)

// Item is one recorded pull.
type Item struct {
	Key         int64
	Collection  string
	Query       string
	LastRequest string
}

// QueryCache stores Items in the shared storage file.
type QueryCache struct {
	db *storage.DB
}

// New returns a QueryCache backed by db.
func New(db *storage.DB) *QueryCache {
	return &QueryCache{db: db}
}

// Get returns the item recorded for (collection, signature). The boolean is
// false if no pull has been recorded for that pair.
func (c *QueryCache) Get(ctx context.Context, collection, signature string) (Item, bool, error) {
	var it Item
	err := c.db.WithLock(ctx, func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx,
			`SELECT key, collection_name, query, last_request FROM query_cache_item
			WHERE collection_name = ? AND query = ?`,
			collection, signature,
		).Scan(&it.Key, &it.Collection, &it.Query, &it.LastRequest)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, errs.Wrap(errs.ErrCacheRead, "querycache.Get", err)
	}
	return it, true, nil
}

// Set records it, replacing the last request time of an existing item with
// the same collection and query.
func (c *QueryCache) Set(ctx context.Context, it Item) error {
	if it.Collection == "" || it.LastRequest == "" {
		return errs.New(errs.ErrInvalidOperation, "querycache.Set", "collection and last request are required")
	}
	err := c.db.WithLock(ctx, func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO query_cache_item (collection_name, query, last_request) VALUES (?, ?, ?)
			ON CONFLICT(collection_name, query) DO UPDATE SET last_request = excluded.last_request`,
			it.Collection, it.Query, it.LastRequest)
		return err
	})
	return errs.Wrap(errs.ErrCacheWrite, "querycache.Set", err)
}

// Delete removes the item for its collection and query.
func (c *QueryCache) Delete(ctx context.Context, it Item) error {
	err := c.db.WithLock(ctx, func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx,
			`DELETE FROM query_cache_item WHERE collection_name = ? AND query = ?`,
			it.Collection, it.Query)
		return err
	})
	return errs.Wrap(errs.ErrCacheWrite, "querycache.Delete", err)
}

// DeleteCollection removes every item of collection, so the next pull of
// any query is a full one.
func (c *QueryCache) DeleteCollection(ctx context.Context, collection string) error {
	err := c.db.WithLock(ctx, func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx,
			`DELETE FROM query_cache_item WHERE collection_name = ?`, collection)
		return err
	})
	return errs.Wrap(errs.ErrCacheWrite, "querycache.DeleteCollection", err)
}
