// Package cache implements the per-collection local store of entities.
//
// A LocalCache persists each entity as a JSON document keyed by its id in
// the collection's table of the shared storage file. Reads, writes and
// filtered queries run entirely against that table; nothing here talks to
// the network.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/internal/storage"
	"github.com/offlinekit/offsync/query"
)

// Entity is a record that can be cached. Its identifier is stored in a
// dedicated column; everything else travels in the JSON document.
type Entity interface {
	EntityID() string
	SetEntityID(id string)
}

// TempIDPrefix marks identifiers generated locally for entities the
// backend has not assigned an id to yet.
const TempIDPrefix = "temp_"

// NewTempID returns a fresh local identifier.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

var target = query.SQLTarget{IDColumn: "id", DocColumn: "data"}

// LocalCache is the local store for one collection.
type LocalCache[T Entity] struct {
	db         *storage.DB
	collection string
	now        func() time.Time
}

// New returns the cache for collection. The backing table is created on
// first use.
func New[T Entity](db *storage.DB, collection string) *LocalCache[T] {
	return &LocalCache[T]{
		db:         db,
		collection: collection,
		now:        time.Now,
	}
}

// Collection returns the collection name.
func (c *LocalCache[T]) Collection() string {
	return c.collection
}

func (c *LocalCache[T]) table(ctx context.Context, op string, kind error) (string, error) {
	table, err := c.db.TableFor(ctx, c.collection)
	if err != nil {
		return "", errs.Wrap(kind, op, err)
	}
	return storage.QuoteIdent(table), nil
}

func (c *LocalCache[T]) stamp() string {
	return c.now().UTC().Format(time.RFC3339Nano)
}

func encode(e Entity) (string, string, error) {
	id := e.EntityID()
	if id == "" {
		return "", "", fmt.Errorf("entity id is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode entity %s: %w", id, err)
	}
	return id, string(data), nil
}

func decode[T Entity](id, data string) (T, error) {
	var e T
	if strings.TrimSpace(data) == "null" {
		return e, fmt.Errorf("entity %s is stored as null", id)
	}
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return e, fmt.Errorf("failed to decode entity %s: %w", id, err)
	}
	e.SetEntityID(id)
	return e, nil
}

// Save inserts e. It fails with ErrCacheWrite if an entity with the same id
// is already cached.
func (c *LocalCache[T]) Save(ctx context.Context, e T) error {
	const op = "cache.Save"
	table, err := c.table(ctx, op, errs.ErrCacheWrite)
	if err != nil {
		return err
	}
	id, data, err := encode(e)
	if err != nil {
		return errs.Wrap(errs.ErrCacheWrite, op, err)
	}

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return errs.Newf(errs.ErrCacheWrite, op, "entity %s already exists in %s", id, c.collection)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+table+` (id, data, updated_at) VALUES (?, ?, ?)`,
			id, data, c.stamp())
		return err
	})
	return errs.Wrap(errs.ErrCacheWrite, op, err)
}

// Update inserts e or replaces the cached entity with the same id.
func (c *LocalCache[T]) Update(ctx context.Context, e T) error {
	const op = "cache.Update"
	table, err := c.table(ctx, op, errs.ErrCacheWrite)
	if err != nil {
		return err
	}
	id, data, err := encode(e)
	if err != nil {
		return errs.Wrap(errs.ErrCacheWrite, op, err)
	}

	err = c.db.WithLock(ctx, func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx, upsertSQL(table), id, data, c.stamp())
		return err
	})
	return errs.Wrap(errs.ErrCacheWrite, op, err)
}

func upsertSQL(table string) string {
	return `INSERT INTO ` + table + ` (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
}

// FindByID returns the cached entity with id, or ErrNotFound.
func (c *LocalCache[T]) FindByID(ctx context.Context, id string) (T, error) {
	const op = "cache.FindByID"
	var zero T
	table, err := c.table(ctx, op, errs.ErrCacheRead)
	if err != nil {
		return zero, err
	}

	var data string
	err = c.db.WithLock(ctx, func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT data FROM `+table+` WHERE id = ?`, id).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return zero, errs.Newf(errs.ErrNotFound, op, "no entity %s in %s", id, c.collection)
	}
	if err != nil {
		return zero, errs.Wrap(errs.ErrCacheRead, op, err)
	}

	e, err := decode[T](id, data)
	if err != nil {
		return zero, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return e, nil
}

// FindByIDs returns the entities with the given ids in order. It fails with
// ErrNotFound on the first id that is not cached.
func (c *LocalCache[T]) FindByIDs(ctx context.Context, ids []string) ([]T, error) {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		e, err := c.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FindAll returns every cached entity.
func (c *LocalCache[T]) FindAll(ctx context.Context) ([]T, error) {
	return c.FindByQuery(ctx, query.New())
}

// FindByQuery returns the entities matching q: filtered, then sorted, then
// paginated.
func (c *LocalCache[T]) FindByQuery(ctx context.Context, q query.Query) ([]T, error) {
	const op = "cache.FindByQuery"
	table, err := c.table(ctx, op, errs.ErrCacheRead)
	if err != nil {
		return nil, err
	}
	compiled, err := q.CompileSQL(target)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}

	var out []T
	err = c.db.WithLock(ctx, func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, data FROM `+table+` `+compiled.Clause(), compiled.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id, data string
			if err := rows.Scan(&id, &data); err != nil {
				return err
			}
			e, err := decode[T](id, data)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return out, nil
}

// IDs returns the ids of the entities matching q, in query order.
func (c *LocalCache[T]) IDs(ctx context.Context, q query.Query) ([]string, error) {
	const op = "cache.IDs"
	table, err := c.table(ctx, op, errs.ErrCacheRead)
	if err != nil {
		return nil, err
	}
	compiled, err := q.CompileSQL(target)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}

	var ids []string
	err = c.db.WithLock(ctx, func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, `SELECT id FROM `+table+` `+compiled.Clause(), compiled.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return ids, nil
}

// Count returns the number of entities matching the filter of q. Sort and
// pagination are ignored.
func (c *LocalCache[T]) Count(ctx context.Context, q query.Query) (int, error) {
	const op = "cache.Count"
	table, err := c.table(ctx, op, errs.ErrCacheRead)
	if err != nil {
		return 0, err
	}
	compiled, err := query.Query{Filter: q.Filter}.CompileSQL(target)
	if err != nil {
		return 0, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}

	var n int
	err = c.db.WithLock(ctx, func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table+` `+compiled.Clause(), compiled.Args...).Scan(&n)
	})
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return n, nil
}

// RefreshCache upserts every entity in one transaction.
func (c *LocalCache[T]) RefreshCache(ctx context.Context, entities []T) error {
	const op = "cache.RefreshCache"
	if len(entities) == 0 {
		return nil
	}
	table, err := c.table(ctx, op, errs.ErrCacheWrite)
	if err != nil {
		return err
	}

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertSQL(table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		stamp := c.stamp()
		for _, e := range entities {
			id, data, err := encode(e)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, id, data, stamp); err != nil {
				return fmt.Errorf("failed to cache %s: %w", id, err)
			}
		}
		return nil
	})
	return errs.Wrap(errs.ErrCacheWrite, op, err)
}

// UpdateCacheSave replaces the row cached under tempID with e, which carries
// its backend-assigned id. Any row already cached under the new id is
// replaced. It fails with ErrNotFound if nothing is cached under tempID.
func (c *LocalCache[T]) UpdateCacheSave(ctx context.Context, e T, tempID string) error {
	const op = "cache.UpdateCacheSave"
	table, err := c.table(ctx, op, errs.ErrCacheWrite)
	if err != nil {
		return err
	}
	id, data, err := encode(e)
	if err != nil {
		return errs.Wrap(errs.ErrCacheWrite, op, err)
	}

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if id != tempID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET id = ?, data = ?, updated_at = ? WHERE id = ?`,
			id, data, c.stamp(), tempID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.Newf(errs.ErrNotFound, op, "no entity %s in %s", tempID, c.collection)
		}
		return nil
	})
	if errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return errs.Wrap(errs.ErrCacheWrite, op, err)
}

// DeleteByID removes the entity with id and reports how many rows were
// removed (0 or 1).
func (c *LocalCache[T]) DeleteByID(ctx context.Context, id string) (int, error) {
	return c.DeleteByIDs(ctx, []string{id})
}

// DeleteByIDs removes the entities with the given ids in one transaction.
func (c *LocalCache[T]) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	const op = "cache.DeleteByIDs"
	if len(ids) == 0 {
		return 0, nil
	}
	table, err := c.table(ctx, op, errs.ErrCacheWrite)
	if err != nil {
		return 0, err
	}

	var total int64
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheWrite, op, err)
	}
	return int(total), nil
}

// DeleteByQuery removes the entities selected by q, honoring its sort and
// pagination. A query without a filter is rejected; use Clear to empty the
// collection.
func (c *LocalCache[T]) DeleteByQuery(ctx context.Context, q query.Query) (int, error) {
	const op = "cache.DeleteByQuery"
	if q.Filter == nil {
		return 0, errs.New(errs.ErrInvalidOperation, op, "a filter is required")
	}
	return c.deleteSelected(ctx, op, q)
}

// Clear removes cached entities. With an empty query it empties the
// collection. A query with a skip removes nothing, since the rows it would
// leave out are not known to be stale. Otherwise the rows the query selects
// are removed.
func (c *LocalCache[T]) Clear(ctx context.Context, q query.Query) (int, error) {
	const op = "cache.Clear"
	if q.HasSkip() {
		return 0, nil
	}
	if q.Filter == nil && !q.HasTake() {
		return c.deleteSelected(ctx, op, query.New())
	}
	return c.deleteSelected(ctx, op, q)
}

func (c *LocalCache[T]) deleteSelected(ctx context.Context, op string, q query.Query) (int, error) {
	table, err := c.table(ctx, op, errs.ErrCacheWrite)
	if err != nil {
		return 0, err
	}
	compiled, err := q.CompileSQL(target)
	if err != nil {
		return 0, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}

	stmt := `DELETE FROM ` + table
	if clause := compiled.Clause(); clause != "" {
		stmt += ` WHERE id IN (SELECT id FROM ` + table + ` ` + clause + `)`
	}

	var n int64
	err = c.db.WithLock(ctx, func(conn *sql.DB) error {
		res, err := conn.ExecContext(ctx, stmt, compiled.Args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheWrite, op, err)
	}
	return int(n), nil
}
