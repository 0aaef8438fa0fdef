package cache

import (
	"context"
	"database/sql"

	"github.com/offlinekit/offsync/errs"
)

// Tx is a LocalCache bound to an open storage transaction.
type Tx[T Entity] struct {
	c     *LocalCache[T]
	tx    *sql.Tx
	table string
}

// InTx runs fn in one storage transaction. The transaction commits if fn
// returns nil. Other components sharing the storage file, such as the
// sync queue, can join it through tx.
func (c *LocalCache[T]) InTx(ctx context.Context, fn func(tx *sql.Tx, v *Tx[T]) error) error {
	const op = "cache.InTx"
	table, err := c.table(ctx, op, errs.ErrCacheWrite)
	if err != nil {
		return err
	}
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(tx, &Tx[T]{c: c, tx: tx, table: table})
	})
	if errs.KindOf(err) != nil {
		return err
	}
	return errs.Wrap(errs.ErrCacheWrite, op, err)
}

// Exists reports whether an entity is cached under id.
func (v *Tx[T]) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := v.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+v.table+` WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.ErrCacheRead, "cache.Tx.Exists", err)
	}
	return n > 0, nil
}

// Put stores e, replacing whatever is cached under e's id. When localID
// differs from e's id, the row under localID is removed.
func (v *Tx[T]) Put(ctx context.Context, e T, localID string) error {
	const op = "cache.Tx.Put"
	id, data, err := encode(e)
	if err != nil {
		return errs.Wrap(errs.ErrCacheWrite, op, err)
	}
	if localID != "" && localID != id {
		if _, err := v.tx.ExecContext(ctx, `DELETE FROM `+v.table+` WHERE id = ?`, localID); err != nil {
			return errs.Wrap(errs.ErrCacheWrite, op, err)
		}
	}
	_, err = v.tx.ExecContext(ctx, upsertSQL(v.table), id, data, v.c.stamp())
	return errs.Wrap(errs.ErrCacheWrite, op, err)
}

// Rename moves the entity cached under oldID to newID, keeping its content.
// Any row already cached under newID is replaced.
func (v *Tx[T]) Rename(ctx context.Context, oldID, newID string) error {
	const op = "cache.Tx.Rename"
	if oldID == newID {
		return nil
	}
	var data string
	err := v.tx.QueryRowContext(ctx, `SELECT data FROM `+v.table+` WHERE id = ?`, oldID).Scan(&data)
	if err == sql.ErrNoRows {
		return errs.Newf(errs.ErrNotFound, op, "no entity %s in %s", oldID, v.c.collection)
	}
	if err != nil {
		return errs.Wrap(errs.ErrCacheRead, op, err)
	}
	e, err := decode[T](oldID, data)
	if err != nil {
		return errs.Wrap(errs.ErrCacheRead, op, err)
	}
	e.SetEntityID(newID)
	return v.Put(ctx, e, oldID)
}

// Delete removes the entity cached under id and reports how many rows were
// removed (0 or 1).
func (v *Tx[T]) Delete(ctx context.Context, id string) (int, error) {
	res, err := v.tx.ExecContext(ctx, `DELETE FROM `+v.table+` WHERE id = ?`, id)
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheWrite, "cache.Tx.Delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheWrite, "cache.Tx.Delete", err)
	}
	return int(n), nil
}
