package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/offlinekit/offsync/errs"
)

// Tx is a SyncQueue bound to a transaction opened on the same storage
// file, so queue changes commit together with cache changes.
type Tx struct {
	q  *SyncQueue
	tx *sql.Tx
}

// Bind returns the queue operating inside tx.
func (q *SyncQueue) Bind(tx *sql.Tx) *Tx {
	return &Tx{q: q, tx: tx}
}

// Enqueue behaves like SyncQueue.Enqueue inside the transaction.
func (t *Tx) Enqueue(ctx context.Context, action Action, entityID string, state State) (int, error) {
	const op = "syncqueue.Tx.Enqueue"
	blob, err := checkAction(op, action, entityID, state)
	if err != nil {
		return 0, err
	}
	n, err := t.q.enqueue(ctx, t.tx, action, entityID, blob)
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheWrite, op, err)
	}
	return n, nil
}

// GetByID returns the action pending for entityID, or nil if there is none.
func (t *Tx) GetByID(ctx context.Context, entityID string) (*PendingWriteAction, error) {
	a, err := scanAction(t.tx.QueryRowContext(ctx,
		selectColumns+` WHERE collection = ? AND entity_id = ?`, t.q.collection, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, "syncqueue.Tx.GetByID", err)
	}
	return &a, nil
}

// Current reports whether a is still pending exactly as it was read: same
// key and no write absorbed into it since.
func (t *Tx) Current(ctx context.Context, a PendingWriteAction) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_write_action WHERE collection = ? AND key = ? AND revision = ?`,
		t.q.collection, a.Key, a.Revision,
	).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.ErrCacheRead, "syncqueue.Tx.Current", err)
	}
	return n > 0, nil
}

// Remove deletes the action with key.
func (t *Tx) Remove(ctx context.Context, key int64) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM pending_write_action WHERE collection = ? AND key = ?`, t.q.collection, key)
	return errs.Wrap(errs.ErrCacheWrite, "syncqueue.Tx.Remove", err)
}

// Promote moves the action with key onto the backend-assigned newID. A
// CREATE becomes an UPDATE since the entity now exists remotely. Any other
// action already pending for newID is dropped.
func (t *Tx) Promote(ctx context.Context, key int64, newID string) error {
	const op = "syncqueue.Tx.Promote"
	if newID == "" {
		return errs.New(errs.ErrInvalidOperation, op, "entity id is required")
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM pending_write_action WHERE collection = ? AND entity_id = ? AND key <> ?`,
		t.q.collection, newID, key,
	); err != nil {
		return errs.Wrap(errs.ErrCacheWrite, op, fmt.Errorf("failed to clear %s: %w", newID, err))
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE pending_write_action
		SET entity_id = ?, action = CASE action WHEN ? THEN ? ELSE action END
		WHERE collection = ? AND key = ?`,
		newID, string(Create), string(Update), t.q.collection, key)
	return errs.Wrap(errs.ErrCacheWrite, op, err)
}
