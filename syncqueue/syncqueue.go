// Package syncqueue stores the writes waiting to be replayed against the
// backend.
//
// The queue holds at most one action per entity. Enqueue collapses a new
// action into whatever is already pending for the same entity so that the
// surviving action summarizes the caller's latest intent:
//
//	existing  new               result
//	UPDATE    UPDATE            keep existing
//	CREATE    UPDATE            keep existing
//	CREATE    CREATE            keep existing
//	UPDATE    CREATE            replace with new
//	DELETE    CREATE|UPDATE     replace with new
//	any       DELETE            replace with new, or drop both for a temp id
//
// An absorbed action bumps the surviving action's Revision, so a pusher
// can tell whether the entity was written again while its request was in
// flight. A replaced action gets a new Key.
//
// Every operation runs under the storage lock, and Enqueue checks and
// writes in one transaction.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/internal/storage"
)

// Action is the kind of write a pending action replays.
type Action string

const (
	Create Action = "CREATE"
	Update Action = "UPDATE"
	Delete Action = "DELETE"
)

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	switch a {
	case Create, Update, Delete:
		return true
	}
	return false
}

// State is replayed alongside the action when it is pushed.
type State struct {
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// PendingWriteAction is one queued write. Key orders actions by the time
// they were enqueued; Revision counts the writes absorbed into it since.
type PendingWriteAction struct {
	Key        int64  `json:"key" yaml:"key"`
	Revision   int64  `json:"revision" yaml:"revision"`
	EntityID   string `json:"entity_id" yaml:"entity_id"`
	Collection string `json:"collection" yaml:"collection"`
	Action     Action `json:"action" yaml:"action"`
	State      State  `json:"state" yaml:"state"`
}

// SyncQueue is the pending write log of one collection.
type SyncQueue struct {
	db         *storage.DB
	collection string
	logger     *log.Logger
}

// New returns the queue for collection. If logger is nil, a default logger
// writing to stderr is used.
func New(db *storage.DB, collection string, logger *log.Logger) *SyncQueue {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncqueue] ", log.LstdFlags)
	}
	return &SyncQueue{
		db:         db,
		collection: collection,
		logger:     logger,
	}
}

// Collection returns the collection this queue belongs to.
func (q *SyncQueue) Collection() string {
	return q.collection
}

const selectColumns = `SELECT key, revision, entity_id, collection, action, state FROM pending_write_action`

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (PendingWriteAction, error) {
	var a PendingWriteAction
	var state string
	if err := s.Scan(&a.Key, &a.Revision, &a.EntityID, &a.Collection, &a.Action, &state); err != nil {
		return a, err
	}
	if state != "" {
		if err := json.Unmarshal([]byte(state), &a.State); err != nil {
			return a, fmt.Errorf("failed to decode state of %s: %w", a.EntityID, err)
		}
	}
	return a, nil
}

func collect(rows *sql.Rows) ([]PendingWriteAction, error) {
	defer rows.Close()
	var out []PendingWriteAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Enqueue records a pending write for entityID, collapsing it into any
// action already pending for the same entity. It returns the number of
// actions inserted: 0 when the new action was absorbed or, for a DELETE of
// a temp id, cancelled out.
func (q *SyncQueue) Enqueue(ctx context.Context, action Action, entityID string, state State) (int, error) {
	const op = "syncqueue.Enqueue"
	blob, err := checkAction(op, action, entityID, state)
	if err != nil {
		return 0, err
	}

	var inserted int
	err = q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = q.enqueue(ctx, tx, action, entityID, blob)
		return err
	})
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheWrite, op, err)
	}
	return inserted, nil
}

func checkAction(op string, action Action, entityID string, state State) (string, error) {
	if !action.Valid() {
		return "", errs.Newf(errs.ErrInvalidOperation, op, "unknown action %q", action)
	}
	if entityID == "" {
		return "", errs.New(errs.ErrInvalidOperation, op, "entity id is required")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return "", errs.Wrap(errs.ErrCacheWrite, op, err)
	}
	return string(blob), nil
}

func (q *SyncQueue) enqueue(ctx context.Context, tx *sql.Tx, action Action, entityID, state string) (int, error) {
	var key int64
	var existing Action
	err := tx.QueryRowContext(ctx,
		`SELECT key, action FROM pending_write_action WHERE collection = ? AND entity_id = ?`,
		q.collection, entityID,
	).Scan(&key, &existing)
	found := true
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return 0, fmt.Errorf("failed to look up pending action: %w", err)
	}

	if found && !supersedes(existing, action) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_write_action SET revision = revision + 1 WHERE key = ?`, key,
		); err != nil {
			return 0, fmt.Errorf("failed to bump pending action: %w", err)
		}
		return 0, nil
	}
	if found {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_write_action WHERE key = ?`, key); err != nil {
			return 0, fmt.Errorf("failed to remove pending action: %w", err)
		}
	}
	if action == Delete && cache.IsTempID(entityID) {
		// Never reached the backend, so there is nothing to delete there.
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_write_action (entity_id, collection, action, state) VALUES (?, ?, ?, ?)`,
		entityID, q.collection, string(action), state,
	); err != nil {
		return 0, fmt.Errorf("failed to insert pending action: %w", err)
	}
	return 1, nil
}

// supersedes reports whether next replaces an existing pending action.
func supersedes(existing, next Action) bool {
	switch next {
	case Delete:
		return true
	case Create:
		return existing == Update || existing == Delete
	case Update:
		return existing == Delete
	}
	return false
}

// Peek returns the most recently enqueued action, or nil if the queue is
// empty.
func (q *SyncQueue) Peek(ctx context.Context) (*PendingWriteAction, error) {
	const op = "syncqueue.Peek"
	var out *PendingWriteAction
	err := q.db.WithLock(ctx, func(conn *sql.DB) error {
		a, err := scanAction(conn.QueryRowContext(ctx,
			selectColumns+` WHERE collection = ? ORDER BY key DESC LIMIT 1`, q.collection))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return out, nil
}

// Pop removes and returns the most recently enqueued action. It returns
// nil if the queue is empty. Storage faults are logged and reported as an
// empty queue so a draining loop stops instead of failing.
func (q *SyncQueue) Pop(ctx context.Context) *PendingWriteAction {
	var out *PendingWriteAction
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAction(tx.QueryRowContext(ctx,
			selectColumns+` WHERE collection = ? ORDER BY key DESC LIMIT 1`, q.collection))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_write_action WHERE key = ?`, a.Key); err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		q.logger.Printf("WARNING: failed to pop pending action from %s: %v", q.collection, err)
		return nil
	}
	return out
}

// GetAll returns every pending action of the collection in enqueue order.
func (q *SyncQueue) GetAll(ctx context.Context) ([]PendingWriteAction, error) {
	return q.GetFirstN(ctx, -1, 0, "")
}

// GetFirstN returns up to limit actions in enqueue order, skipping the
// first offset. A negative limit means no limit. A non-empty action
// restricts the result to that kind.
func (q *SyncQueue) GetFirstN(ctx context.Context, limit, offset int, action Action) ([]PendingWriteAction, error) {
	const op = "syncqueue.GetFirstN"
	stmt := selectColumns + ` WHERE collection = ?`
	args := []any{q.collection}
	if action != "" {
		stmt += ` AND action = ?`
		args = append(args, string(action))
	}
	stmt += ` ORDER BY key ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var out []PendingWriteAction
	err := q.db.WithLock(ctx, func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		out, err = collect(rows)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return out, nil
}

// GetByID returns the action pending for entityID, or nil if there is none.
func (q *SyncQueue) GetByID(ctx context.Context, entityID string) (*PendingWriteAction, error) {
	const op = "syncqueue.GetByID"
	var out *PendingWriteAction
	err := q.db.WithLock(ctx, func(conn *sql.DB) error {
		a, err := scanAction(conn.QueryRowContext(ctx,
			selectColumns+` WHERE collection = ? AND entity_id = ?`, q.collection, entityID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return out, nil
}

// Count returns the number of pending actions in this collection, or in
// every collection when all is true.
func (q *SyncQueue) Count(ctx context.Context, all bool) (int, error) {
	const op = "syncqueue.Count"
	stmt := `SELECT COUNT(*) FROM pending_write_action`
	var args []any
	if !all {
		stmt += ` WHERE collection = ?`
		args = append(args, q.collection)
	}

	var n int
	err := q.db.WithLock(ctx, func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, stmt, args...).Scan(&n)
	})
	if err != nil {
		return 0, errs.Wrap(errs.ErrCacheRead, op, err)
	}
	return n, nil
}

// Remove deletes a pending action. A nil action removes every action of
// the collection.
func (q *SyncQueue) Remove(ctx context.Context, a *PendingWriteAction) (int, error) {
	if a == nil {
		return q.RemoveAll(ctx)
	}
	return q.RemoveMany(ctx, []PendingWriteAction{*a})
}

// RemoveMany deletes the given actions and returns how many existed.
func (q *SyncQueue) RemoveMany(ctx context.Context, actions []PendingWriteAction) (int, error) {
	const op = "syncqueue.RemoveMany"
	if len(actions) == 0 {
		return 0, nil
	}
	marks := make([]string, len(actions))
	args := []any{q.collection}
	for i, a := range actions {
		marks[i] = "?"
		args = append(args, a.Key)
	}
	stmt := `DELETE FROM pending_write_action WHERE collection = ? AND key IN (` + strings.Join(marks, ", ") + `)`
	return q.exec(ctx, op, stmt, args...)
}

// RemoveByEntityID deletes the action pending for entityID, if any.
func (q *SyncQueue) RemoveByEntityID(ctx context.Context, entityID string) (int, error) {
	return q.exec(ctx, "syncqueue.RemoveByEntityID",
		`DELETE FROM pending_write_action WHERE collection = ? AND entity_id = ?`, q.collection, entityID)
}

// RemoveAll empties the collection's queue.
func (q *SyncQueue) RemoveAll(ctx context.Context) (int, error) {
	return q.exec(ctx, "syncqueue.RemoveAll",
		`DELETE FROM pending_write_action WHERE collection = ?`, q.collection)
}

func (q *SyncQueue) exec(ctx context.Context, op, stmt string, args ...any) (int, error) {
	var n int64
	err := q.db.WithLock(ctx, func(conn *sql.DB) error {
		res, err := conn.ExecContext(ctx, stmt, args...)
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

// All returns the pending actions of every collection in enqueue order.
func All(ctx context.Context, db *storage.DB) ([]PendingWriteAction, error) {
	var out []PendingWriteAction
	err := db.WithLock(ctx, func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, selectColumns+` ORDER BY key ASC`)
		if err != nil {
			return err
		}
		out, err = collect(rows)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrCacheRead, "syncqueue.All", err)
	}
	return out, nil
}
