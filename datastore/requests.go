package datastore

import (
	"context"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/query"
)

// Find returns the entities matching q.
func (ds *DataStore[T]) Find(ctx context.Context, q query.Query, opts ...Option[T]) ([]T, error) {
	return ds.reads.find(ctx, q, ds.config(opts))
}

// FindByID returns the entity with id. A missing entity is reported as
// errs.ErrNotFound by every policy.
func (ds *DataStore[T]) FindByID(ctx context.Context, id string, opts ...Option[T]) (T, error) {
	if id == "" {
		var zero T
		return zero, errs.New(errs.ErrInvalidOperation, "datastore.FindByID", "id is required")
	}
	return ds.reads.findByID(ctx, id, ds.config(opts))
}

// Count returns the number of entities matching the filter of q.
func (ds *DataStore[T]) Count(ctx context.Context, q query.Query, opts ...Option[T]) (int, error) {
	return ds.reads.count(ctx, q, ds.config(opts))
}

// Aggregate reduces field over the entities matching the filter of q,
// optionally grouped by groupBy.
func (ds *DataStore[T]) Aggregate(ctx context.Context, fn cache.Reduce, field, groupBy string, q query.Query, opts ...Option[T]) ([]cache.AggregateResult, error) {
	return ds.reads.aggregate(ctx, fn, field, groupBy, q, ds.config(opts))
}

// Save writes e. An entity without an id is created; under the local
// policies it is cached under a temp id until the backend assigns one.
//
// Under Cache, a failed network call leaves the local write and its queued
// action in place; Save returns the locally saved entity with the error.
func (ds *DataStore[T]) Save(ctx context.Context, e T, opts ...Option[T]) (T, error) {
	return ds.writes.save(ctx, e, ds.config(opts))
}

// Remove deletes the entities with the given ids and returns how many were
// removed.
func (ds *DataStore[T]) Remove(ctx context.Context, ids []string, opts ...Option[T]) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return ds.writes.remove(ctx, ids, ds.config(opts))
}

// RemoveByQuery deletes the entities matching q. A query without a filter
// is rejected.
func (ds *DataStore[T]) RemoveByQuery(ctx context.Context, q query.Query, opts ...Option[T]) (int, error) {
	if q.Filter == nil {
		return 0, errs.New(errs.ErrInvalidOperation, "datastore.RemoveByQuery", "a filter is required")
	}
	return ds.writes.removeByQuery(ctx, q, ds.config(opts))
}

// PendingCount returns the number of writes waiting to be pushed.
func (ds *DataStore[T]) PendingCount(ctx context.Context) (int, error) {
	return ds.queue.Count(ctx, false)
}

// PurgeQueue drops every pending write without sending it and returns how
// many were dropped. Local changes stay in the cache.
func (ds *DataStore[T]) PurgeQueue(ctx context.Context) (int, error) {
	n, err := ds.queue.RemoveAll(ctx)
	if err != nil {
		return 0, err
	}
	ds.logger.Printf("Purged %d pending writes from %s", n, ds.collection)
	return n, nil
}

// ClearCache removes the cached entities selected by q. An empty query
// also drops the pending writes and delta-set history of the collection;
// otherwise only the history of q is dropped, so its next pull is full.
func (ds *DataStore[T]) ClearCache(ctx context.Context, q query.Query) (int, error) {
	n, err := ds.cache.Clear(ctx, q)
	if err != nil {
		return 0, err
	}
	if q.IsEmpty() {
		if _, err := ds.queue.RemoveAll(ctx); err != nil {
			return n, err
		}
		return n, ds.qc.DeleteCollection(ctx, ds.collection)
	}
	sig, err := q.Signature()
	if err != nil {
		return n, errs.Wrap(errs.ErrInvalidOperation, "datastore.ClearCache", err)
	}
	return n, ds.deleteHistory(ctx, sig)
}
