package datastore

import (
	"context"
	"net/http"

	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/network"
	"github.com/offlinekit/offsync/query"
	"github.com/offlinekit/offsync/querycache"
)

// PullResponse summarizes a Pull.
type PullResponse[T any] struct {
	// Entities are the fetched entities: the full result, or only the
	// changed ones for a delta-set pull.
	Entities []T

	// Deleted is the number of cached entities a delta-set pull removed.
	Deleted int

	// Delta reports whether the pull was incremental.
	Delta bool
}

// Pull refreshes the cache with the backend's entities matching q. It
// fails with errs.ErrInvalidOperation on a Network store or while writes
// are pending, since those would be overwritten.
//
// With delta-set enabled and a previous pull of the same query on record,
// only the changes since that pull are fetched. Otherwise the entities
// selected by q are cleared and replaced by the fetched ones.
func (ds *DataStore[T]) Pull(ctx context.Context, q query.Query, opts ...Option[T]) (*PullResponse[T], error) {
	const op = "datastore.Pull"
	if ds.opts.StoreType == Network {
		return nil, errs.New(errs.ErrInvalidOperation, op, "a network store has no cache to pull into")
	}
	if err := ds.requireNetwork(op); err != nil {
		return nil, err
	}
	cfg := ds.config(opts)

	pending, err := ds.queue.Count(ctx, false)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, errs.Newf(errs.ErrInvalidOperation, op,
			"%d writes to %s are pending; push them before pulling", pending, ds.collection)
	}

	sig, err := q.Signature()
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}

	delta := ds.opts.DeltaSet
	if cfg.deltaSet != nil {
		delta = *cfg.deltaSet
	}
	// Paginated queries cannot be answered incrementally.
	if q.HasSkip() || q.HasTake() {
		delta = false
	}

	if delta {
		item, ok, err := ds.qc.Get(ctx, ds.collection, sig)
		if err != nil {
			return nil, err
		}
		if ok {
			resp, err := ds.pullDelta(ctx, q, sig, item, cfg)
			if err == nil || !deltaRejected(err) {
				return resp, err
			}
			ds.logger.Printf("Delta-set rejected for %s, falling back to a full pull: %v", ds.collection, err)
		}
	}
	return ds.pullFull(ctx, q, sig, delta, cfg)
}

// deltaRejected reports whether the backend refused a delta-set request
// in a way a full pull can recover from.
func deltaRejected(err error) bool {
	if errs.StatusCode(err) != http.StatusBadRequest {
		return false
	}
	switch network.ServerErrorName(err) {
	case network.ErrNameParameterValueOutOfRange, network.ErrNameResultSetSizeExceeded:
		return true
	}
	return false
}

func (ds *DataStore[T]) pullDelta(ctx context.Context, q query.Query, sig string, item querycache.Item, cfg *callConfig[T]) (*PullResponse[T], error) {
	r, err := ds.remoteDeltaSet(ctx, q, item.LastRequest, ds.requestHeaders(cfg))
	if err != nil {
		return nil, err
	}

	if err := ds.cache.RefreshCache(ctx, r.value.Changed); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.value.Deleted))
	for _, d := range r.value.Deleted {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	deleted, err := ds.cache.DeleteByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	if err := ds.recordPull(ctx, sig, lastRequest(r.res, r.sent)); err != nil {
		return nil, err
	}
	ds.logger.Printf("Delta pull of %s: changed=%d deleted=%d", ds.collection, len(r.value.Changed), deleted)
	return &PullResponse[T]{Entities: r.value.Changed, Deleted: deleted, Delta: true}, nil
}

func (ds *DataStore[T]) pullFull(ctx context.Context, q query.Query, sig string, record bool, cfg *callConfig[T]) (*PullResponse[T], error) {
	headers := ds.requestHeaders(cfg)

	var (
		all   []T
		since string
	)
	if cfg.pageSize > 0 && !q.HasSkip() && !q.HasTake() {
		paged := q
		if len(paged.Sort) == 0 {
			paged = paged.OrderBy(query.IDField)
		}
		for skip := 0; ; skip += cfg.pageSize {
			r, err := ds.remoteFind(ctx, paged.Skip(skip).Take(cfg.pageSize), headers)
			if err != nil {
				return nil, err
			}
			if since == "" {
				since = lastRequest(r.res, r.sent)
			}
			all = append(all, r.value...)
			if len(r.value) < cfg.pageSize {
				break
			}
		}
	} else {
		r, err := ds.remoteFind(ctx, q, headers)
		if err != nil {
			return nil, err
		}
		since = lastRequest(r.res, r.sent)
		all = r.value
	}

	if _, err := ds.cache.Clear(ctx, q); err != nil {
		return nil, err
	}
	if err := ds.cache.RefreshCache(ctx, all); err != nil {
		return nil, err
	}
	if record {
		if err := ds.recordPull(ctx, sig, since); err != nil {
			return nil, err
		}
	}
	ds.logger.Printf("Pulled %d entities into %s", len(all), ds.collection)
	return &PullResponse[T]{Entities: all}, nil
}

func (ds *DataStore[T]) recordPull(ctx context.Context, sig, since string) error {
	return ds.qc.Set(ctx, querycache.Item{Collection: ds.collection, Query: sig, LastRequest: since})
}

func (ds *DataStore[T]) deleteHistory(ctx context.Context, sig string) error {
	return ds.qc.Delete(ctx, querycache.Item{Collection: ds.collection, Query: sig})
}

// SyncResponse summarizes a Sync.
type SyncResponse[T any] struct {
	Push *PushResponse

	// Pull is nil when some writes failed to push.
	Pull *PullResponse[T]
}

// Sync pushes pending writes and, if all of them went through, pulls q.
func (ds *DataStore[T]) Sync(ctx context.Context, q query.Query, opts ...Option[T]) (*SyncResponse[T], error) {
	push, err := ds.Push(ctx)
	if err != nil {
		return nil, err
	}
	resp := &SyncResponse[T]{Push: push}
	if len(push.Errors) > 0 {
		return resp, nil
	}
	resp.Pull, err = ds.Pull(ctx, q, opts...)
	return resp, err
}
