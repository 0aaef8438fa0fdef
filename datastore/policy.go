package datastore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/query"
	"github.com/offlinekit/offsync/syncqueue"
)

type readPolicy[T cache.Entity] interface {
	find(ctx context.Context, q query.Query, cfg *callConfig[T]) ([]T, error)
	findByID(ctx context.Context, id string, cfg *callConfig[T]) (T, error)
	count(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error)
	aggregate(ctx context.Context, fn cache.Reduce, field, groupBy string, q query.Query, cfg *callConfig[T]) ([]cache.AggregateResult, error)
}

type writePolicy[T cache.Entity] interface {
	save(ctx context.Context, e T, cfg *callConfig[T]) (T, error)
	remove(ctx context.Context, ids []string, cfg *callConfig[T]) (int, error)
	removeByQuery(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error)
}

// localPolicy works against the cache and the sync queue only.
type localPolicy[T cache.Entity] struct{ ds *DataStore[T] }

func (p localPolicy[T]) find(ctx context.Context, q query.Query, _ *callConfig[T]) ([]T, error) {
	return p.ds.cache.FindByQuery(ctx, q)
}

func (p localPolicy[T]) findByID(ctx context.Context, id string, _ *callConfig[T]) (T, error) {
	return p.ds.cache.FindByID(ctx, id)
}

func (p localPolicy[T]) count(ctx context.Context, q query.Query, _ *callConfig[T]) (int, error) {
	return p.ds.cache.Count(ctx, q)
}

func (p localPolicy[T]) aggregate(ctx context.Context, fn cache.Reduce, field, groupBy string, q query.Query, _ *callConfig[T]) ([]cache.AggregateResult, error) {
	return p.ds.cache.Aggregate(ctx, fn, field, groupBy, q)
}

func (p localPolicy[T]) save(ctx context.Context, e T, cfg *callConfig[T]) (T, error) {
	local, _, err := p.ds.saveLocal(ctx, e, cfg)
	return local, err
}

func (p localPolicy[T]) remove(ctx context.Context, ids []string, cfg *callConfig[T]) (int, error) {
	n, _, err := p.ds.removeLocal(ctx, ids, cfg)
	return n, err
}

func (p localPolicy[T]) removeByQuery(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error) {
	ids, err := p.ds.cache.IDs(ctx, q)
	if err != nil {
		return 0, err
	}
	n, _, err := p.ds.removeLocal(ctx, ids, cfg)
	return n, err
}

// networkPolicy works against the backend only.
type networkPolicy[T cache.Entity] struct{ ds *DataStore[T] }

func (p networkPolicy[T]) find(ctx context.Context, q query.Query, cfg *callConfig[T]) ([]T, error) {
	r, err := p.ds.remoteFind(ctx, q, p.ds.requestHeaders(cfg))
	return r.value, err
}

func (p networkPolicy[T]) findByID(ctx context.Context, id string, cfg *callConfig[T]) (T, error) {
	return p.ds.remoteFindByID(ctx, id, p.ds.requestHeaders(cfg))
}

func (p networkPolicy[T]) count(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error) {
	return p.ds.remoteCount(ctx, q, p.ds.requestHeaders(cfg))
}

func (p networkPolicy[T]) aggregate(ctx context.Context, fn cache.Reduce, field, groupBy string, q query.Query, cfg *callConfig[T]) ([]cache.AggregateResult, error) {
	return p.ds.remoteAggregate(ctx, fn, field, groupBy, q, p.ds.requestHeaders(cfg))
}

func (p networkPolicy[T]) save(ctx context.Context, e T, cfg *callConfig[T]) (T, error) {
	return p.ds.remoteSave(ctx, e, p.ds.requestHeaders(cfg))
}

func (p networkPolicy[T]) remove(ctx context.Context, ids []string, cfg *callConfig[T]) (int, error) {
	total := 0
	for _, id := range ids {
		n, err := p.ds.remoteDelete(ctx, id, p.ds.requestHeaders(cfg))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (p networkPolicy[T]) removeByQuery(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error) {
	return p.ds.remoteDeleteByQuery(ctx, q, p.ds.requestHeaders(cfg))
}

// cachePolicy writes locally, queues, and sends to the backend in the same
// call. Reads report the local answer first, then return the backend's.
type cachePolicy[T cache.Entity] struct{ ds *DataStore[T] }

func (p cachePolicy[T]) find(ctx context.Context, q query.Query, cfg *callConfig[T]) ([]T, error) {
	local, err := p.ds.cache.FindByQuery(ctx, q)
	if cfg.onResults != nil {
		cfg.onResults(local, err)
	}
	return p.ds.findAndCache(ctx, q, cfg)
}

func (p cachePolicy[T]) findByID(ctx context.Context, id string, cfg *callConfig[T]) (T, error) {
	local, err := p.ds.cache.FindByID(ctx, id)
	if cfg.onEntity != nil {
		cfg.onEntity(local, err)
	}
	return p.ds.findByIDAndCache(ctx, id, cfg)
}

func (p cachePolicy[T]) count(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error) {
	local, err := p.ds.cache.Count(ctx, q)
	if cfg.onCount != nil {
		cfg.onCount(local, err)
	}
	return p.ds.remoteCount(ctx, q, p.ds.requestHeaders(cfg))
}

func (p cachePolicy[T]) aggregate(ctx context.Context, fn cache.Reduce, field, groupBy string, q query.Query, cfg *callConfig[T]) ([]cache.AggregateResult, error) {
	local, err := p.ds.cache.Aggregate(ctx, fn, field, groupBy, q)
	if cfg.onAggregate != nil {
		cfg.onAggregate(local, err)
	}
	return p.ds.remoteAggregate(ctx, fn, field, groupBy, q, p.ds.requestHeaders(cfg))
}

func (p cachePolicy[T]) save(ctx context.Context, e T, cfg *callConfig[T]) (T, error) {
	ds := p.ds
	local, pending, err := ds.saveLocal(ctx, e, cfg)
	if err != nil {
		return local, err
	}
	localID := local.EntityID()

	saved, err := ds.remoteSave(ctx, local, ds.requestHeaders(cfg))
	if err != nil {
		// The local write and its queued action stay for the next Push.
		return local, err
	}
	if err := ds.settle(ctx, pending, localID, saved); err != nil {
		return saved, err
	}
	return saved, nil
}

func (p cachePolicy[T]) remove(ctx context.Context, ids []string, cfg *callConfig[T]) (int, error) {
	ds := p.ds
	_, pending, err := ds.removeLocal(ctx, ids, cfg)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, id := range ids {
		if cache.IsTempID(id) {
			total++
			continue
		}
		n, err := ds.remoteDelete(ctx, id, ds.requestHeaders(cfg))
		if err != nil {
			return total, err
		}
		total += n
		if a, ok := pending[id]; ok {
			// By key: a write made since the delete replaced it and stays queued.
			if _, err := ds.queue.Remove(ctx, &a); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (p cachePolicy[T]) removeByQuery(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error) {
	ds := p.ds
	ids, err := ds.cache.IDs(ctx, q)
	if err != nil {
		return 0, err
	}
	_, pending, err := ds.removeLocal(ctx, ids, cfg)
	if err != nil {
		return 0, err
	}

	n, err := ds.remoteDeleteByQuery(ctx, q, ds.requestHeaders(cfg))
	if err != nil {
		return 0, err
	}
	for _, a := range pending {
		if _, err := ds.queue.Remove(ctx, &a); err != nil {
			return n, err
		}
	}
	return n, nil
}

// autoPolicy reads from the backend and falls back to the cache when the
// backend cannot be reached.
type autoPolicy[T cache.Entity] struct{ ds *DataStore[T] }

func unreachable(err error) bool {
	return errors.Is(err, errs.ErrNetworkUnavailable)
}

func (p autoPolicy[T]) find(ctx context.Context, q query.Query, cfg *callConfig[T]) ([]T, error) {
	out, err := p.ds.findAndCache(ctx, q, cfg)
	if unreachable(err) {
		p.ds.logger.Printf("Backend unreachable, serving %s from cache: %v", p.ds.collection, err)
		return p.ds.cache.FindByQuery(ctx, q)
	}
	return out, err
}

func (p autoPolicy[T]) findByID(ctx context.Context, id string, cfg *callConfig[T]) (T, error) {
	out, err := p.ds.findByIDAndCache(ctx, id, cfg)
	if unreachable(err) {
		return p.ds.cache.FindByID(ctx, id)
	}
	return out, err
}

func (p autoPolicy[T]) count(ctx context.Context, q query.Query, cfg *callConfig[T]) (int, error) {
	n, err := p.ds.remoteCount(ctx, q, p.ds.requestHeaders(cfg))
	if unreachable(err) {
		return p.ds.cache.Count(ctx, q)
	}
	return n, err
}

func (p autoPolicy[T]) aggregate(ctx context.Context, fn cache.Reduce, field, groupBy string, q query.Query, cfg *callConfig[T]) ([]cache.AggregateResult, error) {
	out, err := p.ds.remoteAggregate(ctx, fn, field, groupBy, q, p.ds.requestHeaders(cfg))
	if unreachable(err) {
		return p.ds.cache.Aggregate(ctx, fn, field, groupBy, q)
	}
	return out, err
}

// saveLocal writes e to the cache and queues it in one transaction. An
// entity without an id gets a temp id and is queued as a create. It returns
// the pending action as it stands after the write.
func (ds *DataStore[T]) saveLocal(ctx context.Context, e T, cfg *callConfig[T]) (T, *syncqueue.PendingWriteAction, error) {
	action := syncqueue.Update
	switch id := e.EntityID(); {
	case id == "":
		e.SetEntityID(cache.NewTempID())
		action = syncqueue.Create
	case cache.IsTempID(id):
		action = syncqueue.Create
	}

	state := syncqueue.State{Headers: ds.requestHeaders(cfg)}
	var pending *syncqueue.PendingWriteAction
	err := ds.cache.InTx(ctx, func(tx *sql.Tx, c *cache.Tx[T]) error {
		if err := c.Put(ctx, e, ""); err != nil {
			return err
		}
		q := ds.queue.Bind(tx)
		if _, err := q.Enqueue(ctx, action, e.EntityID(), state); err != nil {
			return err
		}
		var err error
		pending, err = q.GetByID(ctx, e.EntityID())
		return err
	})
	if err != nil {
		return e, nil, err
	}
	return e, pending, nil
}

// removeLocal deletes ids from the cache and queues a delete for each, in
// one transaction. Temp ids leave no trace in the queue. The returned map
// holds the queued deletes by entity id.
func (ds *DataStore[T]) removeLocal(ctx context.Context, ids []string, cfg *callConfig[T]) (int, map[string]syncqueue.PendingWriteAction, error) {
	state := syncqueue.State{Headers: ds.requestHeaders(cfg)}
	removed := 0
	pending := make(map[string]syncqueue.PendingWriteAction)
	err := ds.cache.InTx(ctx, func(tx *sql.Tx, c *cache.Tx[T]) error {
		q := ds.queue.Bind(tx)
		for _, id := range ids {
			n, err := c.Delete(ctx, id)
			if err != nil {
				return err
			}
			removed += n
			if _, err := q.Enqueue(ctx, syncqueue.Delete, id, state); err != nil {
				return err
			}
			a, err := q.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if a != nil {
				pending[id] = *a
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return removed, pending, nil
}

// settle applies a successful remote save of the entity cached under
// localID. When pushed is still pending unchanged, the backend's copy
// replaces the local one and the action is cleared. When the entity was
// written again in the meantime, the newer local content is kept and stays
// queued, moved onto the backend id. When a temp entity was deleted in the
// meantime, a delete of the backend's copy is queued instead.
func (ds *DataStore[T]) settle(ctx context.Context, pushed *syncqueue.PendingWriteAction, localID string, saved T) error {
	serverID := saved.EntityID()
	return ds.cache.InTx(ctx, func(tx *sql.Tx, c *cache.Tx[T]) error {
		q := ds.queue.Bind(tx)
		cur, err := q.GetByID(ctx, localID)
		if err != nil {
			return err
		}

		if cur != nil {
			current := false
			if pushed != nil && cur.Key == pushed.Key {
				if current, err = q.Current(ctx, *pushed); err != nil {
					return err
				}
			}
			if current {
				if err := c.Put(ctx, saved, localID); err != nil {
					return err
				}
				return q.Remove(ctx, cur.Key)
			}
			ds.logger.Printf("%s %s changed while it was pushed; keeping the local write queued", ds.collection, localID)
			if serverID == localID {
				return nil
			}
			if cur.Action != syncqueue.Delete {
				if err := c.Rename(ctx, localID, serverID); err != nil && !errors.Is(err, errs.ErrNotFound) {
					return err
				}
			}
			return q.Promote(ctx, cur.Key, serverID)
		}

		cached, err := c.Exists(ctx, localID)
		if err != nil {
			return err
		}
		if cached {
			// Nothing pending, so no local write since: take the backend's copy.
			return c.Put(ctx, saved, localID)
		}
		if cache.IsTempID(localID) && serverID != localID {
			ds.logger.Printf("%s %s was removed while it was pushed; queueing delete of %s", ds.collection, localID, serverID)
			state := syncqueue.State{}
			if pushed != nil {
				state = pushed.State
			}
			_, err := q.Enqueue(ctx, syncqueue.Delete, serverID, state)
			return err
		}
		return nil
	})
}

// findAndCache returns the backend's results for q and, when nothing is
// waiting to be pushed, replaces the matching cached entities with them.
func (ds *DataStore[T]) findAndCache(ctx context.Context, q query.Query, cfg *callConfig[T]) ([]T, error) {
	r, err := ds.remoteFind(ctx, q, ds.requestHeaders(cfg))
	if err != nil {
		return nil, err
	}
	pending, err := ds.queue.Count(ctx, false)
	if err != nil {
		return r.value, err
	}
	if pending > 0 {
		ds.logger.Printf("Not caching %s results: %d writes pending", ds.collection, pending)
		return r.value, nil
	}
	if _, err := ds.cache.Clear(ctx, q); err != nil {
		return r.value, err
	}
	return r.value, ds.cache.RefreshCache(ctx, r.value)
}

func (ds *DataStore[T]) findByIDAndCache(ctx context.Context, id string, cfg *callConfig[T]) (T, error) {
	e, err := ds.remoteFindByID(ctx, id, ds.requestHeaders(cfg))
	if err != nil {
		return e, err
	}
	pending, err := ds.queue.GetByID(ctx, id)
	if err != nil {
		return e, err
	}
	if pending == nil {
		if err := ds.cache.Update(ctx, e); err != nil {
			return e, err
		}
	}
	return e, nil
}
