package datastore

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/syncqueue"
)

// PushError reports one pending action that could not be pushed.
type PushError struct {
	Action syncqueue.PendingWriteAction
	Err    error
}

// Error implements the error interface.
func (e *PushError) Error() string {
	return string(e.Action.Action) + " " + e.Action.EntityID + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *PushError) Unwrap() error { return e.Err }

// PushResponse summarizes a Push.
type PushResponse struct {
	// Count is the number of actions the backend accepted.
	Count  int
	Errors []*PushError
}

// Push sends every pending write to the backend. Actions run concurrently,
// up to Options.PushConcurrency at a time, in no particular order. Push
// waits for all of them; each failure is reported in the response and its
// action stays queued for the next Push. The returned error is non-nil only
// when the queue itself cannot be read.
func (ds *DataStore[T]) Push(ctx context.Context) (*PushResponse, error) {
	const op = "datastore.Push"
	if ds.opts.StoreType == Network {
		return nil, errs.New(errs.ErrInvalidOperation, op, "a network store has no pending writes")
	}
	if err := ds.requireNetwork(op); err != nil {
		return nil, err
	}

	actions, err := ds.queue.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	resp := &PushResponse{}
	if len(actions) == 0 {
		return resp, nil
	}
	ds.logger.Printf("Pushing %d pending writes for %s", len(actions), ds.collection)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(ds.opts.PushConcurrency)
	for _, a := range actions {
		g.Go(func() error {
			err := ds.pushOne(ctx, a)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ds.logger.Printf("WARNING: failed to push %s %s: %v", a.Action, a.EntityID, err)
				resp.Errors = append(resp.Errors, &PushError{Action: a, Err: err})
				return nil
			}
			resp.Count++
			return nil
		})
	}
	_ = g.Wait()

	ds.logger.Printf("Push of %s complete: pushed=%d failed=%d", ds.collection, resp.Count, len(resp.Errors))
	return resp, nil
}

func (ds *DataStore[T]) pushOne(ctx context.Context, a syncqueue.PendingWriteAction) error {
	headers := a.State.Headers

	switch a.Action {
	case syncqueue.Delete:
		_, err := ds.remoteDelete(ctx, a.EntityID, headers)
		if err != nil && errs.StatusCode(err) != http.StatusNotFound {
			return err
		}

	case syncqueue.Create, syncqueue.Update:
		e, err := ds.cache.FindByID(ctx, a.EntityID)
		if errors.Is(err, errs.ErrNotFound) {
			// Nothing left to send; the action can never succeed.
			if _, rmErr := ds.queue.Remove(ctx, &a); rmErr != nil {
				return rmErr
			}
			return err
		}
		if err != nil {
			return err
		}
		saved, err := ds.remoteSave(ctx, e, headers)
		if err != nil {
			return err
		}
		// settle clears the action only if nothing was written meanwhile.
		return ds.settle(ctx, &a, a.EntityID, saved)

	default:
		return errs.Newf(errs.ErrInvalidOperation, "datastore.Push", "unknown action %q", a.Action)
	}

	// By key: a write made during the request replaced the delete and stays.
	_, err := ds.queue.Remove(ctx, &a)
	return err
}
