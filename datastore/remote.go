package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/network"
	"github.com/offlinekit/offsync/query"
)

// requestStartLayout is the timestamp format of the backend.
const requestStartLayout = "2006-01-02T15:04:05.000Z"

func (ds *DataStore[T]) params(id string) map[string]string {
	p := map[string]string{"collection": ds.collection}
	if id != "" {
		p["id"] = id
	}
	return p
}

// execute sends req, attaching headers and normalizing executor errors to
// the errs kinds.
func (ds *DataStore[T]) execute(ctx context.Context, op string, req *network.Request, headers map[string]string) (*network.Response, error) {
	if err := ds.requireNetwork(op); err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if req.Headers == nil {
			req.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			if _, ok := req.Headers[k]; !ok {
				req.Headers[k] = v
			}
		}
	}

	res, err := ds.exec.Execute(ctx, req)
	if err == nil {
		return res, nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, errs.Wrap(errs.ErrCancelled, op, ctxErr)
	}
	return res, errs.Wrap(errs.ErrNetworkUnavailable, op, err)
}

// lastRequest returns the backend's request start time, or the local time
// captured before sending when the header is missing.
func lastRequest(res *network.Response, sent time.Time) string {
	if res != nil {
		if v := res.Header.Get(network.RequestStartHeader); v != "" {
			return v
		}
	}
	return sent.UTC().Format(requestStartLayout)
}

func decodeEntity[T cache.Entity](op string, res *network.Response) (T, error) {
	var e T
	if err := res.Decode(&e); err != nil {
		return e, errs.Wrap(errs.ErrNetwork, op, err)
	}
	if e.EntityID() == "" {
		return e, errs.New(errs.ErrNetwork, op, "response entity has no id")
	}
	return e, nil
}

func transportQuery(op string, q query.Query) (url.Values, error) {
	v, err := q.Transport()
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}
	return v, nil
}

type remoteResult[R any] struct {
	value R
	res   *network.Response
	sent  time.Time
}

func (ds *DataStore[T]) remoteFind(ctx context.Context, q query.Query, headers map[string]string) (remoteResult[[]T], error) {
	const op = "datastore.Find"
	var out remoteResult[[]T]
	values, err := transportQuery(op, q)
	if err != nil {
		return out, err
	}

	out.sent = ds.now()
	out.res, err = ds.execute(ctx, op, network.Get(network.CollectionPath, ds.params(""), values), headers)
	if err != nil {
		return out, err
	}
	if err := out.res.Decode(&out.value); err != nil {
		return out, errs.Wrap(errs.ErrNetwork, op, err)
	}
	return out, nil
}

func (ds *DataStore[T]) remoteFindByID(ctx context.Context, id string, headers map[string]string) (T, error) {
	const op = "datastore.FindByID"
	var zero T
	res, err := ds.execute(ctx, op, network.Get(network.EntityPath, ds.params(id), nil), headers)
	if err != nil {
		if errs.StatusCode(err) == http.StatusNotFound {
			return zero, &errs.Error{Kind: errs.ErrNotFound, Op: op, StatusCode: http.StatusNotFound, Err: err}
		}
		return zero, err
	}
	return decodeEntity[T](op, res)
}

type countResponse struct {
	Count int `json:"count"`
}

func (ds *DataStore[T]) remoteCount(ctx context.Context, q query.Query, headers map[string]string) (int, error) {
	const op = "datastore.Count"
	values, err := transportQuery(op, query.Query{Filter: q.Filter})
	if err != nil {
		return 0, err
	}
	res, err := ds.execute(ctx, op, network.Get(network.CountPath, ds.params(""), values), headers)
	if err != nil {
		return 0, err
	}
	var c countResponse
	if err := res.Decode(&c); err != nil {
		return 0, errs.Wrap(errs.ErrNetwork, op, err)
	}
	return c.Count, nil
}

// entityBody encodes e for the wire, dropping a temp id so the backend
// assigns one.
func entityBody(e cache.Entity) (json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	if id := e.EntityID(); id != "" && !cache.IsTempID(id) {
		return data, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	delete(doc, query.IDField)
	return json.Marshal(doc)
}

// remoteSave creates e when it has no id or a temp id and updates it
// otherwise. It returns the entity as stored by the backend.
func (ds *DataStore[T]) remoteSave(ctx context.Context, e T, headers map[string]string) (T, error) {
	const op = "datastore.Save"
	var zero T
	body, err := entityBody(e)
	if err != nil {
		return zero, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}

	var req *network.Request
	if id := e.EntityID(); id == "" || cache.IsTempID(id) {
		req = network.Post(network.CollectionPath, ds.params(""), body)
	} else {
		req = network.Put(network.EntityPath, ds.params(id), body)
	}
	res, err := ds.execute(ctx, op, req, headers)
	if err != nil {
		return zero, err
	}
	return decodeEntity[T](op, res)
}

func (ds *DataStore[T]) remoteDelete(ctx context.Context, id string, headers map[string]string) (int, error) {
	const op = "datastore.Remove"
	res, err := ds.execute(ctx, op, network.Delete(network.EntityPath, ds.params(id), nil), headers)
	if err != nil {
		return 0, err
	}
	return decodeCount(op, res)
}

func (ds *DataStore[T]) remoteDeleteByQuery(ctx context.Context, q query.Query, headers map[string]string) (int, error) {
	const op = "datastore.RemoveByQuery"
	if q.HasSkip() || q.HasTake() || len(q.Sort) > 0 {
		return 0, errs.New(errs.ErrNotImplemented, op, "the backend deletes by filter only")
	}
	values, err := transportQuery(op, q)
	if err != nil {
		return 0, err
	}
	res, err := ds.execute(ctx, op, network.Delete(network.CollectionPath, ds.params(""), values), headers)
	if err != nil {
		return 0, err
	}
	return decodeCount(op, res)
}

func decodeCount(op string, res *network.Response) (int, error) {
	if len(res.Body) == 0 {
		return 1, nil
	}
	var c countResponse
	if err := res.Decode(&c); err != nil {
		return 0, errs.Wrap(errs.ErrNetwork, op, err)
	}
	return c.Count, nil
}

// groupRequest is the body of an aggregation request.
type groupRequest struct {
	Key       map[string]bool `json:"key"`
	Initial   map[string]any  `json:"initial"`
	Reduce    string          `json:"reduce"`
	Condition json.RawMessage `json:"condition,omitempty"`
}

func newGroupRequest(fn cache.Reduce, field, groupBy string, q query.Query) (*groupRequest, error) {
	ref := "doc"
	for _, seg := range splitField(field) {
		ref += "[" + strconv.Quote(seg) + "]"
	}

	req := &groupRequest{Key: map[string]bool{}}
	if groupBy != "" {
		req.Key[groupBy] = true
	}
	switch fn {
	case cache.Count:
		req.Initial = map[string]any{"result": 0}
		req.Reduce = "function(doc, out) { out.result++; }"
	case cache.Sum:
		req.Initial = map[string]any{"result": 0}
		req.Reduce = "function(doc, out) { out.result += " + ref + "; }"
	case cache.Min:
		req.Initial = map[string]any{"result": 1.7976931348623157e+308}
		req.Reduce = "function(doc, out) { out.result = Math.min(out.result, " + ref + "); }"
	case cache.Max:
		req.Initial = map[string]any{"result": -1.7976931348623157e+308}
		req.Reduce = "function(doc, out) { out.result = Math.max(out.result, " + ref + "); }"
	case cache.Average:
		req.Initial = map[string]any{"result": 0, "count": 0}
		req.Reduce = "function(doc, out) { out.result = (out.result * out.count + " + ref + ") / (out.count + 1); out.count++; }"
	default:
		return nil, fmt.Errorf("unknown aggregation %q", fn)
	}

	if q.Filter != nil {
		cond, err := q.FilterJSON()
		if err != nil {
			return nil, err
		}
		req.Condition = json.RawMessage(cond)
	}
	return req, nil
}

func splitField(field string) []string {
	var out []string
	start := 0
	for i := 0; i < len(field); i++ {
		if field[i] == '.' {
			out = append(out, field[start:i])
			start = i + 1
		}
	}
	return append(out, field[start:])
}

func (ds *DataStore[T]) remoteAggregate(ctx context.Context, fn cache.Reduce, field, groupBy string, q query.Query, headers map[string]string) ([]cache.AggregateResult, error) {
	const op = "datastore.Aggregate"
	body, err := newGroupRequest(fn, field, groupBy, q)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}
	res, err := ds.execute(ctx, op, network.Post(network.GroupPath, ds.params(""), body), headers)
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := res.Decode(&rows); err != nil {
		return nil, errs.Wrap(errs.ErrNetwork, op, err)
	}
	out := make([]cache.AggregateResult, 0, len(rows))
	for _, row := range rows {
		value, ok := row["result"].(float64)
		if !ok {
			return nil, errs.Newf(errs.ErrNetwork, op, "aggregation result %v is not a number", row["result"])
		}
		r := cache.AggregateResult{Value: value}
		if groupBy != "" {
			r.Group = row[groupBy]
		}
		out = append(out, r)
	}
	return out, nil
}

// deltaResponse is the body of a delta-set reply.
type deltaResponse[T cache.Entity] struct {
	Changed []T `json:"changed"`
	Deleted []struct {
		ID string `json:"_id"`
	} `json:"deleted"`
}

func (ds *DataStore[T]) remoteDeltaSet(ctx context.Context, q query.Query, since string, headers map[string]string) (remoteResult[deltaResponse[T]], error) {
	const op = "datastore.Pull"
	var out remoteResult[deltaResponse[T]]
	values, err := transportQuery(op, query.Query{Filter: q.Filter})
	if err != nil {
		return out, err
	}
	values.Set("since", since)

	out.sent = ds.now()
	out.res, err = ds.execute(ctx, op, network.Get(network.DeltaSetPath, ds.params(""), values), headers)
	if err != nil {
		return out, err
	}
	if err := out.res.Decode(&out.value); err != nil {
		return out, errs.Wrap(errs.ErrNetwork, op, err)
	}
	return out, nil
}
