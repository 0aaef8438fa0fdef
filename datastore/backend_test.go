package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/network"
	"github.com/offlinekit/offsync/query"
)

// fakeBackend is an in-memory appdata backend. Its clock advances on every
// request; X-Kinvey-Request-Start carries the clock value at the start of
// the request.
type fakeBackend struct {
	mu sync.Mutex

	docs     map[string]map[string]map[string]any // collection -> id -> doc
	modified map[string]int64                     // collection/id -> clock
	deleted  map[string][]tombstone               // collection -> deletions
	clock    int64
	nextID   int

	offline bool
	// fail, when set, is consulted before every request.
	fail func(req *network.Request) error

	calls       []string
	lastBody    []byte
	lastHeaders map[string]string
	groupResult []map[string]any
}

type tombstone struct {
	id string
	at int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		docs:     make(map[string]map[string]map[string]any),
		modified: make(map[string]int64),
		deleted:  make(map[string][]tombstone),
	}
}

// put stores doc directly, as another client would.
func (b *fakeBackend) put(collection string, doc map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock++
	b.store(collection, doc)
}

// remove deletes a doc directly, as another client would.
func (b *fakeBackend) remove(collection, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock++
	b.drop(collection, id)
}

func (b *fakeBackend) get(collection, id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.docs[collection][id]
	return d, ok
}

func (b *fakeBackend) size(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.docs[collection])
}

func (b *fakeBackend) setOffline(v bool) {
	b.mu.Lock()
	b.offline = v
	b.mu.Unlock()
}

func (b *fakeBackend) callsMatching(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func (b *fakeBackend) store(collection string, doc map[string]any) {
	if b.docs[collection] == nil {
		b.docs[collection] = make(map[string]map[string]any)
	}
	id := doc["_id"].(string)
	b.docs[collection][id] = doc
	b.modified[collection+"/"+id] = b.clock
}

func (b *fakeBackend) drop(collection, id string) bool {
	if _, ok := b.docs[collection][id]; !ok {
		return false
	}
	delete(b.docs[collection], id)
	delete(b.modified, collection+"/"+id)
	b.deleted[collection] = append(b.deleted[collection], tombstone{id: id, at: b.clock})
	return true
}

func (b *fakeBackend) Execute(ctx context.Context, req *network.Request) (*network.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrCancelled, "fake", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, req.Method+" "+req.Path)
	b.lastHeaders = req.Headers
	b.lastBody = nil
	if req.Body != nil {
		b.lastBody, _ = json.Marshal(req.Body)
	}
	if b.offline {
		return nil, errs.New(errs.ErrNetworkUnavailable, "fake", "backend is offline")
	}
	if b.fail != nil {
		if err := b.fail(req); err != nil {
			return nil, err
		}
	}

	b.clock++
	start := b.clock
	coll := req.Params["collection"]
	id := req.Params["id"]

	switch {
	case req.Path == network.CollectionPath && req.Method == http.MethodGet:
		q, err := b.parseQuery(req)
		if err != nil {
			return b.failure(http.StatusBadRequest, "InvalidQuerySyntax", err.Error())
		}
		return b.reply(start, http.StatusOK, q.Apply(b.list(coll)))

	case req.Path == network.CollectionPath && req.Method == http.MethodPost:
		var doc map[string]any
		if err := json.Unmarshal(b.lastBody, &doc); err != nil {
			return b.failure(http.StatusBadRequest, "BadRequest", err.Error())
		}
		if _, ok := doc["_id"]; !ok {
			b.nextID++
			doc["_id"] = fmt.Sprintf("srv-%d", b.nextID)
		}
		b.store(coll, doc)
		return b.reply(start, http.StatusCreated, doc)

	case req.Path == network.CollectionPath && req.Method == http.MethodDelete:
		q, err := b.parseQuery(req)
		if err != nil {
			return b.failure(http.StatusBadRequest, "InvalidQuerySyntax", err.Error())
		}
		n := 0
		for _, d := range q.Apply(b.list(coll)) {
			if b.drop(coll, d["_id"].(string)) {
				n++
			}
		}
		return b.reply(start, http.StatusOK, map[string]int{"count": n})

	case req.Path == network.EntityPath && req.Method == http.MethodGet:
		d, ok := b.docs[coll][id]
		if !ok {
			return b.failure(http.StatusNotFound, network.ErrNameEntityNotFound, "no such entity")
		}
		return b.reply(start, http.StatusOK, d)

	case req.Path == network.EntityPath && req.Method == http.MethodPut:
		var doc map[string]any
		if err := json.Unmarshal(b.lastBody, &doc); err != nil {
			return b.failure(http.StatusBadRequest, "BadRequest", err.Error())
		}
		doc["_id"] = id
		b.store(coll, doc)
		return b.reply(start, http.StatusOK, doc)

	case req.Path == network.EntityPath && req.Method == http.MethodDelete:
		if !b.drop(coll, id) {
			return b.failure(http.StatusNotFound, network.ErrNameEntityNotFound, "no such entity")
		}
		return b.reply(start, http.StatusOK, map[string]int{"count": 1})

	case req.Path == network.CountPath:
		q, err := b.parseQuery(req)
		if err != nil {
			return b.failure(http.StatusBadRequest, "InvalidQuerySyntax", err.Error())
		}
		return b.reply(start, http.StatusOK, map[string]int{"count": len(q.Apply(b.list(coll)))})

	case req.Path == network.DeltaSetPath:
		since, err := strconv.ParseInt(req.Query.Get("since"), 10, 64)
		if err != nil {
			return b.failure(http.StatusBadRequest, network.ErrNameParameterValueOutOfRange, "bad since")
		}
		q, err := b.parseQuery(req)
		if err != nil {
			return b.failure(http.StatusBadRequest, "InvalidQuerySyntax", err.Error())
		}
		changed := []map[string]any{}
		for _, d := range q.Apply(b.list(coll)) {
			if b.modified[coll+"/"+d["_id"].(string)] > since {
				changed = append(changed, d)
			}
		}
		deleted := []map[string]any{}
		for _, t := range b.deleted[coll] {
			if t.at > since {
				deleted = append(deleted, map[string]any{"_id": t.id})
			}
		}
		return b.reply(start, http.StatusOK, map[string]any{"changed": changed, "deleted": deleted})

	case req.Path == network.GroupPath:
		return b.reply(start, http.StatusOK, b.groupResult)
	}

	return b.failure(http.StatusNotFound, "NotFound", req.Method+" "+req.Path)
}

func (b *fakeBackend) list(collection string) []map[string]any {
	ids := make([]string, 0, len(b.docs[collection]))
	for id := range b.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.docs[collection][id])
	}
	return out
}

func (b *fakeBackend) parseQuery(req *network.Request) (query.Query, error) {
	f, err := query.ParseFilterJSON(req.Query.Get("query"))
	if err != nil {
		return query.Query{}, err
	}
	q := query.New()
	if f != nil {
		q = q.Where(f)
	}
	if s := req.Query.Get("sort"); s != "" {
		dec := json.NewDecoder(strings.NewReader(s))
		if _, err := dec.Token(); err != nil {
			return q, err
		}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return q, err
			}
			var dir int
			if err := dec.Decode(&dir); err != nil {
				return q, err
			}
			if dir < 0 {
				q = q.OrderByDescending(tok.(string))
			} else {
				q = q.OrderBy(tok.(string))
			}
		}
	}
	if v := req.Query.Get("skip"); v != "" {
		n, _ := strconv.Atoi(v)
		q = q.Skip(n)
	}
	if v := req.Query.Get("limit"); v != "" {
		n, _ := strconv.Atoi(v)
		q = q.Take(n)
	}
	return q, nil
}

func (b *fakeBackend) reply(start int64, status int, body any) (*network.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(network.RequestStartHeader, strconv.FormatInt(start, 10))
	return &network.Response{StatusCode: status, Header: h, Body: data}, nil
}

func (b *fakeBackend) failure(status int, name, description string) (*network.Response, error) {
	return &network.Response{StatusCode: status, Header: http.Header{}}, &errs.Error{
		Kind:       errs.ErrNetwork,
		Op:         "fake",
		StatusCode: status,
		Err:        &network.ServerError{Name: name, Description: description},
	}
}
