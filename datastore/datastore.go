// Package datastore is the public entry point for reading and writing a
// collection under a store policy.
//
// The policy is fixed when the DataStore is created:
//
//	Sync     local cache and sync queue only; writes wait for Push
//	Network  backend only; nothing is cached or queued
//	Cache    writes land locally and are queued, then sent right away;
//	         reads hand local results to a callback, then return the
//	         backend's answer and refresh the cache with it
//	Auto     like Cache, except reads fall back to the local cache when
//	         the backend is unreachable instead of calling back first
//
// Push replays the queue; Pull refreshes the cache from the backend, using
// delta-set requests when enabled.
package datastore

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/network"
	"github.com/offlinekit/offsync/offline"
	"github.com/offlinekit/offsync/querycache"
	"github.com/offlinekit/offsync/syncqueue"
)

// Document is a schemaless entity.
type Document = cache.Document

// StoreType selects the read and write policy of a DataStore.
type StoreType int

const (
	Sync StoreType = iota
	Network
	Cache
	Auto
)

// String returns the lower-case policy name.
func (s StoreType) String() string {
	switch s {
	case Sync:
		return "sync"
	case Network:
		return "network"
	case Cache:
		return "cache"
	case Auto:
		return "auto"
	}
	return fmt.Sprintf("StoreType(%d)", int(s))
}

// ParseStoreType parses a policy name as returned by String.
func ParseStoreType(s string) (StoreType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync":
		return Sync, nil
	case "network":
		return Network, nil
	case "cache":
		return Cache, nil
	case "auto":
		return Auto, nil
	}
	return 0, fmt.Errorf("unknown store type %q", s)
}

// Options holds DataStore configuration.
type Options struct {
	StoreType StoreType

	// DeltaSet makes Pull request only what changed since the previous
	// pull of the same query.
	DeltaSet bool

	// PageSize, when positive, makes Pull fetch unpaginated queries in
	// pages of this size.
	PageSize int

	// PushConcurrency bounds the number of actions pushed at once.
	PushConcurrency int

	// Headers are sent with every request and stored with queued writes.
	Headers map[string]string

	// Logger for datastore activity.
	Logger *log.Logger
}

// DefaultOptions returns options for a Cache store.
func DefaultOptions() *Options {
	return &Options{
		StoreType:       Cache,
		PushConcurrency: 4,
		Logger:          log.New(os.Stderr, "[datastore] ", log.LstdFlags),
	}
}

// DataStore reads and writes one collection of T under a store policy.
type DataStore[T cache.Entity] struct {
	collection string
	opts       Options

	cache  *cache.LocalCache[T]
	queue  *syncqueue.SyncQueue
	qc     *querycache.QueryCache
	exec   network.Executor
	logger *log.Logger

	reads  readPolicy[T]
	writes writePolicy[T]

	now func() time.Time
}

// New returns the DataStore for collection. exec may be nil only for a
// Sync store, in which case Push and Pull fail.
func New[T cache.Entity](m *offline.Manager, exec network.Executor, collection string, opts *Options) (*DataStore[T], error) {
	if m == nil {
		return nil, fmt.Errorf("offline manager is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.StoreType != Sync && exec == nil {
		return nil, fmt.Errorf("%s store requires a network executor", o.StoreType)
	}
	if o.PushConcurrency <= 0 {
		o.PushConcurrency = 1
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[datastore] ", log.LstdFlags)
	}

	ds := &DataStore[T]{
		collection: collection,
		opts:       o,
		cache:      offline.CacheFor[T](m, collection),
		queue:      m.SyncQueue(collection),
		qc:         m.QueryCache(),
		exec:       exec,
		logger:     o.Logger,
		now:        time.Now,
	}

	switch o.StoreType {
	case Sync:
		ds.reads, ds.writes = localPolicy[T]{ds}, localPolicy[T]{ds}
	case Network:
		ds.reads, ds.writes = networkPolicy[T]{ds}, networkPolicy[T]{ds}
	case Cache:
		ds.reads, ds.writes = cachePolicy[T]{ds}, cachePolicy[T]{ds}
	case Auto:
		ds.reads, ds.writes = autoPolicy[T]{ds}, cachePolicy[T]{ds}
	default:
		return nil, fmt.Errorf("unknown store type %d", int(o.StoreType))
	}
	return ds, nil
}

// Collection returns the collection name.
func (ds *DataStore[T]) Collection() string {
	return ds.collection
}

// StoreType returns the policy the store was created with.
func (ds *DataStore[T]) StoreType() StoreType {
	return ds.opts.StoreType
}

// Cache returns the local cache backing the store.
func (ds *DataStore[T]) Cache() *cache.LocalCache[T] {
	return ds.cache
}

// Option customizes a single call.
type Option[T cache.Entity] func(*callConfig[T])

type callConfig[T cache.Entity] struct {
	onResults   func([]T, error)
	onEntity    func(T, error)
	onCount     func(int, error)
	onAggregate func([]cache.AggregateResult, error)

	headers  map[string]string
	deltaSet *bool
	pageSize int
}

func (ds *DataStore[T]) config(opts []Option[T]) *callConfig[T] {
	cfg := &callConfig[T]{pageSize: ds.opts.PageSize}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithCacheResults receives the local results of a Cache-policy Find
// before the backend is asked.
func WithCacheResults[T cache.Entity](fn func(results []T, err error)) Option[T] {
	return func(c *callConfig[T]) { c.onResults = fn }
}

// WithCacheEntity receives the local result of a Cache-policy FindByID.
func WithCacheEntity[T cache.Entity](fn func(entity T, err error)) Option[T] {
	return func(c *callConfig[T]) { c.onEntity = fn }
}

// WithCacheCount receives the local result of a Cache-policy Count.
func WithCacheCount[T cache.Entity](fn func(count int, err error)) Option[T] {
	return func(c *callConfig[T]) { c.onCount = fn }
}

// WithCacheAggregate receives the local result of a Cache-policy
// Aggregate.
func WithCacheAggregate[T cache.Entity](fn func(results []cache.AggregateResult, err error)) Option[T] {
	return func(c *callConfig[T]) { c.onAggregate = fn }
}

// WithHeaders adds request headers. For writes they are also stored with
// the queued action and replayed by Push.
func WithHeaders[T cache.Entity](headers map[string]string) Option[T] {
	return func(c *callConfig[T]) { c.headers = headers }
}

// WithDeltaSet overrides Options.DeltaSet for one Pull.
func WithDeltaSet[T cache.Entity](enabled bool) Option[T] {
	return func(c *callConfig[T]) { c.deltaSet = &enabled }
}

// WithPageSize overrides Options.PageSize for one Pull.
func WithPageSize[T cache.Entity](size int) Option[T] {
	return func(c *callConfig[T]) { c.pageSize = size }
}

// requestHeaders merges store and call headers; call headers win.
func (ds *DataStore[T]) requestHeaders(cfg *callConfig[T]) map[string]string {
	if len(ds.opts.Headers) == 0 && len(cfg.headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(ds.opts.Headers)+len(cfg.headers))
	for k, v := range ds.opts.Headers {
		out[k] = v
	}
	for k, v := range cfg.headers {
		out[k] = v
	}
	return out
}

func (ds *DataStore[T]) requireNetwork(op string) error {
	if ds.exec == nil {
		return errs.New(errs.ErrInvalidOperation, op, "no network executor configured")
	}
	return nil
}
