// Package offline owns the storage file of one environment and hands out
// the caches, sync queues and query cache that share it.
package offline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/internal/storage"
	"github.com/offlinekit/offsync/query"
	"github.com/offlinekit/offsync/querycache"
	"github.com/offlinekit/offsync/syncqueue"
)

// Config holds Manager configuration.
type Config struct {
	// Path of the storage file, or storage.MemoryPath.
	Path string

	// Logger for queue and manager activity.
	Logger *log.Logger
}

// DefaultConfig returns a configuration storing to path and logging to
// stderr.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:   path,
		Logger: log.New(os.Stderr, "[offline] ", log.LstdFlags),
	}
}

// Manager is the entry point to local storage.
type Manager struct {
	db     *storage.DB
	logger *log.Logger
	qc     *querycache.QueryCache

	mu     sync.Mutex
	queues map[string]*syncqueue.SyncQueue
}

// Open opens the storage file at path with the default configuration.
func Open(path string) (*Manager, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig opens storage per config and initializes its schema.
func OpenWithConfig(config *Config) (*Manager, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[offline] ", log.LstdFlags)
	}

	db, err := storage.Open(config.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Manager{
		db:     db,
		logger: logger,
		qc:     querycache.New(db),
		queues: make(map[string]*syncqueue.SyncQueue),
	}, nil
}

// CacheFor returns the local cache of collection, typed as T.
func CacheFor[T cache.Entity](m *Manager, collection string) *cache.LocalCache[T] {
	return cache.New[T](m.db, collection)
}

// SyncQueue returns the sync queue of collection.
func (m *Manager) SyncQueue(collection string) *syncqueue.SyncQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[collection]
	if !ok {
		q = syncqueue.New(m.db, collection, m.logger)
		m.queues[collection] = q
	}
	return q
}

// QueryCache returns the query cache shared by every collection.
func (m *Manager) QueryCache() *querycache.QueryCache {
	return m.qc
}

// DB returns the underlying storage.
func (m *Manager) DB() *storage.DB {
	return m.db
}

// Collections lists every collection with a local table.
func (m *Manager) Collections(ctx context.Context) ([]string, error) {
	return m.db.Collections(ctx)
}

// CollectionStats counts what one collection holds locally.
type CollectionStats struct {
	Collection string `json:"collection"`
	Cached     int    `json:"cached"`
	Pending    int    `json:"pending"`
}

// Stats returns the cached and pending counts of every collection.
func (m *Manager) Stats(ctx context.Context) ([]CollectionStats, error) {
	collections, err := m.Collections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CollectionStats, 0, len(collections))
	for _, c := range collections {
		cached, err := CacheFor[cache.Document](m, c).Count(ctx, query.New())
		if err != nil {
			return nil, err
		}
		pending, err := m.SyncQueue(c).Count(ctx, false)
		if err != nil {
			return nil, err
		}
		out = append(out, CollectionStats{Collection: c, Cached: cached, Pending: pending})
	}
	return out, nil
}

// PendingActions returns the queued writes of every collection in enqueue
// order.
func (m *Manager) PendingActions(ctx context.Context) ([]syncqueue.PendingWriteAction, error) {
	return syncqueue.All(ctx, m.db)
}

// ClearCollection removes every cached entity, pending write and recorded
// pull of collection. It returns the number of entities removed.
func (m *Manager) ClearCollection(ctx context.Context, collection string) (int, error) {
	n, err := CacheFor[cache.Document](m, collection).Clear(ctx, query.New())
	if err != nil {
		return 0, err
	}
	if _, err := m.SyncQueue(collection).RemoveAll(ctx); err != nil {
		return n, err
	}
	if err := m.qc.DeleteCollection(ctx, collection); err != nil {
		return n, err
	}
	m.logger.Printf("Cleared collection %s (%d entities)", collection, n)
	return n, nil
}

// Reset drops every collection table, the sync queue and the query cache.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.db.Reset(ctx); err != nil {
		return err
	}
	m.logger.Printf("Reset storage %s", m.db.Path())
	return nil
}

// Close closes the storage file.
func (m *Manager) Close() error {
	return m.db.Close()
}
