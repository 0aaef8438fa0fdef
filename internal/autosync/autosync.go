// Package autosync keeps collections in sync from outside the app.
//
// A Daemon watches the offline database file. When the app writes to it
// (an offline save lands in the sync queue), the daemon waits for writes to
// settle and pushes whatever is pending. On a fixed interval it also runs a
// full round: push, then refresh each collection whose push went through.
//
// The datastore never schedules work on its own; the daemon is the host
// doing it.
package autosync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/offlinekit/offsync/datastore"
)

// Store is the part of a DataStore the daemon drives.
type Store interface {
	Collection() string
	PendingCount(ctx context.Context) (int, error)
	Push(ctx context.Context) (*datastore.PushResponse, error)
}

// Target is one collection kept in sync.
type Target struct {
	Store Store

	// Refresh, when set, runs on every interval round after a push with
	// no failures, typically a Pull.
	Refresh func(ctx context.Context) error
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between full rounds. Zero disables them; the daemon then
	// only reacts to database writes.
	Interval time.Duration

	// DebounceInterval is how long the database must stay quiet before
	// a change-triggered push.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger

	// OnRound, when set, is called after every background round.
	OnRound func(rep *Report)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[autosync] ", log.LstdFlags),
	}
}

// Report summarizes one round.
type Report struct {
	Pushed    int
	Failed    int
	Refreshed int
	Errors    []error
}

// Daemon pushes and refreshes collections in the background.
type Daemon struct {
	dbPath  string
	targets []Target
	config  *Config

	watcher *fsnotify.Watcher

	changedMu sync.Mutex
	changedAt time.Time // zero when nothing is waiting

	runMu sync.Mutex // one round at a time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon watching the database at dbPath.
func New(dbPath string, targets []Target, config *Config) (*Daemon, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	for i, t := range targets {
		if t.Store == nil {
			return nil, fmt.Errorf("target %d has no store", i)
		}
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[autosync] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		dbPath:  abs,
		targets: targets,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs an initial round, then watches and syncs until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// The directory is watched because SQLite writes land in the -wal
	// and -journal siblings as often as in the database file itself.
	if err := d.watcher.Add(filepath.Dir(d.dbPath)); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.dbPath)

	d.report(d.RunOnce(ctx))

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChanges()
	if d.config.Interval > 0 {
		d.wg.Add(1)
		go d.runPeriodically()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for a round in progress.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// RunOnce pushes every target with pending writes and refreshes the
// targets whose push had no failures.
func (d *Daemon) RunOnce(ctx context.Context) *Report {
	return d.round(ctx, true)
}

// PushPending pushes every target with pending writes.
func (d *Daemon) PushPending(ctx context.Context) *Report {
	return d.round(ctx, false)
}

func (d *Daemon) round(ctx context.Context, refresh bool) *Report {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	rep := &Report{}
	for _, t := range d.targets {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err())
			return rep
		}
		name := t.Store.Collection()

		clean := true
		pending, err := t.Store.PendingCount(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if pending > 0 {
			resp, err := t.Store.Push(ctx)
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("%s: %w", name, err))
				continue
			}
			rep.Pushed += resp.Count
			rep.Failed += len(resp.Errors)
			clean = len(resp.Errors) == 0
		}

		if refresh && clean && t.Refresh != nil {
			if err := t.Refresh(ctx); err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("%s: refresh: %w", name, err))
				continue
			}
			rep.Refreshed++
		}
	}
	return rep
}

func (d *Daemon) report(rep *Report) {
	if d.config.OnRound != nil {
		d.config.OnRound(rep)
	}
	if rep.Pushed > 0 || rep.Failed > 0 || rep.Refreshed > 0 {
		d.config.Logger.Printf("Round complete: pushed=%d failed=%d refreshed=%d", rep.Pushed, rep.Failed, rep.Refreshed)
	}
	for _, err := range rep.Errors {
		d.config.Logger.Printf("Warning: %v", err)
	}
}

// isDatabaseFile reports whether name is the database or one of the
// files SQLite keeps next to it.
func (d *Daemon) isDatabaseFile(name string) bool {
	switch name {
	case d.dbPath, d.dbPath + "-wal", d.dbPath + "-journal":
		return true
	}
	return false
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !d.isDatabaseFile(event.Name) {
				continue
			}
			d.markChanged()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) markChanged() {
	d.changedMu.Lock()
	defer d.changedMu.Unlock()
	d.changedAt = time.Now()
}

// settled returns true and clears the mark once the last change is older
// than the debounce interval.
func (d *Daemon) settled(now time.Time) bool {
	d.changedMu.Lock()
	defer d.changedMu.Unlock()
	if d.changedAt.IsZero() || now.Sub(d.changedAt) < d.config.DebounceInterval {
		return false
	}
	d.changedAt = time.Time{}
	return true
}

func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			if d.settled(now) {
				d.report(d.PushPending(d.ctx))
			}
		}
	}
}

func (d *Daemon) runPeriodically() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.report(d.RunOnce(d.ctx))
		}
	}
}
