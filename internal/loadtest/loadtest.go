// Package loadtest drives a Sync datastore from many goroutines at once.
//
// It seeds a collection with generated documents, then runs workers that
// mix filtered reads with rewrites of existing documents, recording the
// latency of each call. Afterwards Verify checks that the local cache and
// the sync queue still agree: every document cached exactly once and
// exactly one pending write per document, however many times it was saved.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/datastore"
	"github.com/offlinekit/offsync/query"
)

// Genres spread the seeded documents across a few filter values.
var Genres = []string{"scifi", "classic", "fantasy", "poetry"}

// Dataset is a seeded collection ready to be loaded.
type Dataset struct {
	Store *datastore.DataStore[cache.Document]
	IDs   []string
}

// Workload describes one run.
type Workload struct {
	Workers      int
	OpsPerWorker int

	// WriteRatio is the share of operations that save instead of read,
	// between 0 and 1.
	WriteRatio float64
}

// LatencyStats captures performance metrics for one kind of operation.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result is the outcome of Run.
type Result struct {
	Reads   *LatencyStats
	Writes  *LatencyStats
	Errors  int
	Elapsed time.Duration
}

// Seed saves n generated documents through the store. On a Sync store each
// one gets a temporary id and a pending create.
func Seed(ctx context.Context, ds *datastore.DataStore[cache.Document], n int) (*Dataset, error) {
	if ds == nil {
		return nil, fmt.Errorf("datastore is required")
	}
	if ds.StoreType() != datastore.Sync {
		return nil, fmt.Errorf("load tests run against a Sync store, got %s", ds.StoreType())
	}

	d := &Dataset{Store: ds, IDs: make([]string, 0, n)}
	for i := 0; i < n; i++ {
		saved, err := ds.Save(ctx, document("", i, 0))
		if err != nil {
			return nil, fmt.Errorf("failed to seed document %d: %w", i, err)
		}
		d.IDs = append(d.IDs, saved.EntityID())
	}
	return d, nil
}

func document(id string, i, revision int) cache.Document {
	doc := cache.Document{
		"title":    fmt.Sprintf("Book %05d", i),
		"genre":    Genres[i%len(Genres)],
		"rank":     i,
		"revision": revision,
	}
	if id != "" {
		doc["_id"] = id
	}
	return doc
}

// Run executes the workload and aggregates the latencies. Failed calls are
// counted, not fatal; the run stops early only when ctx is done.
func (d *Dataset) Run(ctx context.Context, w Workload) (*Result, error) {
	if w.Workers <= 0 || w.OpsPerWorker <= 0 {
		return nil, fmt.Errorf("workers and operations per worker must be positive")
	}
	if w.WriteRatio < 0 || w.WriteRatio > 1 {
		return nil, fmt.Errorf("write ratio must be between 0 and 1, got %v", w.WriteRatio)
	}
	if len(d.IDs) == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	var (
		mu     sync.Mutex
		reads  []time.Duration
		writes []time.Duration
		errors int
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for worker := 0; worker < w.Workers; worker++ {
		g.Go(func() error {
			// Deterministic per worker so runs are comparable.
			rng := rand.New(rand.NewSource(int64(worker) + 42))
			var r, wr []time.Duration
			failed := 0

			for op := 0; op < w.OpsPerWorker; op++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				begin := time.Now()
				var err error
				if rng.Float64() < w.WriteRatio {
					i := rng.Intn(len(d.IDs))
					_, err = d.Store.Save(gctx, document(d.IDs[i], i, op+1))
					wr = append(wr, time.Since(begin))
				} else {
					q := query.New().
						Where(query.Eq("genre", Genres[rng.Intn(len(Genres))])).
						OrderBy("rank").
						Take(20)
					_, err = d.Store.Find(gctx, q)
					r = append(r, time.Since(begin))
				}
				if err != nil {
					failed++
				}
			}

			mu.Lock()
			reads = append(reads, r...)
			writes = append(writes, wr...)
			errors += failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Result{
		Reads:   computeLatencyStats(reads),
		Writes:  computeLatencyStats(writes),
		Errors:  errors,
		Elapsed: time.Since(start),
	}, nil
}

// Verify checks that the cache holds every seeded document once and the
// sync queue holds exactly one pending write for each.
func (d *Dataset) Verify(ctx context.Context) error {
	cached, err := d.Store.Count(ctx, query.New())
	if err != nil {
		return fmt.Errorf("failed to count cached documents: %w", err)
	}
	if cached != len(d.IDs) {
		return fmt.Errorf("cache holds %d documents, want %d", cached, len(d.IDs))
	}
	pending, err := d.Store.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending writes: %w", err)
	}
	if pending != len(d.IDs) {
		return fmt.Errorf("sync queue holds %d pending writes, want %d", pending, len(d.IDs))
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes the statistics under a heading.
func (s *LatencyStats) Print(w io.Writer, heading string) {
	fmt.Fprintf(w, "%s:\n", heading)
	if s.Count == 0 {
		fmt.Fprintf(w, "  (none)\n")
		return
	}
	fmt.Fprintf(w, "  Operations:    %d\n", s.Count)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
