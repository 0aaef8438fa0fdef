package syncqueue

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/offlinekit/offsync/internal/storage"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func newQueue(t *testing.T, collection string) *SyncQueue {
	t.Helper()
	return New(setupTestDB(t), collection, log.New(&bytes.Buffer{}, "", 0))
}

func TestEnqueue_Collapse(t *testing.T) {
	tests := []struct {
		name         string
		id           string
		existing     Action
		next         Action
		wantInserted int
		want         []Action
	}{
		{"update then update", "e1", Update, Update, 0, []Action{Update}},
		{"create then update", "e1", Create, Update, 0, []Action{Create}},
		{"create then create", "e1", Create, Create, 0, []Action{Create}},
		{"update then create", "e1", Update, Create, 1, []Action{Create}},
		{"delete then create", "e1", Delete, Create, 1, []Action{Create}},
		{"delete then update", "e1", Delete, Update, 1, []Action{Update}},
		{"update then delete", "e1", Update, Delete, 1, []Action{Delete}},
		{"create then delete", "e1", Create, Delete, 1, []Action{Delete}},
		{"temp create then delete", "temp_e1", Create, Delete, 0, nil},
		{"temp update then delete", "temp_e1", Update, Delete, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t, "books")
			ctx := context.Background()

			if n, err := q.Enqueue(ctx, tt.existing, tt.id, State{}); err != nil || n != 1 {
				t.Fatalf("first Enqueue() = %d, %v; want 1", n, err)
			}
			n, err := q.Enqueue(ctx, tt.next, tt.id, State{})
			if err != nil {
				t.Fatalf("second Enqueue() failed: %v", err)
			}
			if n != tt.wantInserted {
				t.Errorf("second Enqueue() = %d, want %d", n, tt.wantInserted)
			}

			all, err := q.GetAll(ctx)
			if err != nil {
				t.Fatalf("GetAll() failed: %v", err)
			}
			var got []Action
			for _, a := range all {
				if a.EntityID != tt.id {
					t.Errorf("EntityID = %q, want %q", a.EntityID, tt.id)
				}
				got = append(got, a.Action)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("queue mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnqueue_TempDeleteWithoutPrior(t *testing.T) {
	q := newQueue(t, "books")
	ctx := context.Background()

	n, err := q.Enqueue(ctx, Delete, "temp_abc", State{})
	if err != nil || n != 0 {
		t.Fatalf("Enqueue() = %d, %v; want 0", n, err)
	}
	if c, _ := q.Count(ctx, false); c != 0 {
		t.Errorf("Count() = %d, want 0", c)
	}
}

func TestEnqueue_Invalid(t *testing.T) {
	q := newQueue(t, "books")
	if _, err := q.Enqueue(context.Background(), Action("PATCH"), "e1", State{}); err == nil {
		t.Error("Enqueue(PATCH) succeeded, want error")
	}
	if _, err := q.Enqueue(context.Background(), Create, "", State{}); err == nil {
		t.Error("Enqueue with empty id succeeded, want error")
	}
}

func TestEnqueue_OneActionPerEntity(t *testing.T) {
	q := newQueue(t, "books")
	ctx := context.Background()

	seq := []Action{Create, Update, Delete, Create, Update, Update, Delete, Update}
	for _, a := range seq {
		if _, err := q.Enqueue(ctx, a, "e1", State{}); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", a, err)
		}
		if n, _ := q.Count(ctx, false); n != 1 {
			t.Fatalf("after %s Count() = %d, want 1", a, n)
		}
	}
	a, _ := q.GetByID(ctx, "e1")
	if a == nil || a.Action != Update {
		t.Errorf("GetByID() = %+v, want UPDATE", a)
	}
}

func TestEnqueue_ConcurrentSameEntity(t *testing.T) {
	q := newQueue(t, "books")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := Update
			if i%2 == 0 {
				action = Create
			}
			if _, err := q.Enqueue(ctx, action, "e1", State{}); err != nil {
				t.Errorf("Enqueue() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n, _ := q.Count(ctx, false); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestStateRoundTrip(t *testing.T) {
	q := newQueue(t, "books")
	ctx := context.Background()

	state := State{Headers: map[string]string{"X-Custom": "1"}}
	if _, err := q.Enqueue(ctx, Create, "e1", state); err != nil {
		t.Fatal(err)
	}
	a, err := q.GetByID(ctx, "e1")
	if err != nil || a == nil {
		t.Fatalf("GetByID() = %v, %v", a, err)
	}
	if diff := cmp.Diff(state, a.State); diff != "" {
		t.Errorf("State mismatch (-want +got):\n%s", diff)
	}
}

func TestPeekPop(t *testing.T) {
	q := newQueue(t, "books")
	ctx := context.Background()

	if a, err := q.Peek(ctx); err != nil || a != nil {
		t.Fatalf("Peek() on empty queue = %v, %v", a, err)
	}
	if a := q.Pop(ctx); a != nil {
		t.Fatalf("Pop() on empty queue = %v", a)
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		if _, err := q.Enqueue(ctx, Create, id, State{}); err != nil {
			t.Fatal(err)
		}
	}

	a, err := q.Peek(ctx)
	if err != nil || a == nil || a.EntityID != "e3" {
		t.Fatalf("Peek() = %+v, %v; want e3", a, err)
	}
	if n, _ := q.Count(ctx, false); n != 3 {
		t.Errorf("Peek() removed an action: Count() = %d", n)
	}

	var popped []string
	for a := q.Pop(ctx); a != nil; a = q.Pop(ctx) {
		popped = append(popped, a.EntityID)
	}
	if diff := cmp.Diff([]string{"e3", "e2", "e1"}, popped); diff != "" {
		t.Errorf("Pop() order mismatch (-want +got):\n%s", diff)
	}
}

func TestPop_FaultIsSwallowed(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	q := New(db, "books", log.New(&buf, "", 0))
	db.Close()

	if a := q.Pop(context.Background()); a != nil {
		t.Errorf("Pop() on closed storage = %+v, want nil", a)
	}
	if !strings.Contains(buf.String(), "failed to pop") {
		t.Errorf("fault was not logged: %q", buf.String())
	}
}

func TestGetFirstN(t *testing.T) {
	q := newQueue(t, "books")
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		action := Create
		if i%2 == 1 {
			action = Update
		}
		if _, err := q.Enqueue(ctx, action, id, State{}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name          string
		limit, offset int
		action        Action
		want          []string
	}{
		{"first two", 2, 0, "", []string{"e1", "e2"}},
		{"offset", 2, 3, "", []string{"e4", "e5"}},
		{"unlimited", -1, 1, "", []string{"e2", "e3", "e4", "e5"}},
		{"by action", 10, 0, Update, []string{"e2", "e4"}},
		{"by action offset", 10, 1, Create, []string{"e3", "e5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.GetFirstN(ctx, tt.limit, tt.offset, tt.action)
			if err != nil {
				t.Fatalf("GetFirstN() failed: %v", err)
			}
			var ids []string
			for _, a := range got {
				ids = append(ids, a.EntityID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("GetFirstN() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCountAndRemove(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	quiet := log.New(&bytes.Buffer{}, "", 0)
	books := New(db, "books", quiet)
	notes := New(db, "notes", quiet)

	for _, id := range []string{"b1", "b2", "b3"} {
		if _, err := books.Enqueue(ctx, Update, id, State{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := notes.Enqueue(ctx, Create, "n1", State{}); err != nil {
		t.Fatal(err)
	}

	if n, _ := books.Count(ctx, false); n != 3 {
		t.Errorf("Count(collection) = %d, want 3", n)
	}
	if n, _ := books.Count(ctx, true); n != 4 {
		t.Errorf("Count(all) = %d, want 4", n)
	}

	b1, _ := books.GetByID(ctx, "b1")
	if n, err := books.Remove(ctx, b1); err != nil || n != 1 {
		t.Fatalf("Remove() = %d, %v; want 1", n, err)
	}
	// Keys of another collection are not touched.
	n1, _ := notes.GetByID(ctx, "n1")
	if n, _ := books.RemoveMany(ctx, []PendingWriteAction{*n1}); n != 0 {
		t.Errorf("RemoveMany() removed %d foreign actions", n)
	}
	if n, _ := books.RemoveByEntityID(ctx, "b2"); n != 1 {
		t.Errorf("RemoveByEntityID() = %d, want 1", n)
	}
	if n, err := books.Remove(ctx, nil); err != nil || n != 1 {
		t.Fatalf("Remove(nil) = %d, %v; want 1", n, err)
	}

	all, err := All(ctx, db)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if len(all) != 1 || all[0].EntityID != "n1" {
		t.Errorf("All() = %+v, want only n1", all)
	}
}
