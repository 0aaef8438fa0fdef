package cache

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/offlinekit/offsync/errs"
	"github.com/offlinekit/offsync/query"
)

func TestInTx_PutRenameDelete(t *testing.T) {
	c := New[*book](setupTestDB(t), "books")
	ctx := context.Background()
	seed(t, c)

	err := c.InTx(ctx, func(_ *sql.Tx, v *Tx[*book]) error {
		if err := v.Put(ctx, &book{ID: "temp_1", Title: "draft"}, ""); err != nil {
			return err
		}
		if ok, err := v.Exists(ctx, "temp_1"); err != nil || !ok {
			t.Errorf("Exists(temp_1) = %v, %v", ok, err)
		}
		if err := v.Rename(ctx, "temp_1", "srv-1"); err != nil {
			return err
		}
		if err := v.Put(ctx, &book{ID: "b9", Title: "moved"}, "b1"); err != nil {
			return err
		}
		n, err := v.Delete(ctx, "b2")
		if n != 1 {
			t.Errorf("Delete(b2) = %d, want 1", n)
		}
		return err
	})
	if err != nil {
		t.Fatalf("InTx() failed: %v", err)
	}

	all, _ := c.FindAll(ctx)
	ids := bookIDs(all)
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"b3", "b4", "b5", "b9", "srv-1"}, ids); diff != "" {
		t.Errorf("cached ids mismatch (-want +got):\n%s", diff)
	}
	got, err := c.FindByID(ctx, "srv-1")
	if err != nil || got.Title != "draft" || got.ID != "srv-1" {
		t.Errorf("FindByID(srv-1) = %+v, %v", got, err)
	}
}

func TestInTx_RollsBack(t *testing.T) {
	c := New[*book](setupTestDB(t), "books")
	ctx := context.Background()
	boom := errors.New("boom")

	err := c.InTx(ctx, func(_ *sql.Tx, v *Tx[*book]) error {
		if err := v.Put(ctx, &book{ID: "b1"}, ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) || !errors.Is(err, errs.ErrCacheWrite) {
		t.Errorf("InTx() error = %v, want boom as ErrCacheWrite", err)
	}
	if n, _ := c.Count(ctx, query.New()); n != 0 {
		t.Errorf("Count() = %d after rollback, want 0", n)
	}
}

func TestTx_RenameMissing(t *testing.T) {
	c := New[*book](setupTestDB(t), "books")
	ctx := context.Background()

	err := c.InTx(ctx, func(_ *sql.Tx, v *Tx[*book]) error {
		return v.Rename(ctx, "temp_gone", "srv-1")
	})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Rename() error = %v, want ErrNotFound", err)
	}
}
