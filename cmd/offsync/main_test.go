package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/offlinekit/offsync/syncqueue"
)

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the CLI in-process and returns its combined output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runContext(context.Background(), t, args...)
}

func runContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfg, logs = nil, nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("offsync %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// workspace isolates the test from config files and env on the host.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	return dir
}

func writeJSONL(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestConfigInit(t *testing.T) {
	dir := workspace(t)
	path := filepath.Join(dir, "conf", "offsync.toml")

	out := mustRun(t, "config", "init", path)
	if !strings.Contains(out, "Wrote "+path) {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	if _, err := run(t, "config", "init", path); err == nil {
		t.Error("config init overwrote an existing file")
	}

	// A broken config still lets config init run.
	writeJSONL(t, filepath.Join(dir, "offsync.toml"), "store_type = \"both\"")
	if _, err := run(t, "status"); err == nil || !strings.Contains(err.Error(), "store_type") {
		t.Errorf("status with a broken config: %v", err)
	}
	if _, err := run(t, "config", "init", filepath.Join(dir, "fresh.toml")); err != nil {
		t.Errorf("config init with a broken config failed: %v", err)
	}
}

func TestStatus_NoDatabase(t *testing.T) {
	workspace(t)
	out := mustRun(t, "status", "--db", "missing.db")
	if !strings.Contains(out, "No offline database") {
		t.Errorf("output = %q", out)
	}
}

func TestLocalWorkflow(t *testing.T) {
	dir := workspace(t)
	db := filepath.Join(dir, "app.db")
	in := filepath.Join(dir, "books.jsonl")
	writeJSONL(t, in,
		`{"_id":"b1","title":"Dune","genre":"scifi"}`,
		`{"_id":"b2","title":"Emma","genre":"classic"}`,
		`{"title":"no id"}`,
	)

	out := mustRun(t, "--db", db, "import", "books", in)
	if !strings.Contains(out, "Imported 2 of 3 entities into books") || !strings.Contains(out, "line 3") {
		t.Errorf("import output = %q", out)
	}

	queued := filepath.Join(dir, "new.jsonl")
	writeJSONL(t, queued, `{"title":"Anathem","genre":"scifi"}`)
	mustRun(t, "--db", db, "import", "books", queued, "--queue")

	out = mustRun(t, "--db", db, "status")
	for _, want := range []string{"books", "3", "1 writes waiting to be pushed", "not configured"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "--db", db, "queue", "list", "books", "-o", "yaml")
	var listed []syncqueue.PendingWriteAction
	if err := yaml.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("queue list yaml: %v\n%s", err, out)
	}
	if len(listed) != 1 || listed[0].Action != syncqueue.Create || !strings.HasPrefix(listed[0].EntityID, "temp_") {
		t.Errorf("queue list = %+v", listed)
	}

	out = mustRun(t, "--db", db, "queue", "list", "-o", "json")
	var asJSON []syncqueue.PendingWriteAction
	if err := json.Unmarshal([]byte(out), &asJSON); err != nil || len(asJSON) != 1 {
		t.Errorf("queue list json = %v, %v", asJSON, err)
	}
	if _, err := run(t, "--db", db, "queue", "list", "-o", "xml"); err == nil {
		t.Error("queue list accepted an unknown format")
	}

	exported := filepath.Join(dir, "out", "scifi.jsonl")
	out = mustRun(t, "--db", db, "export", "books", exported, "--query", `{"genre":"scifi"}`)
	if !strings.Contains(out, "Exported 2 entities") {
		t.Errorf("export output = %q", out)
	}

	out = mustRun(t, "--db", db, "queue", "purge", "books")
	if !strings.Contains(out, "Purged 1 pending writes") {
		t.Errorf("purge output = %q", out)
	}

	if _, err := run(t, "--db", db, "reset"); err == nil {
		t.Error("reset ran without --yes")
	}
	out = mustRun(t, "--db", db, "reset", "books", "--yes")
	if !strings.Contains(out, "Cleared 3 entities from books") {
		t.Errorf("reset output = %q", out)
	}
	mustRun(t, "--db", db, "reset", "--yes")
}

func TestPushPullRequireBackend(t *testing.T) {
	dir := workspace(t)
	db := filepath.Join(dir, "app.db")
	for _, args := range [][]string{{"push", "books"}, {"pull", "books"}, {"sync", "books"}} {
		_, err := run(t, append([]string{"--db", db}, args...)...)
		if err == nil || !strings.Contains(err.Error(), "no backend configured") {
			t.Errorf("%v error = %v", args, err)
		}
	}
}

// appdata is a minimal backend for one collection.
type appdata struct {
	mu     sync.Mutex
	docs   map[string]map[string]any
	nextID int
}

func (a *appdata) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.docs)
}

func (a *appdata) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/appdata/kid_test/books":
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, `{"error":"BadRequest"}`, http.StatusBadRequest)
			return
		}
		a.nextID++
		doc["_id"] = fmt.Sprintf("srv-%d", a.nextID)
		a.docs[doc["_id"].(string)] = doc
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(doc)

	case r.Method == http.MethodGet && r.URL.Path == "/appdata/kid_test/books":
		out := make([]map[string]any, 0, len(a.docs))
		for _, d := range a.docs {
			out = append(out, d)
		}
		_ = json.NewEncoder(w).Encode(out)

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"EntityNotFound"}`))
	}
}

func TestPushPull(t *testing.T) {
	dir := workspace(t)
	backend := &appdata{docs: map[string]map[string]any{
		"remote-1": {"_id": "remote-1", "title": "Emma"},
	}}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	conf := filepath.Join(dir, "offsync.toml")
	writeJSONL(t, conf,
		fmt.Sprintf("base_url = %q", srv.URL),
		`app_key = "kid_test"`,
		`db_path = "app.db"`,
	)

	in := filepath.Join(dir, "new.jsonl")
	writeJSONL(t, in, `{"title":"Dune"}`, `{"title":"Anathem"}`)
	mustRun(t, "import", "books", in, "--queue")

	if _, err := run(t, "pull", "books"); err == nil || !strings.Contains(err.Error(), "pending") {
		t.Errorf("pull over pending writes: %v", err)
	}

	out := mustRun(t, "push", "books")
	if !strings.Contains(out, "Pushed 2 writes to books") {
		t.Errorf("push output = %q", out)
	}
	if n := backend.size(); n != 3 {
		t.Errorf("backend has %d docs, want 3", n)
	}

	out = mustRun(t, "pull", "books", "--verbose")
	if !strings.Contains(out, "Pulled 3 entities into books") {
		t.Errorf("pull output = %q", out)
	}
	if !strings.Contains(out, "[network] ") || !strings.Contains(out, "GET /appdata/kid_test/books -> 200") {
		t.Errorf("verbose pull did not log requests:\n%s", out)
	}

	out = mustRun(t, "queue", "list")
	if !strings.Contains(out, "No pending writes") {
		t.Errorf("queue after push = %q", out)
	}

	out = mustRun(t, "sync", "books")
	if !strings.Contains(out, "Pushed 0 writes") || !strings.Contains(out, "Pulled 3 entities") {
		t.Errorf("sync output = %q", out)
	}
}

func TestWatch_InitialRoundPushes(t *testing.T) {
	dir := workspace(t)
	backend := &appdata{docs: map[string]map[string]any{}}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	writeJSONL(t, filepath.Join(dir, "offsync.toml"),
		fmt.Sprintf("base_url = %q", srv.URL),
		`app_key = "kid_test"`,
		`db_path = "app.db"`,
	)
	in := filepath.Join(dir, "new.jsonl")
	writeJSONL(t, in, `{"title":"Dune"}`)
	mustRun(t, "import", "books", in, "--queue")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	out, err := runContext(ctx, t, "watch", "books", "--interval", "0", "--dashboard", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("watch failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Watcher stopped") || !strings.Contains(out, "Dashboard: http://127.0.0.1:") {
		t.Errorf("watch output = %q", out)
	}
	if n := backend.size(); n != 1 {
		t.Errorf("backend has %d docs, want the queued write pushed", n)
	}
	out = mustRun(t, "queue", "list")
	if !strings.Contains(out, "No pending writes") {
		t.Errorf("queue after watch = %q", out)
	}
}

func TestBench(t *testing.T) {
	dir := workspace(t)
	db := filepath.Join(dir, "app.db")

	out := mustRun(t, "--db", db, "bench", "--entities", "50", "--workers", "4", "--ops", "10", "--json")
	var rep struct {
		Operations int  `json:"operations"`
		Errors     int  `json:"errors"`
		Consistent bool `json:"consistent"`
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("bench json: %v\n%s", err, out)
	}
	if rep.Operations != 40 || rep.Errors != 0 || !rep.Consistent {
		t.Errorf("bench report = %+v", rep)
	}
	if _, err := os.Stat(db); !os.IsNotExist(err) {
		t.Error("bench touched the configured database")
	}

	if _, err := run(t, "bench", "--entities", "1", "--writes", "2"); err == nil {
		t.Error("bench accepted a write share above 1")
	}
}
