package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/offlinekit/offsync/datastore"
)

// isolate keeps Load away from config files on the host.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := &Config{
		BaseURL:         defaultBaseURL,
		DBPath:          defaultDBPath,
		Timeout:         defaultTimeout,
		StoreType:       defaultStoreType,
		PushConcurrency: defaultPushConcurrency,
		Log: LogConfig{
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if cfg.Online() {
		t.Error("Online() = true without an app key")
	}
}

func TestLoad_FileInWorkingDirectory(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, FileName), `
app_key = "kid_123"
store_type = "sync"
timeout = "5s"
delta_set = true

[log]
file = "offsync.log"
verbose = true
`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AppKey != "kid_123" || cfg.StoreType != "sync" || !cfg.DeltaSet {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %s, want 5s", cfg.Timeout)
	}
	if cfg.Log.File != "offsync.log" || !cfg.Log.Verbose {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.PushConcurrency != defaultPushConcurrency {
		t.Errorf("unset key lost its default: push_concurrency = %d", cfg.PushConcurrency)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	writeFile(t, path, `
app_key = "from_file"
page_size = 50
`)
	t.Setenv("OFFSYNC_APP_KEY", "from_env")
	t.Setenv("OFFSYNC_LOG_MAX_BACKUPS", "9")
	t.Setenv("OFFSYNC_TIMEOUT", "1m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AppKey != "from_env" {
		t.Errorf("AppKey = %q, want from_env", cfg.AppKey)
	}
	if cfg.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", cfg.PageSize)
	}
	if cfg.Log.MaxBackups != 9 {
		t.Errorf("Log.MaxBackups = %d, want 9", cfg.Log.MaxBackups)
	}
	if cfg.Timeout != time.Minute {
		t.Errorf("Timeout = %s, want 1m", cfg.Timeout)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := isolate(t)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad store type", `store_type = "both"`, "store_type"},
		{"zero concurrency", `push_concurrency = 0`, "push_concurrency"},
		{"negative page size", `page_size = -1`, "page_size"},
		{"empty db path", `db_path = ""`, "db_path"},
		{"malformed", `app_key = `, "failed to read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".toml")
			writeFile(t, path, tt.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("Load() of a missing explicit file succeeded")
	}
}

func TestWriteDefault(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", FileName)

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault() overwrote an existing file")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of the default file failed: %v", err)
	}
	defaults, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(defaults, cfg); diff != "" {
		t.Errorf("default file differs from built-in defaults (-want +got):\n%s", diff)
	}
}

func TestDataStoreOptions(t *testing.T) {
	cfg := &Config{StoreType: "auto", PushConcurrency: 2, DeltaSet: true, PageSize: 100}
	opts := cfg.DataStoreOptions(nil)
	if opts.StoreType != datastore.Auto || opts.PushConcurrency != 2 || !opts.DeltaSet || opts.PageSize != 100 {
		t.Errorf("DataStoreOptions() = %+v", opts)
	}

	cfg = &Config{BaseURL: "http://localhost", AppKey: "kid", Authorization: "Basic abc", Timeout: time.Second}
	nc := cfg.NetworkConfig(nil)
	if nc.BaseURL != cfg.BaseURL || nc.AppKey != "kid" || nc.Authorization != "Basic abc" || nc.Timeout != time.Second {
		t.Errorf("NetworkConfig() = %+v", nc)
	}
	if !cfg.Online() {
		t.Error("Online() = false with base url and app key")
	}
}
