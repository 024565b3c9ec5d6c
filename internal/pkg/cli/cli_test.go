package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/config"
	"tablegate/internal/pkg/store"
	"tablegate/internal/pkg/taskcache"
)

const page = `<html><body><table><tr><th>Flowise</th><th>Question</th></tr><tr><td>Tool</td><td>Use?</td></tr></table></body></html>`

// resetFlags clears flag values left behind by an earlier Execute.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestProcessCommand(t *testing.T) {
	prediction := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"| Tool | Use |\n|---|---|\n| X | Y |"}`))
	}))
	defer prediction.Close()

	dir := t.TempDir()
	t.Setenv("PREDICTION_URL", prediction.URL)
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "cache.db"))
	t.Setenv("LOG_LEVEL", "error")

	input := filepath.Join(dir, "message.html")
	if err := os.WriteFile(input, []byte(page), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	stdout, stderr, err := run(t, "process", "--scope", "S1", input)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(stdout, "data-tg-generated") || !strings.Contains(stdout, "<td>X</td>") {
		t.Errorf("expected rehydrated HTML, got %s", stdout)
	}
	if !strings.Contains(stderr, "applied=1") {
		t.Errorf("expected summary on stderr, got %q", stderr)
	}

	stdout, _, err = run(t, "invalidate", "--scope", "S1")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if !strings.Contains(stdout, "removed 1 record(s)") {
		t.Errorf("expected the processed record to be invalidated, got %q", stdout)
	}

	stdout, _, err = run(t, "sweep", "--max-age", "1h")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(stdout, "removed 0 record(s)") {
		t.Errorf("unexpected sweep output %q", stdout)
	}
}

func TestProcessRequiresScope(t *testing.T) {
	if _, _, err := run(t, "process", "missing.html"); err == nil {
		t.Error("expected an error without --scope")
	}
}

// seedSQLite points the CLI at a fresh sqlite file and writes records into it
// with the given clock.
func seedSQLite(t *testing.T, now func() time.Time, records map[string][2]string) (*config.Config, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	t.Setenv("PREDICTION_URL", "http://127.0.0.1:1")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("LOG_LEVEL", "error")

	cfg := &config.Config{StoreBackend: "sqlite", SQLitePath: path}
	backing, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer backing.Close()
	cache := taskcache.New(backing, taskcache.WithClock(now))
	for sig, scopeAndPayload := range records {
		if _, err := cache.Put(context.Background(), sig, scopeAndPayload[0], scopeAndPayload[1]); err != nil {
			t.Fatalf("seed %s: %v", sig, err)
		}
	}
	return cfg, path
}

func lookup(t *testing.T, cfg *config.Config, sig, scope string) error {
	t.Helper()
	backing, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer backing.Close()
	_, err = taskcache.New(backing).Get(context.Background(), sig, scope)
	return err
}

func TestSweepCommandRemovesOldRecords(t *testing.T) {
	old := func() time.Time { return time.Now().Add(-3 * time.Hour) }
	cfg, _ := seedSQLite(t, old, map[string][2]string{
		"sig:old": {"S1", "stale"},
	})
	young := taskcache.New(mustOpen(t, cfg))
	if _, err := young.Put(context.Background(), "sig:young", "S1", "fresh"); err != nil {
		t.Fatalf("seed young: %v", err)
	}

	stdout, _, err := run(t, "sweep", "--max-age", "1h")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(stdout, "removed 1 record(s)") {
		t.Errorf("expected one record swept, got %q", stdout)
	}
	if err := lookup(t, cfg, "sig:old", "S1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected the old record to be gone, got %v", err)
	}
	if err := lookup(t, cfg, "sig:young", "S1"); err != nil {
		t.Errorf("expected the young record to survive, got %v", err)
	}
}

func TestSweepCommandRejectsNonPositiveMaxAge(t *testing.T) {
	seedSQLite(t, time.Now, nil)
	for _, maxAge := range []string{"0s", "-1h"} {
		_, _, err := run(t, "sweep", "--max-age", maxAge)
		if err == nil || !strings.Contains(err.Error(), "--max-age must be positive") {
			t.Errorf("--max-age %s: expected a validation error, got %v", maxAge, err)
		}
	}
}

func TestInvalidateCommandClearsOneScope(t *testing.T) {
	cfg, _ := seedSQLite(t, time.Now, map[string][2]string{
		"sig:a": {"S1", "one"},
		"sig:b": {"S1", "two"},
		"sig:c": {"S2", "other"},
	})

	stdout, _, err := run(t, "invalidate", "--scope", "S1")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if !strings.Contains(stdout, "removed 2 record(s) from scope S1") {
		t.Errorf("unexpected output %q", stdout)
	}
	if err := lookup(t, cfg, "sig:a", "S1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected S1 records to be gone, got %v", err)
	}
	if err := lookup(t, cfg, "sig:c", "S2"); err != nil {
		t.Errorf("expected S2 to be untouched, got %v", err)
	}
}

func TestInvalidateCommandValidatesScope(t *testing.T) {
	seedSQLite(t, time.Now, nil)
	if _, _, err := run(t, "invalidate"); err == nil {
		t.Error("expected an error without --scope")
	}
	if _, _, err := run(t, "invalidate", "--scope", "bad:scope"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for a scope with ':', got %v", err)
	}
}

func mustOpen(t *testing.T, cfg *config.Config) store.Store {
	t.Helper()
	backing, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { backing.Close() })
	return backing
}
