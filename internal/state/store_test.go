package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logx "xrelay/pkg/logx"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestOpenMissingFileDefaults(t *testing.T) {
	s, _ := openTemp(t)
	rec := s.Snapshot()
	if rec.SourceAccountID != nil || rec.LastPostID != nil || rec.Ready() {
		t.Fatalf("expected empty record, got %+v", rec)
	}
	if !s.IsNew("1") {
		t.Fatal("any id is new when cursor is unset")
	}
}

func TestOpenMalformedFileDefaults(t *testing.T) {
	for _, content := range []string{"{not json", "", "[1,2]"} {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		s, err := Open(path, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", content, err)
		}
		if s.Snapshot().Ready() {
			t.Fatalf("expected defaults for %q", content)
		}
	}
}

func TestCommitPersistsAndSuppresses(t *testing.T) {
	s, path := openTemp(t)
	if err := s.SetSource("42", "acct"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDestination("chan1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit("99"); err != nil {
		t.Fatal(err)
	}
	if s.IsNew("99") {
		t.Fatal("committed id must not be new")
	}
	if !s.IsNew("100") {
		t.Fatal("different id must be new")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"source_account_id":     "42",
		"source_account_handle": "acct",
		"destination_channel":   "chan1",
		"last_post_id":          "99",
	}
	for k, v := range want {
		if raw[k] != v {
			t.Fatalf("%s = %v, want %v", k, raw[k], v)
		}
	}

	// Reopen: cursor survives restart.
	s2, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s2.IsNew("99") || s2.Snapshot().Handle() != "acct" {
		t.Fatalf("reopened record = %+v", s2.Snapshot())
	}
}

func TestClearCursor(t *testing.T) {
	s, _ := openTemp(t)
	_ = s.Commit("5")
	if err := s.ClearCursor(); err != nil {
		t.Fatal(err)
	}
	if !s.IsNew("5") || s.Snapshot().LastPostID != nil {
		t.Fatal("cursor should be cleared")
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s, path := openTemp(t)
	for i := 0; i < 5; i++ {
		_ = s.Commit(strings.Repeat("9", i+1))
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.json" {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected files: %v", names)
	}
}

func TestConcurrentMutations(t *testing.T) {
	s, path := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.Commit("id")
			} else {
				_ = s.SetDestination("chan")
			}
		}(i)
	}
	wg.Wait()
	s2, _ := Open(path, logx.Nop())
	rec := s2.Snapshot()
	if rec.Cursor() != "id" || rec.Destination() != "chan" {
		t.Fatalf("record after concurrent writes = %+v", rec)
	}
}

func TestWatchPicksUpExternalEdit(t *testing.T) {
	s, path := openTemp(t)
	_ = s.Commit("99")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan Record, 1)
	go func() { _ = s.Watch(ctx, func(r Record) { changed <- r }) }()

	// Give the watcher a moment to register.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"last_post_id": null, "destination_channel": "edited"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case rec := <-changed:
		if rec.Destination() != "edited" || rec.LastPostID != nil {
			t.Fatalf("reloaded record = %+v", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload external edit")
	}
	if !s.IsNew("99") {
		t.Fatal("cursor should be cleared after external edit")
	}
}
