package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "postbot/pkg/logx"
)

func TestFileSeenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "news.seen")
	ctx := context.Background()
	now := time.Now()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if has, _ := st.Has(ctx, "a"); has {
		t.Fatalf("empty store reports id as seen")
	}
	if err := st.Add(ctx, "a", now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.Add(ctx, "a", now); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if has, _ := st.Has(ctx, "a"); !has {
		t.Fatalf("added id not found")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Re-open and verify the journal survived.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if has, _ := st2.Has(ctx, "a"); !has {
		t.Fatalf("id lost across reopen")
	}
}

func TestFileSeenPrune(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "x.seen")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	_ = st.Add(ctx, "old", now.Add(-48*time.Hour))
	_ = st.Add(ctx, "new", now)

	dropped, err := st.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("dropped %d, want 1", dropped)
	}
	if has, _ := st.Has(ctx, "old"); has {
		t.Fatalf("old id survived prune")
	}
	if has, _ := st.Has(ctx, "new"); !has {
		t.Fatalf("new id pruned")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	type doc struct {
		Cursor int      `json:"cursor"`
		Names  []string `json:"names"`
	}
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	var missing doc
	found, err := LoadState(path, &missing)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if found {
		t.Fatalf("missing file reported as found")
	}

	in := doc{Cursor: 3, Names: []string{"a", "b"}}
	if err := SaveState(path, &in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out doc
	found, err = LoadState(path, &out)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if out.Cursor != 3 || len(out.Names) != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
