package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "clubwatch/pkg/logx"
)

func openTestFileStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path, Retention: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st == nil {
		t.Fatalf("expected a store, got nil")
	}
	return st
}

func TestFileStoreMarkAndDedup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.db")
	st := openTestFileStore(t, path)
	defer st.Close()

	ctx := context.Background()
	now := time.Now()

	seen, err := st.HasProcessed(ctx, "1000")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if seen {
		t.Fatalf("fresh store should not know id 1000")
	}

	if err := st.MarkProcessed(ctx, "1000", now); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	// Marking twice must be a no-op, not an error.
	if err := st.MarkProcessed(ctx, "1000", now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkProcessed repeat: %v", err)
	}

	seen, err = st.HasProcessed(ctx, "1000")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if !seen {
		t.Fatalf("id 1000 should dedup after MarkProcessed")
	}
}

func TestFileStoreResumeSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.db")
	st := openTestFileStore(t, path)

	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"1000", "1002", "1001"} {
		if err := st.MarkProcessed(ctx, id, now); err != nil {
			t.Fatalf("MarkProcessed(%s): %v", id, err)
		}
	}

	wm, err := st.ResumePoint(ctx)
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if wm != "1002" {
		t.Fatalf("watermark should track the highest id, got %q", wm)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A new process must pick up both dedup state and the watermark.
	st2 := openTestFileStore(t, path)
	defer st2.Close()

	wm, err = st2.ResumePoint(ctx)
	if err != nil {
		t.Fatalf("ResumePoint after reopen: %v", err)
	}
	if wm != "1002" {
		t.Fatalf("watermark lost across reopen, got %q", wm)
	}
	seen, err := st2.HasProcessed(ctx, "1001")
	if err != nil {
		t.Fatalf("HasProcessed after reopen: %v", err)
	}
	if !seen {
		t.Fatalf("dedup state lost across reopen")
	}
}

func TestFileStoreRetentionExpires(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.db")
	st := openTestFileStore(t, path)
	defer st.Close()

	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	if err := st.MarkProcessed(ctx, "old-event", old); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	seen, err := st.HasProcessed(ctx, "old-event")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if seen {
		t.Fatalf("entries past retention must not dedup")
	}

	if err := st.GC(ctx); err != nil {
		t.Fatalf("GC: %v", err)
	}
	// Watermark survives GC even when the entry is gone.
	wm, err := st.ResumePoint(ctx)
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if wm != "old-event" {
		t.Fatalf("GC must not touch the watermark, got %q", wm)
	}
}

func openTestSQLiteStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: path, Retention: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if st == nil {
		t.Fatalf("expected a store, got nil")
	}
	return st
}

func TestSQLiteStoreMarkAndDedup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.db")
	st := openTestSQLiteStore(t, path)
	defer st.Close()

	ctx := context.Background()
	now := time.Now()

	seen, err := st.HasProcessed(ctx, "1000")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if seen {
		t.Fatalf("fresh store should not know id 1000")
	}

	if err := st.MarkProcessed(ctx, "1000", now); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	// The conflict clause keeps the first processedAt; a replayed mark is
	// a no-op, not an error.
	if err := st.MarkProcessed(ctx, "1000", now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkProcessed repeat: %v", err)
	}

	seen, err = st.HasProcessed(ctx, "1000")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if !seen {
		t.Fatalf("id 1000 should dedup after MarkProcessed")
	}
}

func TestSQLiteStoreResumeSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.db")
	st := openTestSQLiteStore(t, path)

	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"1000", "1002", "1001"} {
		if err := st.MarkProcessed(ctx, id, now); err != nil {
			t.Fatalf("MarkProcessed(%s): %v", id, err)
		}
	}

	wm, err := st.ResumePoint(ctx)
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if wm != "1002" {
		t.Fatalf("watermark should track the highest id, got %q", wm)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestSQLiteStore(t, path)
	defer st2.Close()

	wm, err = st2.ResumePoint(ctx)
	if err != nil {
		t.Fatalf("ResumePoint after reopen: %v", err)
	}
	if wm != "1002" {
		t.Fatalf("watermark lost across reopen, got %q", wm)
	}
	seen, err := st2.HasProcessed(ctx, "1001")
	if err != nil {
		t.Fatalf("HasProcessed after reopen: %v", err)
	}
	if !seen {
		t.Fatalf("dedup state lost across reopen")
	}
}

func TestSQLiteStoreRetentionExpires(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.db")
	st := openTestSQLiteStore(t, path)
	defer st.Close()

	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	if err := st.MarkProcessed(ctx, "old-event", old); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	seen, err := st.HasProcessed(ctx, "old-event")
	if err != nil {
		t.Fatalf("HasProcessed: %v", err)
	}
	if seen {
		t.Fatalf("entries past retention must not dedup")
	}

	if err := st.GC(ctx); err != nil {
		t.Fatalf("GC: %v", err)
	}
	// GC deletes only from processed; the watermark table is untouched.
	wm, err := st.ResumePoint(ctx)
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if wm != "old-event" {
		t.Fatalf("GC must not touch the watermark, got %q", wm)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	st := NewMemory(time.Hour)
	ctx := context.Background()

	if err := st.MarkProcessed(ctx, "42", time.Now()); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	seen, err := st.HasProcessed(ctx, "42")
	if err != nil || !seen {
		t.Fatalf("expected dedup hit, seen=%v err=%v", seen, err)
	}
	wm, _ := st.ResumePoint(ctx)
	if wm != "42" {
		t.Fatalf("expected watermark 42, got %q", wm)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) should report disabled with a nil store", driver)
		}
	}

	if _, err := Open(Config{Driver: "bogus", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver must error")
	}
}

func TestWatermarkLess(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want bool
	}{
		{"9", "10", true}, // numeric compare when both parse
		{"10", "9", false},
		{"100", "100", false}, // equal
		{"abc", "abd", true},  // lexical fallback
		{"100", "20x", true},  // mixed falls back to lexical
		{"1699999999999", "1700000000000", true},
	}
	for _, tc := range cases {
		if got := watermarkLess(tc.a, tc.b); got != tc.want {
			t.Fatalf("watermarkLess(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
