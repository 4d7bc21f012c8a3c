package journal

import (
	"context"
	"testing"
	"time"
)

func TestAppendAndRecent(t *testing.T) {
	store, err := NewMemoryStore("", 10)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := store.Append(ctx, Entry{
			Kind:   KindLifecycle,
			Plugin: "env-sensor",
			Event:  "started",
			At:     time.Date(2026, 3, 14, 9, i, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	// Newest first.
	if !entries[0].At.After(entries[2].At) {
		t.Fatalf("order wrong: %v before %v", entries[0].At, entries[2].At)
	}
	if entries[0].ID == "" {
		t.Fatal("entry id not assigned")
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	store, _ := NewMemoryStore("", 10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = store.Append(ctx, Entry{Kind: KindCommand, Event: "start"})
	}
	entries, _ := store.Recent(ctx, 2)
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
}

func TestMemoryLimitEvictsOldest(t *testing.T) {
	store, _ := NewMemoryStore("", 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = store.Append(ctx, Entry{Kind: KindCommand, Event: "start", Detail: string(rune('a' + i))})
	}
	entries, _ := store.Recent(ctx, 10)
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].Detail != "e" || entries[2].Detail != "c" {
		t.Fatalf("kept = %s..%s, want e..c", entries[0].Detail, entries[2].Detail)
	}
}

func TestHistorySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewMemoryStore(dir, 10)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	_ = store.Append(ctx, Entry{Kind: KindLifecycle, Plugin: "env-sensor", Event: "started"})
	_ = store.Append(ctx, Entry{Kind: KindLifecycle, Plugin: "env-sensor", Event: "crashed"})
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewMemoryStore(dir, 10)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	entries, err := reopened.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("restored %d entries, want 2", len(entries))
	}
	if entries[0].Event != "crashed" {
		t.Fatalf("newest restored event = %s", entries[0].Event)
	}
}
