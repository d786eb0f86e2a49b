package storage

import (
	"context"
	"testing"
	"time"
)

func TestModerationLogRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	now := time.Now()

	entries := []ModerationLog{
		{GuildID: "g1", UserID: "u1", Level: "WARN", Event: "discipline_applied", Details: "type=ban event=1", CreatedAt: now.Add(-2 * time.Hour)},
		{GuildID: "g1", UserID: "u2", Level: "INFO", Event: "discipline_pardoned", Details: "type=ban event=1", CreatedAt: now.Add(-1 * time.Hour)},
		{GuildID: "g2", UserID: "u1", Level: "CRIT", Event: "enforcement_failed", Details: "type=mute event=7", CreatedAt: now},
	}
	for _, entry := range entries {
		if err := store.AddModerationLog(ctx, entry); err != nil {
			t.Fatalf("add log: %v", err)
		}
	}

	logs, err := store.ListModerationLogs(ctx, "g1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 entries for g1, got %d", len(logs))
	}
	if logs[0].Event != "discipline_pardoned" {
		t.Fatalf("expected newest first, got %q", logs[0].Event)
	}
	if logs[1].UserID != "u1" || logs[1].Level != "WARN" {
		t.Fatalf("unexpected entry: %+v", logs[1])
	}

	logs, err = store.ListModerationLogs(ctx, "g1", now.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("list logs with cutoff: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected cutoff to drop older entry, got %d", len(logs))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCleanupModerationLogs(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	old := ModerationLog{GuildID: "g1", UserID: "u1", Level: "INFO", Event: "old", CreatedAt: time.Now().AddDate(0, 0, -40)}
	fresh := ModerationLog{GuildID: "g1", UserID: "u1", Level: "INFO", Event: "fresh", CreatedAt: time.Now()}
	if err := store.AddModerationLog(ctx, old); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := store.AddModerationLog(ctx, fresh); err != nil {
		t.Fatalf("add fresh: %v", err)
	}

	if err := store.CleanupModerationLogs(ctx, 30); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	logs, err := store.ListModerationLogs(ctx, "g1", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0].Event != "fresh" {
		t.Fatalf("expected only the fresh entry, got %+v", logs)
	}
}
