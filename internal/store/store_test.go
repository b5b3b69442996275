package store

import (
	"context"
	"testing"
	"time"
)

func TestMemStoreWorldAndMembership(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.PutWorld(World{ID: "w1", Name: "Test World", MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	m.PutMember("w1", "user-a")

	w, ok, err := m.GetWorld(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("expected world w1 to exist, got ok=%v err=%v", ok, err)
	}
	if w.MaxPlayers != 8 {
		t.Fatalf("expected MaxPlayers 8, got %d", w.MaxPlayers)
	}

	if isMember, _ := m.CheckMember(ctx, "w1", "user-a"); !isMember {
		t.Fatal("expected user-a to be a member of w1")
	}
	if isMember, _ := m.CheckMember(ctx, "w1", "user-b"); isMember {
		t.Fatal("expected user-b to not be a member of w1")
	}

	if _, ok, _ := m.GetWorld(ctx, "missing"); ok {
		t.Fatal("expected missing world to not be found")
	}
}

func TestMemStoreBanExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.PutBan("w1", "banned-permanent", time.Time{})
	m.PutBan("w1", "banned-expired", time.Now().Add(-time.Hour))
	m.PutBan("w1", "banned-future", time.Now().Add(time.Hour))

	if banned, _ := m.CheckBan(ctx, "w1", "banned-permanent"); !banned {
		t.Fatal("expected permanent ban to be active")
	}
	if banned, _ := m.CheckBan(ctx, "w1", "banned-expired"); banned {
		t.Fatal("expected expired ban to no longer be active")
	}
	if banned, _ := m.CheckBan(ctx, "w1", "banned-future"); !banned {
		t.Fatal("expected future-expiring ban to be active")
	}
	if banned, _ := m.CheckBan(ctx, "w1", "never-banned"); banned {
		t.Fatal("expected unbanned user to not be banned")
	}
}

func TestMemStoreSectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if _, ok, err := m.LoadSection(ctx, "w1", "0:0:0"); err != nil || ok {
		t.Fatalf("expected no section before upsert, got ok=%v err=%v", ok, err)
	}

	batch := []SectionRecord{
		{Section: "0:0:0", Blocks: []byte{1, 2, 3, 4}, Version: 1},
		{Section: "1:0:0", Blocks: []byte{5, 6, 7, 8}, Version: 1},
	}
	if err := m.UpsertSections(ctx, "w1", batch); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	rec, ok, err := m.LoadSection(ctx, "w1", "0:0:0")
	if err != nil || !ok {
		t.Fatalf("expected section 0:0:0 to be found, got ok=%v err=%v", ok, err)
	}
	if rec.Version != 1 || len(rec.Blocks) != 4 {
		t.Fatalf("unexpected section record: %+v", rec)
	}

	// A second upsert with a bumped version replaces the row in place.
	if err := m.UpsertSections(ctx, "w1", []SectionRecord{{Section: "0:0:0", Blocks: []byte{9}, Version: 2}}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	rec, _, _ = m.LoadSection(ctx, "w1", "0:0:0")
	if rec.Version != 2 {
		t.Fatalf("expected version to bump to 2, got %d", rec.Version)
	}
}

func TestMemStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if err := m.RegisterSession(ctx, "w1", "instance-a", "wss://a.example/ws"); err != nil {
		t.Fatalf("register session failed: %v", err)
	}
	if err := m.Heartbeat(ctx, "w1", 3); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if row := m.sessions["w1"]; row.ParticipantCount != 3 || row.Status != "online" {
		t.Fatalf("unexpected session row after heartbeat: %+v", row)
	}

	if err := m.MarkSessionsOffline(ctx, "instance-a"); err != nil {
		t.Fatalf("mark offline failed: %v", err)
	}
	if row := m.sessions["w1"]; row.Status != "offline" {
		t.Fatalf("expected session to be marked offline, got %+v", row)
	}
}

func TestMemStoreDisplayNameFallback(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	name, err := m.DisplayName(ctx, "unknown-user-id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name == "" {
		t.Fatal("expected a non-empty fallback display name")
	}

	if err := m.RecordJoin(ctx, "w1", "user-a", "Alice"); err != nil {
		t.Fatalf("record join failed: %v", err)
	}
	name, err = m.DisplayName(ctx, "user-a")
	if err != nil || name != "Alice" {
		t.Fatalf("expected recorded display name Alice, got %q err=%v", name, err)
	}
}
