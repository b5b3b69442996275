package editarbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/odinvoxel/worldserver/internal/coord"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/ratelimit"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
)

type recordingBroadcaster struct {
	calls []any
}

func (b *recordingBroadcaster) BroadcastToSection(w *world.World, sectionID string, frame any) {
	b.calls = append(b.calls, frame)
}

func admitTestParticipant(t *testing.T, reg *world.Registry, userID string, x, y, z float64) *world.World {
	t.Helper()
	res, err := reg.Admit(context.Background(), world.HelloRequest{
		ProtocolVersion: 1, RegistryVersion: 1, GeneratorVersion: 1,
		WorldID: "w1", Identity: world.Identity{UserID: userID},
	})
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	p, _ := res.World.Participant(userID)
	p.X, p.Y, p.Z = x, y, z
	return res.World
}

func newTestSetup(t *testing.T) (*world.Registry, *Arbiter, *recordingBroadcaster) {
	t.Helper()
	ms := store.NewMemStore()
	ms.PutWorld(store.World{ID: "w1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	reg := world.NewRegistry(ms, 1, 1, 1, 8, 60*time.Second, "test-instance", "wss://test.example/ws")
	bc := &recordingBroadcaster{}
	arb := New(ms, ratelimit.NewPerKeyLimiter(20), bc, 5.0)
	return reg, arb, bc
}

func TestEditApplyAccepted(t *testing.T) {
	reg, arb, bc := newTestSetup(t)
	w := admitTestParticipant(t, reg, "u1", 2, 5, 0)

	ev := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{
		RequestID: "r1", X: 0, Y: 5, Z: 0, BlockID: 1,
	})
	if !ev.Accepted {
		t.Fatalf("expected edit to be accepted, got %+v", ev)
	}
	if ev.SectionVersion != 1 {
		t.Fatalf("expected section version 1 after first edit, got %d", ev.SectionVersion)
	}
	if len(bc.calls) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(bc.calls))
	}
}

func TestEditIdempotentReplay(t *testing.T) {
	reg, arb, bc := newTestSetup(t)
	w := admitTestParticipant(t, reg, "u1", 2, 5, 0)

	first := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{
		RequestID: "r1", X: 0, Y: 5, Z: 0, BlockID: 1,
	})
	second := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{
		RequestID: "r1", X: 0, Y: 5, Z: 0, BlockID: 1,
	})
	if first != second {
		t.Fatalf("expected byte-equal replay, got %+v vs %+v", first, second)
	}
	if len(bc.calls) != 1 {
		t.Fatalf("expected no additional broadcast on replay, got %d total", len(bc.calls))
	}
}

func TestEditRejectsOutOfReach(t *testing.T) {
	reg, arb, _ := newTestSetup(t)
	w := admitTestParticipant(t, reg, "u1", 0, 5, 0)

	ev := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{
		RequestID: "r1", X: 100, Y: 5, Z: 100, BlockID: 1,
	})
	if ev.Accepted {
		t.Fatal("expected out-of-reach edit to be rejected")
	}
	if ev.RejectReason != protocol.RejectTooFar {
		t.Fatalf("expected reject reason %q, got %q", protocol.RejectTooFar, ev.RejectReason)
	}
}

func TestEditRejectsNothingToBreak(t *testing.T) {
	reg, arb, _ := newTestSetup(t)
	w := admitTestParticipant(t, reg, "u1", 0, 5, 0)

	// (0,5,0) is air in the baseline flat generator (ground is y 0-4).
	ev := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{
		RequestID: "r1", X: 0, Y: 5, Z: 0, BlockID: 0,
	})
	if ev.Accepted || ev.RejectReason != protocol.RejectNothingToBreak {
		t.Fatalf("expected nothing-to-break rejection, got %+v", ev)
	}
}

func TestEditRejectsBlockOccupied(t *testing.T) {
	reg, arb, _ := newTestSetup(t)
	w := admitTestParticipant(t, reg, "u1", 0, 5, 0)

	// (0,3,0) is stone in the baseline flat generator.
	ev := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{
		RequestID: "r1", X: 0, Y: 3, Z: 0, BlockID: 2,
	})
	if ev.Accepted || ev.RejectReason != protocol.RejectBlockOccupied {
		t.Fatalf("expected block-occupied rejection, got %+v", ev)
	}
}

func TestEditRejectsPlacementInsideSelf(t *testing.T) {
	reg, arb, _ := newTestSetup(t)
	w := admitTestParticipant(t, reg, "u1", 5, 5, 5)

	ev := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{
		RequestID: "r1", X: 5, Y: 5, Z: 5, BlockID: 1,
	})
	if ev.Accepted || ev.RejectReason != protocol.RejectCannotPlaceInSelf {
		t.Fatalf("expected cannot-place-inside-self rejection, got %+v", ev)
	}
}

func TestEditRejectsRateLimited(t *testing.T) {
	ms := store.NewMemStore()
	ms.PutWorld(store.World{ID: "w1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	reg := world.NewRegistry(ms, 1, 1, 1, 8, 60*time.Second, "test-instance", "wss://test.example/ws")
	bc := &recordingBroadcaster{}
	arb := New(ms, ratelimit.NewPerKeyLimiter(1), bc, 5.0)
	w := admitTestParticipant(t, reg, "u1", 2, 5, 0)

	first := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{RequestID: "r1", X: 0, Y: 5, Z: 0, BlockID: 1})
	if !first.Accepted {
		t.Fatalf("expected first edit within burst to be accepted, got %+v", first)
	}
	second := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{RequestID: "r2", X: 1, Y: 5, Z: 0, BlockID: 1})
	if second.Accepted || second.RejectReason != protocol.RejectRateLimited {
		t.Fatalf("expected second immediate edit to be rate limited, got %+v", second)
	}
}

func TestSectionVersionMonotonic(t *testing.T) {
	reg, arb, _ := newTestSetup(t)
	w := admitTestParticipant(t, reg, "u1", 2, 5, 0)

	ev1 := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{RequestID: "r1", X: 0, Y: 5, Z: 0, BlockID: 1})
	ev2 := arb.Apply(context.Background(), w, "u1", protocol.BlockEditRequest{RequestID: "r2", X: 0, Y: 5, Z: 0, BlockID: 0})
	if ev1.SectionVersion != 1 || ev2.SectionVersion != 2 {
		t.Fatalf("expected strictly increasing section versions, got %d then %d", ev1.SectionVersion, ev2.SectionVersion)
	}
}

// TestEditConcurrentSameVoxelSerializes races two participants placing a
// block at the same voxel at the same time. The read-validate-write
// sequence (steps 6-7) must run under a single world-lock acquisition so
// the two requests can't both observe the voxel as air: exactly one must
// be accepted and the section version must advance exactly once, never
// twice, regardless of goroutine scheduling.
func TestEditConcurrentSameVoxelSerializes(t *testing.T) {
	ms := store.NewMemStore()
	ms.PutWorld(store.World{ID: "w1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	reg := world.NewRegistry(ms, 1, 1, 1, 8, 60*time.Second, "test-instance", "wss://test.example/ws")
	bc := &recordingBroadcaster{}
	arb := New(ms, ratelimit.NewPerKeyLimiter(1000), bc, 5.0)

	w := admitTestParticipant(t, reg, "u1", 2, 5, 0)
	admitTestParticipant(t, reg, "u2", 0, 5, 2)

	const attempts = 16
	results := make([]protocol.BlockEvent, attempts)
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			userID := "u1"
			if i%2 == 1 {
				userID = "u2"
			}
			results[i] = arb.Apply(context.Background(), w, userID, protocol.BlockEditRequest{
				RequestID: requestIDFor(i), X: 0, Y: 5, Z: 0, BlockID: 1,
			})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, ev := range results {
		if ev.Accepted {
			accepted++
		} else if ev.RejectReason != protocol.RejectBlockOccupied {
			t.Fatalf("expected rejections to be block_occupied, got %+v", ev)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted edit for the contested voxel, got %d (results=%+v)", accepted, results)
	}

	section, ok := w.Section(coord.WorldToSection(0, 5, 0).String())
	if !ok {
		t.Fatal("expected target section to exist after concurrent edits")
	}
	if section.Version != 1 {
		t.Fatalf("expected section version to advance exactly once under concurrent edits, got %d", section.Version)
	}
}

func requestIDFor(i int) string {
	const digits = "0123456789abcdef"
	return "race-" + string(digits[i%16])
}
