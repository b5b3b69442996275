package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/odinvoxel/worldserver/internal/chunkstream"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/ratelimit"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
	"github.com/rs/zerolog"
)

type fakeConn struct {
	frames []any
}

func (c *fakeConn) Send(frame any) error { c.frames = append(c.frames, frame); return nil }
func (c *fakeConn) Close(code int, reason string) error { return nil }

func TestTickSendsSnapshotToAllParticipants(t *testing.T) {
	ms := store.NewMemStore()
	ms.PutWorld(store.World{ID: "w1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	reg := world.NewRegistry(ms, 1, 1, 1, 8, 60*time.Second, "test-instance", "wss://test.example/ws")
	streamer := chunkstream.New(ms, ratelimit.NewPerKeyLimiter(100), 128, 20, 20)
	b := New(reg, streamer, 10*time.Millisecond, zerolog.Nop())

	connA, connB := &fakeConn{}, &fakeConn{}
	_, err := reg.Admit(context.Background(), world.HelloRequest{
		ProtocolVersion: 1, RegistryVersion: 1, GeneratorVersion: 1, WorldID: "w1",
		Identity: world.Identity{UserID: "a"}, Conn: connA,
	})
	if err != nil {
		t.Fatalf("admit a failed: %v", err)
	}
	_, err = reg.Admit(context.Background(), world.HelloRequest{
		ProtocolVersion: 1, RegistryVersion: 1, GeneratorVersion: 1, WorldID: "w1",
		Identity: world.Identity{UserID: "b"}, Conn: connB,
	})
	if err != nil {
		t.Fatalf("admit b failed: %v", err)
	}

	b.tick(context.Background())

	if len(connA.frames) != 1 || len(connB.frames) != 1 {
		t.Fatalf("expected exactly one snapshot sent to each participant, got a=%d b=%d", len(connA.frames), len(connB.frames))
	}
	snap, ok := connA.frames[0].(protocol.Snapshot)
	if !ok {
		t.Fatalf("expected a Snapshot frame, got %T", connA.frames[0])
	}
	if len(snap.Players) != 2 {
		t.Fatalf("expected snapshot to include both participants, got %d", len(snap.Players))
	}
}

func TestTickSkipsEmptyWorlds(t *testing.T) {
	ms := store.NewMemStore()
	ms.PutWorld(store.World{ID: "w1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	reg := world.NewRegistry(ms, 1, 1, 1, 8, 60*time.Second, "test-instance", "wss://test.example/ws")
	b := New(reg, nil, 10*time.Millisecond, zerolog.Nop())

	// No participants admitted: tick must not panic on an unreferenced world.
	b.tick(context.Background())
}

func TestBroadcastToSectionOnlyReachesSubscribers(t *testing.T) {
	ms := store.NewMemStore()
	ms.PutWorld(store.World{ID: "w1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	reg := world.NewRegistry(ms, 1, 1, 1, 8, 60*time.Second, "test-instance", "wss://test.example/ws")
	b := New(reg, nil, 10*time.Millisecond, zerolog.Nop())

	connA, connB := &fakeConn{}, &fakeConn{}
	resA, _ := reg.Admit(context.Background(), world.HelloRequest{
		ProtocolVersion: 1, RegistryVersion: 1, GeneratorVersion: 1, WorldID: "w1",
		Identity: world.Identity{UserID: "a"}, Conn: connA,
	})
	_, _ = reg.Admit(context.Background(), world.HelloRequest{
		ProtocolVersion: 1, RegistryVersion: 1, GeneratorVersion: 1, WorldID: "w1",
		Identity: world.Identity{UserID: "b"}, Conn: connB,
	})
	w := resA.World
	w.Subscribe("a", "0:0:0")

	b.BroadcastToSection(w, "0:0:0", protocol.BlockEvent{Type: protocol.TypeBlockEvent, Accepted: true})

	if len(connA.frames) != 1 {
		t.Fatalf("expected subscriber a to receive the broadcast, got %d frames", len(connA.frames))
	}
	if len(connB.frames) != 0 {
		t.Fatalf("expected non-subscriber b to receive nothing, got %d frames", len(connB.frames))
	}
}
