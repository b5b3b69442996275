package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odinvoxel/worldserver/internal/authn"
	"github.com/odinvoxel/worldserver/internal/chunkstream"
	"github.com/odinvoxel/worldserver/internal/editarbiter"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/ratelimit"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
)

func opaqueToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"user_id": userID, "display_name": displayName, "issued_at": time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("marshal opaque claims: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	ms := store.NewMemStore()
	ms.PutWorld(store.World{ID: "w1", IsPublic: true, MaxPlayers: 8, GeneratorVersion: 1, RegistryVersion: 1})
	registry := world.NewRegistry(ms, 1, 1, 1, 8, 60*time.Second, "test-instance", "wss://test.example/ws")
	streamer := chunkstream.New(ms, ratelimit.NewPerKeyLimiter(100), 128, 20, 20)
	arbiter := editarbiter.New(ms, ratelimit.NewPerKeyLimiter(20), nil, 5.0)
	verifier := authn.New(&authn.StaticKeySetProvider{}, time.Hour, "", "", zerolog.Nop())

	return NewHandler(Config{
		HandshakeTimeout:     time.Second,
		StaleActivityTimeout: time.Second,
		MaxInboundFrameBytes: 65536,
	}, "localhost", ratelimit.NewConnectionLimiter(1000, time.Minute, zerolog.Nop()), verifier, registry, ms, streamer, arbiter, zerolog.Nop())
}

// writeClientFrame writes frame as a client-side masked text message, as a
// real browser websocket client would.
func writeClientFrame(t *testing.T, conn net.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("write client frame: %v", err)
	}
}

func readServerFrame(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read server frame: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal server frame: %v", err)
	}
	return out
}

func TestHandshakeAdmitsAndSendsWelcome(t *testing.T) {
	h := newTestHandler(t)
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	c := newConn(serverSide, zerolog.Nop())
	go c.writePump()

	done := make(chan struct{})
	var res handshakeResult
	go func() {
		res, _ = h.handshake(context.Background(), c, "127.0.0.1")
		close(done)
	}()

	writeClientFrame(t, clientSide, protocol.Hello{
		Type: protocol.TypeHello, ProtocolVersion: 1, RegistryVersion: 1, GeneratorVersion: 1,
		WorldID: "w1", OpaqueToken: opaqueToken(t, "user-1", "Tester"),
	})

	welcome := readServerFrame(t, clientSide)
	if welcome["type"] != protocol.TypeWelcome {
		t.Fatalf("expected WELCOME, got %v", welcome["type"])
	}
	<-done
	if res.world == nil || res.userID != "user-1" {
		t.Fatalf("expected handshake to admit user-1, got %+v", res)
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	h := newTestHandler(t)
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	c := newConn(serverSide, zerolog.Nop())
	go c.writePump()

	done := make(chan struct{})
	var ok bool
	go func() {
		_, ok = h.handshake(context.Background(), c, "127.0.0.1")
		close(done)
	}()

	writeClientFrame(t, clientSide, protocol.Hello{
		Type: protocol.TypeHello, ProtocolVersion: 99, RegistryVersion: 1, GeneratorVersion: 1,
		WorldID: "w1", OpaqueToken: opaqueToken(t, "user-1", "Tester"),
	})

	errFrame := readServerFrame(t, clientSide)
	if errFrame["type"] != protocol.TypeError {
		t.Fatalf("expected ERROR frame, got %v", errFrame["type"])
	}
	<-done
	if ok {
		t.Fatal("expected handshake to fail on protocol version mismatch")
	}
}
