package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odinvoxel/worldserver/internal/authn"
	"github.com/odinvoxel/worldserver/internal/chunkstream"
	"github.com/odinvoxel/worldserver/internal/editarbiter"
	"github.com/odinvoxel/worldserver/internal/logging"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/ratelimit"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
)

// Config controls the handshake window and admitted-loop tunables, mirrors
// the relevant subset of config.Config.
type Config struct {
	HandshakeTimeout     time.Duration
	StaleActivityTimeout time.Duration
	MaxInboundFrameBytes int
}

// Handler owns everything needed to take an upgraded connection through
// the gate, handshake, and admitted message loop.
type Handler struct {
	cfg Config

	origins  *allowedOrigins
	connRate *ratelimit.ConnectionLimiter

	verifier *authn.Verifier
	registry *world.Registry
	store    store.Store

	streamer *chunkstream.Streamer
	arbiter  *editarbiter.Arbiter

	logger zerolog.Logger
}

// NewHandler builds a Handler. allowedOriginsList is the comma-separated
// pattern list accepted by session.newAllowedOrigins.
func NewHandler(cfg Config, allowedOriginsList string, connRate *ratelimit.ConnectionLimiter, verifier *authn.Verifier, registry *world.Registry, st store.Store, streamer *chunkstream.Streamer, arbiter *editarbiter.Arbiter, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		origins:  newAllowedOrigins(allowedOriginsList),
		connRate: connRate,
		verifier: verifier,
		registry: registry,
		store:    st,
		streamer: streamer,
		arbiter:  arbiter,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// ServeHTTP is the /ws upgrade entrypoint. The gate checks (origin, per-IP
// rate limit) are evaluated before the upgrade, but a rejection still
// completes the websocket handshake so the server can close with the
// distinct wire-level code the Gate requires (protocol.CloseInvalidOrigin,
// protocol.CloseRateLimited) instead of a plain HTTP status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	rateOK := h.connRate.Allow(clientIP)

	origin := r.Header.Get("Origin")
	originOK := true
	if origin != "" {
		originOK = h.origins.Allowed(hostOf(origin))
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Error().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	if !rateOK {
		h.logger.Warn().Str("client_ip", clientIP).Msg("rejected connection: rate limit exceeded")
		_ = closeRaw(raw, protocol.CloseRateLimited, "connection rate limit exceeded")
		return
	}
	if !originOK {
		h.logger.Warn().Str("origin", origin).Str("client_ip", clientIP).Msg("rejected connection: origin not allowed")
		_ = closeRaw(raw, protocol.CloseInvalidOrigin, "origin not allowed")
		return
	}

	conn := newConn(raw, h.logger)
	go conn.writePump()
	go h.readLoop(conn, clientIP)
}

func (h *Handler) readLoop(c *Conn, clientIP string) {
	defer logging.RecoverPanic(h.logger, "session.readLoop", nil)
	defer func() {
		_ = c.Close(protocol.CloseNormal, "connection closed")
	}()

	ctx := context.Background()
	result, ok := h.handshake(ctx, c, clientIP)
	if !ok {
		return
	}
	defer h.teardown(ctx, result)

	h.admittedLoop(ctx, c, result)
}

// handshakeResult carries what the admitted loop needs after a successful
// HELLO, to avoid re-deriving it on every frame.
type handshakeResult struct {
	world    *world.World
	userID   string
	worldID  string
}

// handshake enforces the awaiting-handshake state: a bounded wait for a
// single HELLO frame, credential verification, and world admission.
func (h *Handler) handshake(ctx context.Context, c *Conn, clientIP string) (handshakeResult, bool) {
	c.setState(StateAwaitingHandshake)

	c.raw.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	data, op, err := wsutil.ReadClientData(c.raw)
	if err != nil {
		h.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("handshake read failed")
		return handshakeResult{}, false
	}
	if op == ws.OpClose {
		return handshakeResult{}, false
	}
	c.touch()

	frame, err := protocol.DecodeInbound(data)
	if err != nil {
		_ = c.Send(protocol.NewError(protocol.ErrInvalidRequest, "malformed frame", true))
		return handshakeResult{}, false
	}
	hello, ok := frame.(protocol.Hello)
	if !ok {
		_ = c.Send(protocol.NewError(protocol.ErrInvalidRequest, "first frame must be HELLO", true))
		return handshakeResult{}, false
	}

	identity, err := h.verifyCredential(ctx, hello)
	if err != nil {
		code, fatal := protocol.ErrAuthFailed, true
		if ae, ok := err.(*authn.Error); ok && ae.Kind == authn.KindExpired {
			code = protocol.ErrAuthExpired
		}
		_ = c.Send(protocol.NewError(code, err.Error(), fatal))
		return handshakeResult{}, false
	}

	res, err := h.registry.Admit(ctx, world.HelloRequest{
		ProtocolVersion:  hello.ProtocolVersion,
		RegistryVersion:  hello.RegistryVersion,
		GeneratorVersion: hello.GeneratorVersion,
		WorldID:          hello.WorldID,
		Identity:         world.Identity{UserID: identity.UserID, DisplayName: identity.DisplayName},
		Conn:             c,
	})
	if err != nil {
		if ae, ok := err.(*world.AdmitError); ok {
			_ = c.Send(protocol.NewError(ae.Code, ae.Message, true))
		} else {
			_ = c.Send(protocol.NewError(protocol.ErrInvalidRequest, "admission failed", true))
		}
		return handshakeResult{}, false
	}

	c.setState(StateAdmitted)

	_ = c.Send(protocol.Welcome{
		Type: protocol.TypeWelcome, ProtocolVersion: protocol.ProtocolVersion,
		PlayerID:         res.PlayerID,
		SpawnX:           res.Spawn[0],
		SpawnY:           res.Spawn[1],
		SpawnZ:           res.Spawn[2],
		GeneratorVersion: res.World.GeneratorVersion,
		RegistryVersion:  res.World.RegistryVersion,
		Players:          res.Players,
	})

	join := protocol.PlayerJoin{
		Type: protocol.TypePlayerJoin, ProtocolVersion: protocol.ProtocolVersion,
		Player: protocol.Participant{PlayerID: res.PlayerID, Name: res.DisplayName, X: res.Spawn[0], Y: res.Spawn[1], Z: res.Spawn[2]},
	}
	for _, p := range res.World.Participants() {
		if p.UserID == res.PlayerID || p.Conn == nil {
			continue
		}
		_ = p.Conn.Send(join)
	}

	return handshakeResult{world: res.World, userID: res.PlayerID, worldID: res.World.ID}, true
}

func (h *Handler) verifyCredential(ctx context.Context, hello protocol.Hello) (authn.Identity, error) {
	switch {
	case hello.JWT != "":
		return h.verifier.VerifyJWT(ctx, hello.JWT)
	case hello.OpaqueToken != "":
		return h.verifier.VerifyOpaque(hello.OpaqueToken)
	default:
		return authn.Identity{}, fmt.Errorf("authn: no credential presented")
	}
}

// admittedLoop dispatches INPUT/SUBSCRIBE/BLOCK_EDIT_REQUEST frames until
// the connection closes or goes stale.
func (h *Handler) admittedLoop(ctx context.Context, c *Conn, res handshakeResult) {
	maxBytes := h.cfg.MaxInboundFrameBytes
	if maxBytes <= 0 {
		maxBytes = 65536
	}

	for {
		if c.idleFor() > h.cfg.StaleActivityTimeout {
			_ = c.Close(protocol.CloseNormal, "idle timeout")
			return
		}

		c.raw.SetReadDeadline(time.Now().Add(h.cfg.StaleActivityTimeout))
		data, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if len(data) > maxBytes {
			_ = c.Send(protocol.NewError(protocol.ErrInvalidRequest, "frame exceeds maximum size", false))
			continue
		}
		c.touch()

		frame, err := protocol.DecodeInbound(data)
		if err != nil {
			_ = c.Send(protocol.NewError(protocol.ErrInvalidRequest, "malformed frame", false))
			continue
		}

		switch f := frame.(type) {
		case protocol.Hello:
			_ = c.Send(protocol.NewError(protocol.ErrInvalidRequest, "handshake already completed", false))
		case protocol.Input:
			h.handleInput(res, f)
		case protocol.Subscribe:
			h.streamer.HandleSubscribe(ctx, res.world, res.userID, c, f)
		case protocol.BlockEditRequest:
			ev := h.arbiter.Apply(ctx, res.world, res.userID, f)
			_ = c.Send(ev)
		default:
			_ = c.Send(protocol.NewError(protocol.ErrInvalidRequest, "unsupported frame type", false))
		}
	}
}

func (h *Handler) handleInput(res handshakeResult, in protocol.Input) {
	p, ok := res.world.Participant(res.userID)
	if !ok {
		return
	}
	res.world.Lock()
	p.X, p.Y, p.Z = in.X, in.Y, in.Z
	p.VX, p.VY, p.VZ = in.VX, in.VY, in.VZ
	p.Yaw, p.Pitch = in.Yaw, in.Pitch
	p.LastSeq = uint32(in.Sequence)
	p.LastActivity = time.Now()
	res.world.Unlock()
}

func (h *Handler) teardown(ctx context.Context, res handshakeResult) {
	if res.world == nil {
		return
	}
	res.world.RemoveParticipant(res.userID)
	h.streamer.RemoveParticipant(res.worldID, res.userID)

	leave := protocol.PlayerLeave{Type: protocol.TypePlayerLeave, ProtocolVersion: protocol.ProtocolVersion, PlayerID: res.userID}
	for _, p := range res.world.Participants() {
		if p.Conn == nil {
			continue
		}
		_ = p.Conn.Send(leave)
	}

	if h.store != nil && res.world.Persistent {
		if err := h.store.RecordLeave(ctx, res.worldID, res.userID); err != nil {
			h.logger.Debug().Err(err).Str("world", res.worldID).Str("user", res.userID).Msg("record leave failed")
		}
	}

	h.registry.EvictIfEmpty(res.worldID)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func hostOf(origin string) string {
	s := strings.TrimPrefix(origin, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "wss://")
	s = strings.TrimPrefix(s, "ws://")
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	return s
}
