package world

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odinvoxel/worldserver/internal/generator"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/store"
)

// AdmitError is a classified admission failure mapped directly to one of
// one of the server's error codes.
type AdmitError struct {
	Code    string
	Message string
}

func (e *AdmitError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func admitErr(code, format string, args ...any) error {
	return &AdmitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HelloRequest is the normalized handshake request passed to Admit, after
// credential verification has already happened upstream.
type HelloRequest struct {
	ProtocolVersion  int
	RegistryVersion  int
	GeneratorVersion int
	WorldID          string
	Identity         Identity
	Conn             Conn
}

// AdmitResult carries what the caller needs to build a WELCOME frame.
type AdmitResult struct {
	World       *World
	PlayerID    string
	DisplayName string
	Spawn       [3]float64
	Players     []protocol.Participant
}

// Registry is the process-wide in-memory map of active worlds.
type Registry struct {
	mu     sync.Mutex
	worlds map[string]*World

	store            store.Store
	protocolVersion  int
	registryVersion  int
	generatorVersion int
	maxParticipants  int
	requestIDTTL     time.Duration
	instanceID       string
	publicURL        string
}

// NewRegistry builds an empty registry. protocolVersion/registryVersion/
// generatorVersion are the values this server instance requires a HELLO
// to match. instanceID/publicURL are recorded against each world's
// session row on admission.
func NewRegistry(st store.Store, protocolVersion, registryVersion, generatorVersion, maxParticipants int, requestIDTTL time.Duration, instanceID, publicURL string) *Registry {
	if maxParticipants <= 0 || maxParticipants > MaxParticipants {
		maxParticipants = MaxParticipants
	}
	return &Registry{
		worlds:           make(map[string]*World),
		store:            st,
		protocolVersion:  protocolVersion,
		registryVersion:  registryVersion,
		generatorVersion: generatorVersion,
		maxParticipants:  maxParticipants,
		requestIDTTL:     requestIDTTL,
		instanceID:       instanceID,
		publicURL:        publicURL,
	}
}

// Worlds returns a snapshot of every currently loaded world.
func (r *Registry) Worlds() []*World {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*World, 0, len(r.worlds))
	for _, w := range r.worlds {
		out = append(out, w)
	}
	return out
}

// Admit runs the six-step admission sequence of the world registry.
func (r *Registry) Admit(ctx context.Context, req HelloRequest) (*AdmitResult, error) {
	// 1. Version agreement.
	if req.ProtocolVersion != r.protocolVersion {
		return nil, admitErr(protocol.ErrInvalidRequest, "protocol_version %d does not match server %d", req.ProtocolVersion, r.protocolVersion)
	}
	if req.RegistryVersion != r.registryVersion {
		return nil, admitErr(protocol.ErrRegistryMismatch, "registry_version %d does not match server %d", req.RegistryVersion, r.registryVersion)
	}
	if req.GeneratorVersion != r.generatorVersion {
		return nil, admitErr(protocol.ErrGeneratorMismatch, "generator_version %d does not match server %d", req.GeneratorVersion, r.generatorVersion)
	}

	// 2. Credential verification already happened upstream (internal/authn);
	// req.Identity is trusted here.
	if req.Identity.UserID == "" {
		return nil, admitErr(protocol.ErrAuthFailed, "missing verified identity")
	}

	isDefault := req.WorldID == DefaultWorldID

	var meta store.World
	if isDefault {
		meta = store.World{
			ID: DefaultWorldID, Name: "Default World", IsPublic: true,
			MaxPlayers: r.maxParticipants, GeneratorVersion: r.generatorVersion, RegistryVersion: r.registryVersion,
		}
	} else {
		if r.store == nil {
			return nil, admitErr(protocol.ErrWorldNotFound, "no store configured")
		}
		found, ok, err := r.store.GetWorld(ctx, req.WorldID)
		if err != nil {
			return nil, fmt.Errorf("admit: get world: %w", err)
		}
		if !ok {
			return nil, admitErr(protocol.ErrWorldNotFound, "world %q does not exist", req.WorldID)
		}
		meta = found

		banned, err := r.store.CheckBan(ctx, req.WorldID, req.Identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("admit: check ban: %w", err)
		}
		if banned {
			return nil, admitErr(protocol.ErrPermissionDenied, "user is banned from world %q", req.WorldID)
		}

		if !meta.IsPublic && meta.Owner != req.Identity.UserID {
			member, err := r.store.CheckMember(ctx, req.WorldID, req.Identity.UserID)
			if err != nil {
				return nil, fmt.Errorf("admit: check member: %w", err)
			}
			if !member {
				return nil, admitErr(protocol.ErrPermissionDenied, "world %q is private", req.WorldID)
			}
		}
	}

	w := r.getOrCreateWorld(meta, !isDefault)

	spawnX, spawnY, spawnZ := generator.SpawnPosition()
	spawn := [3]float64{spawnX, spawnY, spawnZ}

	// 4. Capacity check and insertion happen atomically under the world
	// lock, so two concurrent admissions at 7/8 participants can't both
	// observe room and both insert.
	p := newParticipant(req.Identity.UserID, req.Identity.DisplayName, req.Conn, w.ID, spawn)
	existing, ok := w.TryAddParticipant(p, r.maxParticipants)
	if !ok {
		return nil, admitErr(protocol.ErrWorldFull, "world %q is full", req.WorldID)
	}

	players := make([]protocol.Participant, 0, len(existing))
	for _, other := range existing {
		players = append(players, toProtocolParticipant(other))
	}

	if !isDefault && r.store != nil {
		if err := r.store.RecordJoin(ctx, w.ID, req.Identity.UserID, req.Identity.DisplayName); err != nil {
			_ = err // non-fatal: admission already succeeded
		}
		if err := r.store.RegisterSession(ctx, w.ID, r.instanceID, r.publicURL); err != nil {
			_ = err // non-fatal
		}
	}

	return &AdmitResult{
		World:       w,
		PlayerID:    p.UserID,
		DisplayName: p.DisplayName,
		Spawn:       spawn,
		Players:     players,
	}, nil
}

func (r *Registry) getOrCreateWorld(meta store.World, persistent bool) *World {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.worlds[meta.ID]; ok {
		return w
	}
	w := newWorld(meta, persistent, r.requestIDTTL)
	r.worlds[meta.ID] = w
	return w
}

// EvictIfEmpty removes worldID from the registry if it currently has no
// participants and no dirty sections. It is called by session teardown
// right after a participant is removed; no flush happens first, so a
// world that still has dirty sections at that moment stays loaded.
func (r *Registry) EvictIfEmpty(worldID string) {
	r.mu.Lock()
	w, ok := r.worlds[worldID]
	if !ok || worldID == DefaultWorldID {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if w.IsEmpty() && w.DirtyCount() == 0 {
		r.mu.Lock()
		delete(r.worlds, worldID)
		r.mu.Unlock()
	}
}

func toProtocolParticipant(p *Participant) protocol.Participant {
	return protocol.Participant{
		PlayerID: p.UserID,
		Name:     p.DisplayName,
		X:        p.X, Y: p.Y, Z: p.Z,
		VX: p.VX, VY: p.VY, VZ: p.VZ,
		Yaw: p.Yaw, Pitch: p.Pitch,
		LastSeq: int64(p.LastSeq),
	}
}
