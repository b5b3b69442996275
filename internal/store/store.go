// Package store defines the durable-store capability set the session/world
// server requires and a concrete modernc.org/sqlite-backed
// implementation of it. The core treats the store as an opaque relational
// backend; any type satisfying Store is acceptable.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that found no matching row.
var ErrNotFound = errors.New("store: not found")

// World is the durable world metadata row.
type World struct {
	ID               string
	Name             string
	Owner            string
	IsPublic         bool
	MaxPlayers       int
	GeneratorVersion int
	RegistryVersion  int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SectionRecord is one persisted section row.
type SectionRecord struct {
	Section string // "cx:cz:sy"
	Blocks  []byte // exactly coord.SectionByteLength bytes
	Version int
}

// SessionRow mirrors world_sessions.
type SessionRow struct {
	World             string
	Instance          string
	URL               string
	Status            string // online | draining | offline
	ParticipantCount  int
	LastHeartbeat     time.Time
	StartedAt         time.Time
}

// KeySet is the cached signing-key material for the credential verifier.
type KeySet struct {
	Keys      map[string][]byte // key id -> raw key bytes; internal/authn uses them as HMAC secrets and does not parse PEM public keys
	FetchedAt time.Time
}

// Store is the capability set the session/world server requires of the durable backend.
// Every method takes a context so store calls are cancellable suspension
// points: store calls are I/O and must be treated as
// suspension points" guidance.
type Store interface {
	GetWorld(ctx context.Context, worldID string) (World, bool, error)
	CheckMember(ctx context.Context, worldID, userID string) (bool, error)
	CheckBan(ctx context.Context, worldID, userID string) (bool, error)

	LoadSection(ctx context.Context, worldID, sectionID string) (SectionRecord, bool, error)
	UpsertSections(ctx context.Context, worldID string, batch []SectionRecord) error

	RegisterSession(ctx context.Context, worldID, instance, url string) error
	Heartbeat(ctx context.Context, worldID string, participantCount int) error
	MarkSessionsOffline(ctx context.Context, instance string) error

	RecordJoin(ctx context.Context, worldID, userID, displayName string) error
	RecordLeave(ctx context.Context, worldID, userID string) error
	DisplayName(ctx context.Context, userID string) (string, error)

	KeySet(ctx context.Context) (KeySet, error)

	Close() error
}
