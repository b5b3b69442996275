// Package world holds the in-memory per-world state: loaded sections,
// admitted participants, the subscription index, and the edit-response
// cache, plus the registry that admits connections into worlds.
//
// Mutations to a world's mutable state go through World.mu, a single-writer
// mutex released around store I/O (read under exclusion, release, do I/O,
// reacquire, publish), per the server's concurrency discipline.
package world

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odinvoxel/worldserver/internal/coord"
	"github.com/odinvoxel/worldserver/internal/generator"
	"github.com/odinvoxel/worldserver/internal/store"
)

// DefaultWorldID is the single, explicit, named exception that bypasses
// the store entirely: always public, always exists, never persisted.
const DefaultWorldID = "default-world"

const MaxParticipants = 8

// Conn is the externally owned connection handle. The world holds only a
// weak reference to it (the interface value), releasing it on disconnect.
type Conn interface {
	Send(frame any) error
	Close(code int, reason string) error
}

// Identity is the verified credential handed to Admit; it is deliberately
// decoupled from internal/authn so this package never imports it.
type Identity struct {
	UserID      string
	DisplayName string
}

// Section is a 16x16x16 unit of world state held in memory.
type Section struct {
	ID           coord.ID
	Blocks       [coord.BlocksPerSection]uint16
	Version      int
	Dirty        bool
	FromStore    bool
	LastAccessed time.Time
}

// Participant is a connected, admitted user.
type Participant struct {
	UserID       string
	DisplayName  string
	X, Y, Z      float64
	VX, VY, VZ   float64
	Yaw, Pitch   float64
	LastSeq      uint32
	LastActivity time.Time
	WorldID      string
	Conn         Conn

	Subscribed map[string]bool // section id -> subscribed
}

func newParticipant(userID, displayName string, conn Conn, worldID string, spawn [3]float64) *Participant {
	return &Participant{
		UserID:       userID,
		DisplayName:  displayName,
		X:            spawn[0],
		Y:            spawn[1],
		Z:            spawn[2],
		LastActivity: time.Now(),
		WorldID:      worldID,
		Conn:         conn,
		Subscribed:   make(map[string]bool),
	}
}

// editCacheEntry is one entry of the per-world idempotency cache.
type editCacheEntry struct {
	response any
	at       time.Time
}

// World is the in-memory mirror of one durable world plus its live state.
type World struct {
	ID               string
	GeneratorVersion int
	RegistryVersion  int
	IsPublic         bool
	Owner            string
	MaxPlayers       int
	Persistent       bool // false only for DefaultWorldID

	mu           sync.Mutex
	sections     map[string]*Section
	participants map[string]*Participant
	subIndex     map[string]map[string]bool // section id -> set of user ids
	editCache    map[string]editCacheEntry
	requestIDTTL time.Duration
}

func newWorld(meta store.World, persistent bool, requestIDTTL time.Duration) *World {
	return &World{
		ID:               meta.ID,
		GeneratorVersion: meta.GeneratorVersion,
		RegistryVersion:  meta.RegistryVersion,
		IsPublic:         meta.IsPublic,
		Owner:            meta.Owner,
		MaxPlayers:       meta.MaxPlayers,
		Persistent:       persistent,
		sections:         make(map[string]*Section),
		participants:     make(map[string]*Participant),
		subIndex:         make(map[string]map[string]bool),
		editCache:        make(map[string]editCacheEntry),
		requestIDTTL:     requestIDTTL,
	}
}

// Lock/Unlock expose the per-world single-writer mutex directly to callers
// (editarbiter, session) that need a multi-step critical section
// spanning more than one of the helper methods below.
func (w *World) Lock()   { w.mu.Lock() }
func (w *World) Unlock() { w.mu.Unlock() }

// ParticipantCount returns the current admitted participant count.
func (w *World) ParticipantCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.participants)
}

// Participants returns a snapshot slice of currently admitted participants.
func (w *World) Participants() []*Participant {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Participant, 0, len(w.participants))
	for _, p := range w.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Participant looks up an admitted participant by user id.
func (w *World) Participant(userID string) (*Participant, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.participants[userID]
	return p, ok
}

// TryAddParticipant atomically checks the participant cap and, if under
// it, inserts p and returns a snapshot of the participants admitted
// before it. Checking the count and inserting under the same lock
// acquisition closes the TOCTOU window two concurrent admissions would
// otherwise have between a separate count check and a separate insert,
// which could otherwise push the world over maxParticipants.
func (w *World) TryAddParticipant(p *Participant, maxParticipants int) (existing []*Participant, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.participants) >= maxParticipants {
		return nil, false
	}
	existing = make([]*Participant, 0, len(w.participants))
	for _, other := range w.participants {
		existing = append(existing, other)
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].UserID < existing[j].UserID })
	w.participants[p.UserID] = p
	return existing, true
}

// RemoveParticipant deletes a participant and unwinds its subscriptions
// from the world's subscription index, keeping the invariant
// `p in W.participants <=> every s in p.subscribed has p in index[s]`.
func (w *World) RemoveParticipant(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.participants[userID]
	if !ok {
		return
	}
	for sectionID := range p.Subscribed {
		if set := w.subIndex[sectionID]; set != nil {
			delete(set, userID)
			if len(set) == 0 {
				delete(w.subIndex, sectionID)
			}
		}
	}
	delete(w.participants, userID)
}

// Subscribe adds userID to the subscriber set for sectionID, atomically
// updating both the participant's own set and the world's index.
func (w *World) Subscribe(userID, sectionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.participants[userID]
	if !ok {
		return
	}
	p.Subscribed[sectionID] = true
	if w.subIndex[sectionID] == nil {
		w.subIndex[sectionID] = make(map[string]bool)
	}
	w.subIndex[sectionID][userID] = true
}

// Unsubscribe removes userID from the subscriber set for sectionID.
func (w *World) Unsubscribe(userID, sectionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.participants[userID]; ok {
		delete(p.Subscribed, sectionID)
	}
	if set := w.subIndex[sectionID]; set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(w.subIndex, sectionID)
		}
	}
}

// Subscribers returns a snapshot of user ids subscribed to sectionID.
func (w *World) Subscribers(sectionID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.subIndex[sectionID]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out
}

// SubscriptionCount returns how many sections userID currently subscribes to.
func (w *World) SubscriptionCount(userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.participants[userID]; ok {
		return len(p.Subscribed)
	}
	return 0
}

// Section returns the in-memory section if already loaded.
func (w *World) Section(sectionID string) (*Section, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sections[sectionID]
	return s, ok
}

// LoadOrGenerateSection returns the section for id, loading it from the
// store (if persistent) or generating its baseline, caching the result in
// memory. Store I/O happens outside the world lock per the suspension-point
// discipline; a short lock is retaken only to publish the result.
func (w *World) LoadOrGenerateSection(ctx context.Context, st store.Store, id coord.ID) (*Section, error) {
	sectionID := id.String()

	w.mu.Lock()
	if s, ok := w.sections[sectionID]; ok {
		s.LastAccessed = time.Now()
		w.mu.Unlock()
		return s, nil
	}
	w.mu.Unlock()

	var section *Section
	if w.Persistent && st != nil {
		rec, found, err := st.LoadSection(ctx, w.ID, sectionID)
		if err != nil {
			return nil, fmt.Errorf("load section %s: %w", sectionID, err)
		}
		if found {
			blocks, err := coord.DecodeBlocks(rec.Blocks)
			if err != nil {
				return nil, fmt.Errorf("decode section %s: %w", sectionID, err)
			}
			section = &Section{ID: id, Blocks: blocks, Version: rec.Version, FromStore: true, LastAccessed: time.Now()}
		}
	}
	if section == nil {
		genFunc, ok := generator.Lookup(w.GeneratorVersion)
		if !ok {
			return nil, fmt.Errorf("no generator registered for version %d", w.GeneratorVersion)
		}
		section = &Section{ID: id, Blocks: genFunc(id), Version: 0, FromStore: false, LastAccessed: time.Now()}
	}

	w.mu.Lock()
	if existing, ok := w.sections[sectionID]; ok {
		w.mu.Unlock()
		return existing, nil
	}
	w.sections[sectionID] = section
	w.mu.Unlock()
	return section, nil
}

// SectionSnapshot copies s.Blocks and s.Version under the world lock, so
// a reader (chunk streaming, persistence flush) never observes a torn
// read racing against the edit arbiter's locked write of the same
// section.
func (w *World) SectionSnapshot(s *Section) (blocks [coord.BlocksPerSection]uint16, version int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return s.Blocks, s.Version
}

// CachedEdit returns a previously cached edit response for requestID, if
// present and not yet expired.
func (w *World) CachedEdit(requestID string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.editCache[requestID]
	if !ok {
		return nil, false
	}
	if time.Since(entry.at) > w.requestIDTTL {
		delete(w.editCache, requestID)
		return nil, false
	}
	return entry.response, true
}

// CacheEdit stores the response for requestID and lazily evicts expired
// entries, evicted lazily on each new insertion.
func (w *World) CacheEdit(requestID string, response any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for id, entry := range w.editCache {
		if now.Sub(entry.at) > w.requestIDTTL {
			delete(w.editCache, id)
		}
	}
	w.editCache[requestID] = editCacheEntry{response: response, at: now}
}

// DirtySections returns a snapshot of every section currently marked dirty.
func (w *World) DirtySections() []*Section {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*Section
	for _, s := range w.sections {
		if s.Dirty {
			out = append(out, s)
		}
	}
	return out
}

// DirtyCount returns how many sections are currently dirty.
func (w *World) DirtyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, s := range w.sections {
		if s.Dirty {
			n++
		}
	}
	return n
}

// ClearDirty unmarks the given sections, called after a successful flush.
func (w *World) ClearDirty(sections []*Section) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range sections {
		s.Dirty = false
	}
}

// IsEmpty reports whether the world currently has no participants.
func (w *World) IsEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.participants) == 0
}
