// Package chunkstream paces SECTION_DATA delivery to subscribed
// participants: a per-participant pending queue fed by SUBSCRIBE frames,
// dequeued at a bounded rate per tick so one greedy client can't monopolize
// the world's section-loading work.
package chunkstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/odinvoxel/worldserver/internal/coord"
	"github.com/odinvoxel/worldserver/internal/metrics"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/ratelimit"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
)

// Streamer tracks each participant's pending-section queue and paces
// delivery.
type Streamer struct {
	store            store.Store
	subscribeLimiter *ratelimit.PerKeyLimiter
	maxSubscriptions int
	perTickQuota     int // sections dequeued per tick per participant, min 1

	mu      sync.Mutex
	pending map[string][]coord.ID // "world:user" -> queue
}

// New builds a Streamer. sectionsPerSecond/ticksPerSecond determine the
// steady-state per-tick quota (rounded up, minimum 1).
func New(st store.Store, subscribeLimiter *ratelimit.PerKeyLimiter, maxSubscriptions, sectionsPerSecond, ticksPerSecond int) *Streamer {
	quota := 1
	if ticksPerSecond > 0 && sectionsPerSecond > 0 {
		quota = (sectionsPerSecond + ticksPerSecond - 1) / ticksPerSecond
		if quota < 1 {
			quota = 1
		}
	}
	return &Streamer{
		store:            st,
		subscribeLimiter: subscribeLimiter,
		maxSubscriptions: maxSubscriptions,
		perTickQuota:     quota,
		pending:          make(map[string][]coord.ID),
	}
}

func key(worldID, userID string) string { return worldID + ":" + userID }

// HandleSubscribe applies a SUBSCRIBE frame's add/remove lists, then
// immediately drains at least one pending section so the participant sees
// a prompt response: the quota is rounded up to at least one on an explicit
// subscribe."
func (s *Streamer) HandleSubscribe(ctx context.Context, w *world.World, userID string, conn world.Conn, msg protocol.Subscribe) {
	if !s.subscribeLimiter.Allow(userID) {
		_ = conn.Send(protocol.NewError(protocol.ErrRateLimited, "subscribe rate limit exceeded", false))
		return
	}

	k := key(w.ID, userID)

	for _, idStr := range msg.Remove {
		id, err := coord.Parse(idStr)
		if err != nil {
			continue
		}
		w.Unsubscribe(userID, id.String())
		s.dequeueSpecific(k, id)
	}

	for _, idStr := range msg.Add {
		id, err := coord.Parse(idStr)
		if err != nil {
			_ = conn.Send(protocol.NewError(protocol.ErrInvalidRequest, fmt.Sprintf("invalid section id %q", idStr), false))
			break
		}
		if w.SubscriptionCount(userID) >= s.maxSubscriptions {
			_ = conn.Send(protocol.NewError(protocol.ErrInvalidRequest, "maximum subscriptions exceeded", false))
			break
		}
		w.Subscribe(userID, id.String())
		s.enqueue(k, id)
	}

	quota := s.perTickQuota
	if quota < 1 {
		quota = 1
	}
	s.drain(ctx, w, userID, conn, quota)
}

// Tick drains each admitted participant's queue by the steady-state quota;
// called once per broadcaster tick.
func (s *Streamer) Tick(ctx context.Context, w *world.World) {
	for _, p := range w.Participants() {
		s.drain(ctx, w, p.UserID, p.Conn, s.perTickQuota)
	}
}

// RemoveParticipant drops a participant's queue, called on disconnect.
func (s *Streamer) RemoveParticipant(worldID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key(worldID, userID))
	s.subscribeLimiter.Remove(userID)
}

func (s *Streamer) enqueue(k string, id coord.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[k] = append(s.pending[k], id)
}

func (s *Streamer) dequeueSpecific(k string, id coord.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.pending[k]
	out := queue[:0]
	for _, q := range queue {
		if q != id {
			out = append(out, q)
		}
	}
	s.pending[k] = out
}

func (s *Streamer) popN(k string, n int) []coord.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.pending[k]
	if len(queue) == 0 {
		return nil
	}
	if n > len(queue) {
		n = len(queue)
	}
	popped := append([]coord.ID(nil), queue[:n]...)
	s.pending[k] = queue[n:]
	return popped
}

func (s *Streamer) drain(ctx context.Context, w *world.World, userID string, conn world.Conn, n int) {
	if conn == nil {
		return
	}
	ids := s.popN(key(w.ID, userID), n)
	for _, id := range ids {
		section, err := w.LoadOrGenerateSection(ctx, s.store, id)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("load_section").Inc()
			continue
		}
		blocks, version := w.SectionSnapshot(section)
		frame := protocol.SectionData{
			Type: protocol.TypeSectionData, ProtocolVersion: protocol.ProtocolVersion,
			Section:   id.String(),
			Version:   version,
			Blocks:    base64.StdEncoding.EncodeToString(coord.EncodeBlocks(blocks)),
			FromStore: section.FromStore,
		}
		if err := conn.Send(frame); err != nil {
			continue
		}
		metrics.SectionsStreamedTotal.Inc()
	}
}
