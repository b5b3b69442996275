// Package editarbiter validates and applies block-edit requests: idempotent
// replay by request id, rate limiting, bounds/reach/placement validation,
// and broadcast of accepted edits to a section's subscribers.
package editarbiter

import (
	"context"
	"math"

	"github.com/odinvoxel/worldserver/internal/coord"
	"github.com/odinvoxel/worldserver/internal/metrics"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/ratelimit"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
)

const (
	blockAir = 0

	playerHalfWidth = 0.3
	playerHeight    = 1.8
	eyeOffset       = 1.6
)

// Broadcaster sends frame to every connection currently in the given
// world's subscription index for sectionID (the originator included, if
// subscribed). Implemented by internal/broadcaster in the full server;
// kept as an interface here to avoid a package import cycle.
type Broadcaster interface {
	BroadcastToSection(w *world.World, sectionID string, frame any)
}

// Arbiter applies the eight-step edit pipeline for one world registry.
type Arbiter struct {
	store       store.Store
	rateLimiter *ratelimit.PerKeyLimiter
	broadcaster Broadcaster
	maxReach    float64
}

// New builds an Arbiter. maxReach is the maximum allowed Euclidean
// distance (default 5.0) from the participant's eye to the target block's
// center.
func New(st store.Store, rateLimiter *ratelimit.PerKeyLimiter, broadcaster Broadcaster, maxReach float64) *Arbiter {
	if maxReach <= 0 {
		maxReach = 5.0
	}
	return &Arbiter{store: st, rateLimiter: rateLimiter, broadcaster: broadcaster, maxReach: maxReach}
}

// Apply runs the full request pipeline for one BLOCK_EDIT_REQUEST from
// participant userID in w, returning the BlockEvent to send back to the
// originator. The originator's own send happens in the caller (session
// layer); Apply only broadcasts to subscribers on acceptance.
func (a *Arbiter) Apply(ctx context.Context, w *world.World, userID string, req protocol.BlockEditRequest) protocol.BlockEvent {
	// Step 1: idempotency replay.
	if cached, ok := w.CachedEdit(req.RequestID); ok {
		if ev, ok := cached.(protocol.BlockEvent); ok {
			return ev
		}
	}

	p, ok := w.Participant(userID)
	if !ok {
		ev := a.reject(w, req, protocol.RejectFailedToApply)
		return ev
	}

	// Step 2: rate limit.
	if !a.rateLimiter.Allow(userID) {
		return a.reject(w, req, protocol.RejectRateLimited)
	}

	// Step 3: bounds.
	id := coord.WorldToSection(req.X, req.Y, req.Z)
	if !id.InBounds() {
		return a.reject(w, req, protocol.RejectOutOfBounds)
	}

	// Step 4: reach.
	eyeX, eyeY, eyeZ := p.X, p.Y+eyeOffset, p.Z
	blockCX, blockCY, blockCZ := float64(req.X)+0.5, float64(req.Y)+0.5, float64(req.Z)+0.5
	dist := math.Sqrt(sq(eyeX-blockCX) + sq(eyeY-blockCY) + sq(eyeZ-blockCZ))
	if dist > a.maxReach {
		return a.reject(w, req, protocol.RejectTooFar)
	}

	// Step 5: load or generate the target section. This is the only
	// store I/O in the pipeline, so it runs before the world lock is
	// taken, per the suspension-point discipline (read under exclusion
	// -> release -> I/O -> reacquire -> publish); LoadOrGenerateSection
	// already manages its own locking around the cache check and publish.
	section, err := w.LoadOrGenerateSection(ctx, a.store, id)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load_section").Inc()
		return a.reject(w, req, protocol.RejectFailedToApply)
	}

	lx, ly, lz := coord.Local(req.X, req.Y, req.Z)
	localIdx := coord.LocalIndex(lx, ly, lz)

	// Steps 6-7: read-validate-write under a single world-lock
	// acquisition so two edits to the same voxel can't interleave their
	// read of prev with their write of the new block id. A second,
	// concurrently serialized request re-reads a fresh prev here and
	// rejects under the rules below, rather than racing the first.
	w.Lock()
	prev := section.Blocks[localIdx]
	var rejectReason string
	switch {
	case req.BlockID == blockAir && prev == blockAir:
		rejectReason = protocol.RejectNothingToBreak
	case req.BlockID != blockAir && prev != blockAir:
		rejectReason = protocol.RejectBlockOccupied
	case req.BlockID != blockAir && intersectsPlayerAABB(p, req.X, req.Y, req.Z):
		rejectReason = protocol.RejectCannotPlaceInSelf
	}
	if rejectReason != "" {
		w.Unlock()
		return a.reject(w, req, rejectReason)
	}

	section.Blocks[localIdx] = req.BlockID
	section.Version++
	section.Dirty = true
	newVersion := section.Version
	w.Unlock()

	// Step 8: build, cache, broadcast.
	ev := protocol.BlockEvent{
		Type: protocol.TypeBlockEvent, ProtocolVersion: protocol.ProtocolVersion,
		RequestID: req.RequestID, Accepted: true,
		X: req.X, Y: req.Y, Z: req.Z, BlockID: req.BlockID,
		PreviousBlockID: prev, SectionVersion: newVersion, Section: id.String(),
	}
	w.CacheEdit(req.RequestID, ev)
	metrics.EditsTotal.WithLabelValues("accepted").Inc()
	if a.broadcaster != nil {
		a.broadcaster.BroadcastToSection(w, id.String(), ev)
	}
	return ev
}

func (a *Arbiter) reject(w *world.World, req protocol.BlockEditRequest, reason string) protocol.BlockEvent {
	ev := protocol.BlockEvent{
		Type: protocol.TypeBlockEvent, ProtocolVersion: protocol.ProtocolVersion,
		RequestID: req.RequestID, Accepted: false,
		X: req.X, Y: req.Y, Z: req.Z, BlockID: req.BlockID,
		RejectReason: reason,
	}
	w.CacheEdit(req.RequestID, ev)
	metrics.EditsTotal.WithLabelValues(reason).Inc()
	return ev
}

func sq(v float64) float64 { return v * v }

// intersectsPlayerAABB reports whether the unit voxel at (x,y,z) overlaps
// the participant's axis-aligned bounding box: half-width 0.3 centered on
// (p.X, p.Z), height 1.8 starting at p.Y.
func intersectsPlayerAABB(p *world.Participant, x, y, z int) bool {
	voxelMinX, voxelMaxX := float64(x), float64(x)+1
	voxelMinY, voxelMaxY := float64(y), float64(y)+1
	voxelMinZ, voxelMaxZ := float64(z), float64(z)+1

	playerMinX, playerMaxX := p.X-playerHalfWidth, p.X+playerHalfWidth
	playerMinY, playerMaxY := p.Y, p.Y+playerHeight
	playerMinZ, playerMaxZ := p.Z-playerHalfWidth, p.Z+playerHalfWidth

	overlapX := voxelMinX < playerMaxX && voxelMaxX > playerMinX
	overlapY := voxelMinY < playerMaxY && voxelMaxY > playerMinY
	overlapZ := voxelMinZ < playerMaxZ && voxelMaxZ > playerMinZ
	return overlapX && overlapY && overlapZ
}
