// Package broadcaster runs the fixed-period motion snapshot loop and
// fans out accepted edits to a section's subscribers.
package broadcaster

import (
	"context"
	"time"

	"github.com/odinvoxel/worldserver/internal/chunkstream"
	"github.com/odinvoxel/worldserver/internal/logging"
	"github.com/odinvoxel/worldserver/internal/metrics"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/world"
	"github.com/rs/zerolog"
)

// Broadcaster owns the tick goroutine. It also implements
// editarbiter.Broadcaster so the edit arbiter can fan out BLOCK_EVENT
// frames to every subscriber of the edited section.
type Broadcaster struct {
	registry *world.Registry
	streamer *chunkstream.Streamer
	period   time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Broadcaster firing every period (default 50ms).
func New(registry *world.Registry, streamer *chunkstream.Streamer, period time.Duration, logger zerolog.Logger) *Broadcaster {
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	return &Broadcaster{
		registry: registry,
		streamer: streamer,
		period:   period,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run drives the tick loop until ctx is canceled or Stop is called. A
// panic within one tick cycle is recovered so it never kills the process.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// Stop signals the tick loop to exit and waits for it to do so.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Broadcaster) tick(ctx context.Context) {
	defer logging.RecoverPanic(b.logger, "broadcaster.tick", nil)

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	serverTime := start.UnixMilli()
	for _, w := range b.registry.Worlds() {
		participants := w.Participants()
		if len(participants) == 0 {
			continue
		}

		players := make([]protocol.Participant, 0, len(participants))
		for _, p := range participants {
			players = append(players, protocol.Participant{
				PlayerID: p.UserID, Name: p.DisplayName,
				X: p.X, Y: p.Y, Z: p.Z,
				VX: p.VX, VY: p.VY, VZ: p.VZ,
				Yaw: p.Yaw, Pitch: p.Pitch,
				LastSeq: int64(p.LastSeq),
			})
		}
		snapshot := protocol.Snapshot{
			Type: protocol.TypeSnapshot, ProtocolVersion: protocol.ProtocolVersion,
			ServerTime: serverTime, Players: players,
		}

		for _, p := range participants {
			if p.Conn == nil {
				continue
			}
			if err := p.Conn.Send(snapshot); err != nil {
				b.logger.Debug().Str("world", w.ID).Str("user", p.UserID).Err(err).Msg("snapshot send failed")
			}
		}

		if b.streamer != nil {
			b.streamer.Tick(ctx, w)
		}
	}
}

// BroadcastToSection sends frame to every connection subscribed to
// sectionID in w, satisfying editarbiter.Broadcaster.
func (b *Broadcaster) BroadcastToSection(w *world.World, sectionID string, frame any) {
	for _, userID := range w.Subscribers(sectionID) {
		p, ok := w.Participant(userID)
		if !ok || p.Conn == nil {
			continue
		}
		if err := p.Conn.Send(frame); err != nil {
			b.logger.Debug().Str("world", w.ID).Str("user", userID).Err(err).Msg("edit broadcast send failed")
		}
	}
}
