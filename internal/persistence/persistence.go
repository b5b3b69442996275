// Package persistence runs the background loops that keep the durable
// store in sync with in-memory world state: a periodic dirty-section
// flush, a session heartbeat, startup crash recovery, and graceful-shutdown
// sequencing.
package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinvoxel/worldserver/internal/coord"
	"github.com/odinvoxel/worldserver/internal/logging"
	"github.com/odinvoxel/worldserver/internal/metrics"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
)

// Config controls loop periods and the back-pressure bound.
type Config struct {
	FlushPeriod        time.Duration
	HeartbeatPeriod    time.Duration
	MaxDirtyPerWorld    int
	InstanceID          string
}

// Loop owns the flush and heartbeat goroutines for one registry.
type Loop struct {
	registry *world.Registry
	store    store.Store
	cfg      Config
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Loop. Call Run to run it, Shutdown to stop it.
func New(registry *world.Registry, st store.Store, cfg Config, logger zerolog.Logger) *Loop {
	if cfg.FlushPeriod <= 0 {
		cfg.FlushPeriod = time.Second
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 30 * time.Second
	}
	if cfg.MaxDirtyPerWorld <= 0 {
		cfg.MaxDirtyPerWorld = 500
	}
	return &Loop{
		registry: registry,
		store:    st,
		cfg:      cfg,
		logger:   logger.With().Str("component", "persistence").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Recover clears any world_sessions rows left "online" by a previous crash
// of this instance, per the startup-recovery step.
func (l *Loop) Recover(ctx context.Context) error {
	return l.store.MarkSessionsOffline(ctx, l.cfg.InstanceID)
}

// Run drives the flush and heartbeat loops until ctx is canceled or
// Shutdown is called. Meant to be launched with `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)

	flushTicker := time.NewTicker(l.cfg.FlushPeriod)
	defer flushTicker.Stop()
	heartbeatTicker := time.NewTicker(l.cfg.HeartbeatPeriod)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-flushTicker.C:
			l.flushAll(ctx)
		case <-heartbeatTicker.C:
			l.heartbeatAll(ctx)
		}
	}
}

// Shutdown stops the loops, performs one final flush of every dirty
// section, and marks this instance's sessions offline.
func (l *Loop) Shutdown(ctx context.Context) {
	close(l.stopCh)
	<-l.doneCh
	l.flushAll(ctx)
	if err := l.store.MarkSessionsOffline(ctx, l.cfg.InstanceID); err != nil {
		l.logger.Error().Err(err).Msg("mark sessions offline failed during shutdown")
	}
}

func (l *Loop) flushAll(ctx context.Context) {
	defer logging.RecoverPanic(l.logger, "persistence.flush", nil)
	start := time.Now()
	defer func() { metrics.PersistenceFlushDuration.Observe(time.Since(start).Seconds()) }()

	for _, w := range l.registry.Worlds() {
		if !w.Persistent {
			continue
		}
		l.flushWorld(ctx, w)
	}
}

func (l *Loop) flushWorld(ctx context.Context, w *world.World) {
	dirty := w.DirtySections()
	if len(dirty) == 0 {
		return
	}
	if len(dirty) > l.cfg.MaxDirtyPerWorld {
		l.logger.Warn().Str("world", w.ID).Int("dirty_count", len(dirty)).Msg("dirty section bound exceeded")
	}

	batch := make([]store.SectionRecord, 0, len(dirty))
	for _, s := range dirty {
		blocks, version := w.SectionSnapshot(s)
		batch = append(batch, store.SectionRecord{
			Section: s.ID.String(),
			Blocks:  coord.EncodeBlocks(blocks),
			Version: version,
		})
	}

	if err := l.store.UpsertSections(ctx, w.ID, batch); err != nil {
		metrics.StoreErrors.WithLabelValues("upsert_sections").Inc()
		metrics.PersistenceFlushFailures.Inc()
		l.logger.Error().Err(err).Str("world", w.ID).Int("sections", len(batch)).Msg("section flush failed, retrying next cycle")
		return
	}
	w.ClearDirty(dirty)
	metrics.SectionsFlushedTotal.Add(float64(len(batch)))
	metrics.DirtySections.WithLabelValues(w.ID).Set(float64(w.DirtyCount()))
}

func (l *Loop) heartbeatAll(ctx context.Context) {
	defer logging.RecoverPanic(l.logger, "persistence.heartbeat", nil)
	for _, w := range l.registry.Worlds() {
		if !w.Persistent {
			continue
		}
		if err := l.store.Heartbeat(ctx, w.ID, w.ParticipantCount()); err != nil {
			metrics.StoreErrors.WithLabelValues("heartbeat").Inc()
			l.logger.Error().Err(err).Str("world", w.ID).Msg("heartbeat failed")
		}
	}
}
