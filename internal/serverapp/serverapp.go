// Package serverapp wires configuration, logging, metrics, the durable
// store, credential verification, the world registry, and the real-time
// loops into one HTTP listener exposing /ws, /healthz, and /metrics.
package serverapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinvoxel/worldserver/internal/authn"
	"github.com/odinvoxel/worldserver/internal/broadcaster"
	"github.com/odinvoxel/worldserver/internal/chunkstream"
	"github.com/odinvoxel/worldserver/internal/config"
	"github.com/odinvoxel/worldserver/internal/editarbiter"
	"github.com/odinvoxel/worldserver/internal/metrics"
	"github.com/odinvoxel/worldserver/internal/persistence"
	"github.com/odinvoxel/worldserver/internal/protocol"
	"github.com/odinvoxel/worldserver/internal/ratelimit"
	"github.com/odinvoxel/worldserver/internal/session"
	"github.com/odinvoxel/worldserver/internal/store"
	"github.com/odinvoxel/worldserver/internal/world"
)

// App owns every long-running component of one server instance.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    store.Store
	registry *world.Registry
	streamer *chunkstream.Streamer
	arbiter  *editarbiter.Arbiter
	bc       *broadcaster.Broadcaster
	persist  *persistence.Loop

	httpServer *http.Server
}

// New builds an App from cfg. st is the durable store (already opened);
// the caller owns closing it after Shutdown returns.
func New(cfg *config.Config, st store.Store, logger zerolog.Logger) *App {
	registry := world.NewRegistry(st, protocol.ProtocolVersion, cfg.RegistryVersion, cfg.GeneratorVersion, cfg.MaxParticipantsPerWorld, cfg.RequestIDTTL, cfg.InstanceID, cfg.PublicURL)

	subscribeLimiter := ratelimit.NewPerKeyLimiter(cfg.SubscribesPerSecond)
	editLimiter := ratelimit.NewPerKeyLimiter(cfg.EditsPerSecond)
	connLimiter := ratelimit.NewConnectionLimiter(cfg.ConnRatePerIPPerMin, 5*time.Minute, logger)

	ticksPerSecond := int(time.Second / cfg.TickPeriod)
	if ticksPerSecond < 1 {
		ticksPerSecond = 1
	}
	streamer := chunkstream.New(st, subscribeLimiter, cfg.MaxSubscriptions, cfg.SectionsStreamedPerSecond, ticksPerSecond)
	bc := broadcaster.New(registry, streamer, cfg.TickPeriod, logger)
	arbiter := editarbiter.New(st, editLimiter, bc, cfg.MaxReachDistance)

	verifier := authn.New(authn.NewStoreKeySetProvider(func(ctx context.Context) (map[string][]byte, error) {
		ks, err := st.KeySet(ctx)
		if err != nil {
			return nil, err
		}
		return ks.Keys, nil
	}), cfg.KeySetCacheTTL, "", "", logger)

	persist := persistence.New(registry, st, persistence.Config{
		FlushPeriod:      cfg.PersistenceFlush,
		HeartbeatPeriod:  cfg.HeartbeatPeriod,
		MaxDirtyPerWorld: cfg.MaxDirtySectionsPerWorld,
		InstanceID:       cfg.InstanceID,
	}, logger)

	handler := session.NewHandler(session.Config{
		HandshakeTimeout:     cfg.HandshakeTimeout,
		StaleActivityTimeout: cfg.StaleActivityTimeout,
		MaxInboundFrameBytes: cfg.MaxInboundFrameBytes,
	}, cfg.AllowedOrigins, connLimiter, verifier, registry, st, streamer, arbiter, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.HandleFunc("/healthz", healthHandler(registry))
	mux.Handle("/metrics", metrics.Handler())

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: registry,
		streamer: streamer,
		arbiter:  arbiter,
		bc:       bc,
		persist:  persist,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Run starts every loop and the HTTP listener, blocking until ctx is
// canceled, then performs graceful shutdown and returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.persist.Recover(ctx); err != nil {
		a.logger.Error().Err(err).Msg("startup session recovery failed")
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	go a.bc.Run(loopCtx)
	go a.persist.Run(loopCtx)
	go metrics.RunProcessMonitor(loopCtx, a.cfg.MetricsInterval)

	serveErrCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.Addr).Msg("listening")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			cancelLoops()
			return fmt.Errorf("serverapp: listen failed: %w", err)
		}
	}

	return a.shutdown(cancelLoops)
}

func (a *App) shutdown(cancelLoops context.CancelFunc) error {
	a.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http server shutdown error")
	}

	for _, w := range a.registry.Worlds() {
		for _, p := range w.Participants() {
			if p.Conn == nil {
				continue
			}
			_ = p.Conn.Close(protocol.CloseGoingAway, "server shutting down")
		}
	}

	a.bc.Stop()
	cancelLoops()
	a.persist.Shutdown(shutdownCtx)

	return nil
}

func healthHandler(registry *world.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worlds := registry.Worlds()
		participants := 0
		for _, wrld := range worlds {
			participants += wrld.ParticipantCount()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"worlds":       len(worlds),
			"participants": participants,
		})
	}
}
