// Package supervisor owns process lifecycle: wiring the catalog,
// registry, and signaling HTTP server together, installing signal
// handling, and draining live sessions on shutdown instead of severing
// them outright. Grounded on the teacher's cmd/relay/main.go (signal
// wiring, context-cancellation shutdown) and pkg/api/server.go's
// Start/Stop shape, generalized from "one camera, one process" to a
// multi-camera core fronted by the Signaling Endpoints.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/vms-streaming-core/pkg/catalog"
	"github.com/ethan/vms-streaming-core/pkg/config"
	"github.com/ethan/vms-streaming-core/pkg/registry"
	"github.com/ethan/vms-streaming-core/pkg/signaling"
)

// Supervisor owns the top-level lifecycle of the VMS streaming core
// process: startup ordering, signal-driven drain, and shutdown.
type Supervisor struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	signaler *signaling.Server
}

// New wires the Registry, Signaling Service, and HTTP Server from cfg and
// a camera catalog, but starts nothing yet.
func New(cfg *config.Config, cat catalog.Catalog, logger *slog.Logger) *Supervisor {
	reg := registry.New(cfg.SweepInterval, logger)

	svcCfg := signaling.Config{
		STUNServer:         cfg.STUNServer,
		SessionTTL:         cfg.SessionTTL,
		RecordingRoot:      cfg.RecordingRoot,
		SegmentByteCap:     cfg.SegmentByteCap,
		RTSPConnectTimeout: cfg.RTSPConnectTimeout,
	}
	svc := signaling.NewService(svcCfg, cat, reg, logger)
	srv := signaling.NewServer(svc, logger)

	return &Supervisor{cfg: cfg, logger: logger, registry: reg, signaler: srv}
}

// Run starts the HTTP server and blocks until a SIGINT/SIGTERM is
// received, then drains: it stops accepting new opens (the HTTP server
// is shut down first, which refuses new connections while letting
// in-flight handlers finish), waits up to ShutdownDrainWindow for the
// registry to empty on its own, then force-sweeps anything left.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.signaler.Start(ctx, s.cfg.HTTPAddr); err != nil {
		return err
	}

	s.logger.Info("vms streaming core ready", "address", s.cfg.HTTPAddr)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.shutdown()
}

// shutdown implements the drain: stop HTTP admission first, then give
// live sessions ShutdownDrainWindow to close on their own (viewers
// disconnecting, stop calls arriving) before force-tearing whatever
// remains via the registry sweeper.
func (s *Supervisor) shutdown() error {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	if err := s.signaler.Stop(stopCtx); err != nil {
		s.logger.Error("error stopping signaling server", "error", err)
	}

	deadline := time.Now().Add(s.cfg.ShutdownDrainWindow)
	for time.Now().Before(deadline) {
		if s.registry.Count() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if remaining := s.registry.Count(); remaining > 0 {
		s.logger.Warn("force-closing sessions still live after drain window", "count", remaining)
		s.registry.DrainAll()
	}

	s.registry.Stop()
	s.logger.Info("graceful shutdown complete")
	return nil
}
