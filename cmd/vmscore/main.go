// Command vmscore is the VMS streaming core's single entrypoint: it loads
// configuration and the camera catalog, then hands off to the Supervisor
// for startup, signal handling, and graceful drain. Grounded on the
// teacher's cmd/relay/main.go for flag parsing and logger wiring,
// generalized from "one Nest camera, one Cloudflare session" to "N
// cameras fronted by the Signaling Endpoints".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ethan/vms-streaming-core/pkg/catalog"
	"github.com/ethan/vms-streaming-core/pkg/config"
	"github.com/ethan/vms-streaming-core/pkg/logger"
	"github.com/ethan/vms-streaming-core/pkg/supervisor"
)

func main() {
	fs := flag.NewFlagSet("vmscore", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to .env-style configuration file")
	catalogPath := fs.String("catalog", "", "path to the camera catalog JSON file (overrides config)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "VMS streaming core: RTSP ingest, WebRTC distribution, continuous recording\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)
	log.Info("starting vms streaming core", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Warn("no usable env file, falling back to defaults", "path", *envPath, "error", err)
		cfg = config.Default()
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	cat, err := catalog.NewFileCatalog(cfg.CatalogPath)
	if err != nil {
		log.Error("failed to load camera catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}
	log.Info("camera catalog loaded", "path", cfg.CatalogPath)

	sup := supervisor.New(cfg, cat, log.Logger)

	if err := sup.Run(context.Background()); err != nil {
		log.Error("vms streaming core exited with error", "error", err)
		os.Exit(1)
	}
}
