package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"terrainstream/internal/config"
	"terrainstream/internal/logging"
	"terrainstream/internal/server"
)

func main() {
	var cfgPath, manifestSource, writeDefault string
	flag.StringVar(&cfgPath, "config", "", "path to terrain streaming configuration file (json or yaml)")
	flag.StringVar(&manifestSource, "manifest-source", "", "go-getter address of a published chunk manifest (overrides storage.manifestSource)")
	flag.StringVar(&writeDefault, "write-default", "", "write the default configuration as yaml to this path and exit")
	flag.Parse()

	if writeDefault != "" {
		if err := config.WriteDefault(writeDefault); err != nil {
			log.Fatalf("write default config: %v", err)
		}
		return
	}

	if _, err := writeConfigFromEnv(cfgPath); err != nil {
		log.Fatalf("sync config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if manifestSource != "" {
		cfg.Storage.ManifestSource = manifestSource
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("initialise terrain server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}

		// Ensure the process terminates if shutdown stalls.
		time.AfterFunc(10*time.Second, func() {
			log.Printf("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
