package main

import (
	"context"
	_ "embed"
	"flag"
	"os"
	"strings"
	"time"

	"entanglement/pkg/bus"
	"entanglement/pkg/gc"
	"entanglement/pkg/log"
	"entanglement/pkg/meta"
	"entanglement/pkg/packfile"
	"entanglement/pkg/server"
	"entanglement/pkg/sync"
)

const storageDirPerm = 0o750

//go:embed VERSION
var Version string

func main() {
	// Initialize logger first
	_ = log.Logger

	listen := flag.String("listen", ":8080", "Listen address")
	dataDir := flag.String("data", "build/data", "Chunk storage directory")
	dbPath := flag.String("db", "build/entanglement.db", "Metadata database path")
	busCapacity := flag.Int("bus-capacity", bus.DefaultCapacity, "Per-subscriber event buffer depth")
	gcThreshold := flag.Float64("gc-threshold", gc.DefaultLiveThreshold, "Live fraction below which containers compact")
	gcInterval := flag.Duration("gc-interval", 0, "Interval between collection passes (0 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		log.SetDebugMode()
	}

	if err := os.MkdirAll(*dataDir, storageDirPerm); err != nil {
		log.Fatal().Err(err).Str("data_dir", *dataDir).Msg("Failed to create storage directory")
	}

	metaStore, err := meta.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", *dbPath).Msg("Failed to open metadata store")
	}
	defer func() {
		if err := metaStore.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close metadata store")
		}
	}()

	ctx := context.Background()
	pack, err := packfile.Open(ctx, *dataDir, metaStore)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open packfile store")
	}

	changeBus := bus.New(*busCapacity)
	engine := sync.NewEngine(metaStore, pack, changeBus)

	if *gcInterval > 0 {
		collector := gc.New(metaStore, pack, *gcThreshold)
		go runCollector(ctx, collector, *gcInterval)
	}

	srv := server.New(engine, metaStore, pack, strings.TrimSpace(Version))
	if err := srv.Start(*listen); err != nil {
		log.Fatal().Err(err).Msg("Server failed to start")
	}

	os.Exit(0)
}

func runCollector(ctx context.Context, collector *gc.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if _, err := collector.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Collection pass failed")
		}
	}
}
