// Command contextmesh runs one node of the tiered context mesh: a central
// authority, a regional replica, or an edge cache, selected by
// SERVER_TYPE.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentcontext/contextmesh/internal/central"
	"github.com/agentcontext/contextmesh/internal/eventbus"
	"github.com/agentcontext/contextmesh/internal/httpapi"
	"github.com/agentcontext/contextmesh/internal/meshtypes"
	"github.com/agentcontext/contextmesh/internal/metrics"
	"github.com/agentcontext/contextmesh/internal/peers"
	"github.com/agentcontext/contextmesh/internal/replication"
	"github.com/agentcontext/contextmesh/internal/store"
	"github.com/agentcontext/contextmesh/internal/sync"
)

func main() {
	if err := run(); err != nil {
		log.Printf("contextmesh: %v", err)
		os.Exit(1)
	}
}

func run() error {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	serverType := envOrDefault("SERVER_TYPE", "central")
	if serverType != "central" && serverType != "regional" && serverType != "cache" {
		return fmt.Errorf("invalid SERVER_TYPE %q, want central, regional, or cache", serverType)
	}
	port := intEnv("PORT", 8080)
	dataDir := envOrDefault("DATA_DIR", "./data")
	nodeID := envOrDefault("NODE_ID", uuid.NewString())
	regionID := envOrDefault("REGION_ID", "")
	centralAuthority := envOrDefault("CENTRAL_AUTHORITY", "")
	syncInterval := durationEnvMillis("SYNC_INTERVAL", sync.DefaultSyncInterval)
	cacheTTL := durationEnvMillis("CACHE_TTL", 0)
	storeDSN := envOrDefault("STORE_DSN", "")
	schemaDir := envOrDefault("SCHEMA_DIR", "")
	overlayDirectoryURL := envOrDefault("OVERLAY_DIRECTORY_URL", "")

	var backend store.Backend
	var err error
	if storeDSN != "" {
		backend, err = store.BuildBackendFromDSN(storeDSN, dataDir)
	} else {
		backend, err = store.NewFileBackend(dataDir)
	}
	if err != nil {
		return fmt.Errorf("initializing store backend: %w", err)
	}

	validator, err := store.LoadSchemaDirectory(schemaDir)
	if err != nil {
		return fmt.Errorf("loading schema directory: %w", err)
	}

	bus := eventbus.New()

	storeOpts := store.Options{
		Backend:         backend,
		Bus:             bus,
		CacheCapacity:   cacheCapacityFromTTL(cacheTTL),
		SchemaValidator: validator,
		Logger:          logger,
	}
	if storeDSN == "" {
		storeOpts.DataDirForWatch = dataDir
	}
	st := store.New(storeOpts)
	defer st.Close()

	replServer := replication.New(bus, logger)
	metricsRegistry := metrics.New()

	var directory meshtypes.PeerDirectory
	if overlayDirectoryURL != "" {
		directory = peers.NewHTTPDirectory(overlayDirectoryURL, nil)
	} else {
		directory = peers.NewStaticDirectory()
	}

	cfg := httpapi.Config{ServerType: serverType, NodeID: nodeID, RegionID: regionID}
	opts := []httpapi.Option{
		httpapi.WithDirectory(directory),
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(metricsRegistry),
	}

	if serverType == "central" {
		propagator := central.New(directory, st, nil, logger)
		propagator.SetMetrics(metricsRegistry)
		opts = append(opts, httpapi.WithPropagator(propagator))
	} else {
		upstreamTag := "central"
		if serverType == "cache" {
			upstreamTag = "regional"
		}
		forwarder := central.NewForwarder(directory, centralAuthority, nil)
		opts = append(opts, httpapi.WithForwarder(forwarder))

		syncer := sync.New(sync.Options{
			Store:          st,
			Directory:      directory,
			UpstreamTag:    upstreamTag,
			StaticFallback: centralAuthority,
			Logger:         logger,
			SyncInterval:   syncInterval,
		})
		opts = append(opts, httpapi.WithSyncer(syncer))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go syncer.Run(ctx)
	}

	server := httpapi.New(st, replServer, cfg, opts...)

	addr := ":" + strconv.Itoa(port)
	httpServer := &http.Server{Addr: addr, Handler: server}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("contextmesh: %s node %s listening on %s", serverType, nodeID, addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Printf("contextmesh: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

// durationEnvMillis parses an environment variable expressed in
// milliseconds, matching spec §6's "SYNC_INTERVAL ms" configuration unit.
func durationEnvMillis(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// cacheEntrySlotWindow is the assumed hot-retention window a single LRU
// slot buys, used to turn spec §6's "CACHE_TTL ms (LRU hint)" into the
// entry-count capacity internal/store's LRU actually takes. The LRU has no
// time-based eviction of its own (see internal/store/lru.go), so a longer
// CACHE_TTL is honored as "keep proportionally more contexts resident"
// rather than as a real per-entry expiry.
const cacheEntrySlotWindow = 50 * time.Millisecond

// cacheCapacityFromTTL derives an LRU entry-count capacity from the
// CACHE_TTL duration hint. Zero (unset) defers to store.DefaultCacheCapacity.
func cacheCapacityFromTTL(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	capacity := int(ttl / cacheEntrySlotWindow)
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}
