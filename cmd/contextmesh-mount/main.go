// Command contextmesh-mount exposes a running contextmesh node's contexts
// as a read-only FUSE filesystem: one <id>.json and one <id>.meta.json per
// context, refreshed on a poll interval (spec §4.7).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentcontext/contextmesh/internal/fusemount"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("CONTEXTMESH_BASE_URL", "http://127.0.0.1:8080"), "contextmesh node base URL")
	mountpoint := flag.String("mountpoint", strings.TrimSpace(os.Getenv("CONTEXTMESH_MOUNTPOINT")), "directory to mount at")
	interval := flag.Duration("interval", durationEnv("CONTEXTMESH_MOUNT_INTERVAL", fusemount.DefaultPollInterval), "directory listing poll interval")
	allowOther := flag.Bool("allow-other", boolEnv("CONTEXTMESH_MOUNT_ALLOW_OTHER", false), "allow other users to access the mount")
	once := flag.Bool("once", false, "mount, confirm it came up, then exit without waiting for a signal")
	flag.Parse()

	if strings.TrimSpace(*mountpoint) == "" {
		log.Fatalf("mountpoint is required (--mountpoint or CONTEXTMESH_MOUNTPOINT)")
	}
	if *interval <= 0 {
		*interval = fusemount.DefaultPollInterval
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote := fusemount.NewHTTPRemote(strings.TrimSpace(*baseURL))
	server, err := fusemount.Mount(rootCtx, fusemount.Options{
		Mountpoint:   *mountpoint,
		Remote:       remote,
		PollInterval: *interval,
		AllowOther:   *allowOther,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("mounting %s: %v", *mountpoint, err)
	}

	if *once {
		if err := server.Unmount(); err != nil {
			log.Fatalf("unmounting %s: %v", *mountpoint, err)
		}
		return
	}

	log.Printf("contextmesh-mount: serving %s from %s until signalled", *mountpoint, *baseURL)
	<-rootCtx.Done()
	log.Printf("contextmesh-mount: unmounting %s", *mountpoint)
	if err := server.Unmount(); err != nil {
		log.Fatalf("unmounting %s: %v", *mountpoint, err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
