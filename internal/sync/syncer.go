// Package sync implements ReplicaSync: the state machine a regional or
// edge node runs to stay caught up with its upstream (spec §4.4).
package sync

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
	"github.com/agentcontext/contextmesh/internal/peers"
	"github.com/agentcontext/contextmesh/internal/store"
)

// State names the ReplicaSync state machine's current phase, exposed for
// /status.
type State string

const (
	StateIdle      State = "idle"
	StateDiscover  State = "discover"
	StateCatchup   State = "catchup"
	StateStream    State = "stream"
	StateReconcile State = "reconcile"
)

// DefaultSyncInterval is the base delay between DISCOVER attempts and the
// periodic RECONCILE tick while streaming.
const DefaultSyncInterval = 60 * time.Second

// maxBackoffMultiplier caps exponential backoff at 10x the base interval.
const maxBackoffMultiplier = 10

// UpstreamTag selects which peer role ReplicaSync treats as its upstream:
// regional nodes sync from "central", edge nodes sync from "regional".
type Options struct {
	Store         *store.Store
	Directory     meshtypes.PeerDirectory
	UpstreamTag   string
	StaticFallback string // used when the directory has no online peer with UpstreamTag
	NewClient     func(baseURL string) RemoteClient
	Logger        *log.Logger
	SyncInterval  time.Duration
}

// Syncer runs the ReplicaSync state machine for one node.
type Syncer struct {
	store          *store.Store
	directory      meshtypes.PeerDirectory
	upstreamTag    string
	staticFallback string
	newClient      func(baseURL string) RemoteClient
	logger         *log.Logger
	syncInterval   time.Duration

	mu    sync.RWMutex
	state State
}

// New constructs a Syncer. NewClient defaults to producing an HTTPClient.
func New(opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	interval := opts.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	newClient := opts.NewClient
	if newClient == nil {
		newClient = func(baseURL string) RemoteClient { return NewHTTPClient(baseURL, nil) }
	}
	return &Syncer{
		store:          opts.Store,
		directory:      opts.Directory,
		upstreamTag:    opts.UpstreamTag,
		staticFallback: opts.StaticFallback,
		newClient:      newClient,
		logger:         logger,
		syncInterval:   interval,
		state:          StateIdle,
	}
}

// State reports the syncer's current phase.
func (s *Syncer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Syncer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the state machine until ctx is cancelled. It is meant to be
// started once in its own goroutine at node startup.
func (s *Syncer) Run(ctx context.Context) {
	backoffAttempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}

		s.setState(StateDiscover)
		upstream, err := s.discover(ctx)
		if err != nil {
			s.logger.Printf("replica sync: discover failed: %v", err)
			if !s.sleepBackoff(ctx, &backoffAttempt) {
				return
			}
			continue
		}

		client := s.newClient(upstream)

		s.setState(StateCatchup)
		if err := s.catchup(ctx, client); err != nil {
			s.logger.Printf("replica sync: catchup against %s failed: %v", upstream, err)
			if !s.sleepBackoff(ctx, &backoffAttempt) {
				return
			}
			continue
		}
		backoffAttempt = 0

		s.setState(StateStream)
		needsResync, err := s.stream(ctx, client)
		if err != nil {
			s.logger.Printf("replica sync: stream from %s failed: %v", upstream, err)
			if !s.sleepBackoff(ctx, &backoffAttempt) {
				return
			}
			continue
		}
		if needsResync {
			// The upstream told us we fell behind; run CATCHUP against the
			// same upstream right away, then loop back to DISCOVER, which
			// catches up once more and opens a fresh stream.
			s.setState(StateReconcile)
			if err := s.catchup(ctx, client); err != nil {
				s.logger.Printf("replica sync: reconcile catchup against %s failed: %v", upstream, err)
				if !s.sleepBackoff(ctx, &backoffAttempt) {
					return
				}
			}
		}
	}
}

// discover picks an upstream base URL: an online peer tagged upstreamTag,
// falling back to the statically configured address if the directory has
// none (e.g. a regional node whose CENTRAL_AUTHORITY env var is set but
// the overlay hasn't reported central as online yet).
func (s *Syncer) discover(ctx context.Context) (string, error) {
	if s.directory != nil {
		peerList, err := s.directory.Peers(ctx)
		if err == nil {
			if p, ok := peers.FindByTag(peerList, s.upstreamTag); ok {
				return p.Address, nil
			}
		}
	}
	if s.staticFallback != "" {
		return s.staticFallback, nil
	}
	return "", errNoUpstream
}

// catchup lists the upstream's contexts, compares versions against local
// state, and pulls anything missing or stale. It never deletes local
// contexts absent from the upstream listing on its own; §4.4 leaves
// reconciling deletions to the delete events observed while streaming.
func (s *Syncer) catchup(ctx context.Context, client RemoteClient) error {
	remote, err := client.ListWithMetadata(ctx)
	if err != nil {
		return err
	}
	for _, rc := range remote {
		local, err := s.store.GetMetadata(rc.ID)
		if err == nil && local.Version >= rc.Metadata.Version {
			continue
		}
		payload, meta, err := client.GetContext(ctx, rc.ID)
		if err != nil {
			s.logger.Printf("replica sync: fetching %s during catchup: %v", rc.ID, err)
			continue
		}
		if err := s.store.ApplyFromUpstream(rc.ID, payload, meta); err != nil {
			s.logger.Printf("replica sync: applying %s during catchup: %v", rc.ID, err)
		}
	}
	return nil
}

// stream consumes the upstream's live event feed until it ends, ctx is
// cancelled, or a resync event asks the caller to re-run catchup. The
// periodic reconcile tick runs catchup inline and keeps streaming. The
// returned bool reports whether the caller should treat this as a clean
// resync request rather than an error.
func (s *Syncer) stream(ctx context.Context, client RemoteClient) (bool, error) {
	events, err := client.StreamAll(ctx)
	if err != nil {
		return false, err
	}

	reconcile := time.NewTicker(s.syncInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, nil

		case <-reconcile.C:
			s.setState(StateReconcile)
			if err := s.catchup(ctx, client); err != nil {
				s.logger.Printf("replica sync: periodic reconcile failed: %v", err)
			}
			s.setState(StateStream)

		case evt, ok := <-events:
			if !ok {
				return false, errStreamClosed
			}
			switch evt.Event {
			case "update":
				payload, meta, err := client.GetContext(ctx, evt.ContextID)
				if err != nil {
					s.logger.Printf("replica sync: fetching %s after update event: %v", evt.ContextID, err)
					continue
				}
				if err := s.store.ApplyFromUpstream(evt.ContextID, payload, meta); err != nil {
					s.logger.Printf("replica sync: applying update for %s: %v", evt.ContextID, err)
				}
			case "delete":
				if err := s.store.ApplyDeleteFromUpstream(evt.ContextID); err != nil {
					s.logger.Printf("replica sync: applying delete for %s: %v", evt.ContextID, err)
				}
			case "resync":
				return true, nil
			case "ping", "connected":
				// no-op keepalive/handshake markers.
			}
		}
	}
}

func (s *Syncer) sleepBackoff(ctx context.Context, attempt *int) bool {
	*attempt++
	multiplier := maxBackoffMultiplier
	if *attempt <= 4 {
		multiplier = 1 << (*attempt - 1)
	}
	jitter := time.Duration(rand.Int63n(int64(s.syncInterval) + 1))
	delay := s.syncInterval*time.Duration(multiplier) + jitter
	if maxDelay := s.syncInterval * maxBackoffMultiplier; delay > maxDelay {
		delay = maxDelay
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

var errNoUpstream = &syncError{"replica sync: no online upstream peer and no static fallback configured"}
var errStreamClosed = &syncError{"replica sync: upstream stream closed"}

type syncError struct{ msg string }

func (e *syncError) Error() string { return e.msg }
