// Package replication implements the ReplicationServer: it exposes the
// store's event bus over Server-Sent Events so that a downstream node's
// ReplicaSync can stream updates without polling. The wire envelope and
// event set are fixed by the spec, not negotiated per connection.
package replication

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/agentcontext/contextmesh/internal/eventbus"
	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

// PingInterval is how often an idle stream receives a keepalive event, so
// intermediate proxies and the client's own read-timeout logic don't treat
// silence as a dead connection.
const PingInterval = 30 * time.Second

// envelope is the fixed JSON body carried by every SSE `data:` line.
type envelope struct {
	Event     string             `json:"event"`
	ContextID string             `json:"contextId,omitempty"`
	Metadata  *meshtypes.Metadata `json:"metadata,omitempty"`
	Timestamp string             `json:"timestamp"`
}

// Server streams store events to subscribers over SSE. It holds no store
// reference of its own; it only knows how to drain an eventbus.Subscription
// and frame what comes out of it, matching the "collaborator, not global"
// construction style used throughout this repo.
type Server struct {
	bus    *eventbus.Bus
	logger *log.Logger
}

// New constructs a replication Server bound to bus.
func New(bus *eventbus.Bus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Server{bus: bus, logger: logger}
}

// SubscriberCount reports how many streams (all-contexts and per-context
// combined) are currently open, for the /metrics gauge.
func (s *Server) SubscriberCount() int {
	return s.bus.SubscriberCount()
}

// ServeAll streams every update/delete event on the bus, unfiltered. This
// backs GET /contexts/stream.
func (s *Server) ServeAll(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "", eventbus.DefaultQueueSize)
}

// ServeOne streams only events for contextID, closing the connection after
// a matching delete event (there is nothing further to stream). This backs
// GET /contexts/{id}/stream.
func (s *Server) ServeOne(w http.ResponseWriter, r *http.Request, contextID string) {
	s.stream(w, r, contextID, eventbus.DefaultQueueSize)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, filterID string, queueSize int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(queueSize)
	defer sub.Unsubscribe()

	if !writeEnvelope(w, envelope{Event: "connected", Timestamp: nowISO8601()}) {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if !writeEnvelope(w, envelope{Event: "ping", Timestamp: nowISO8601()}) {
				return
			}
			flusher.Flush()

		case <-sub.Overflow():
			// This subscriber missed events; tell it to reconcile via a
			// full listing and close, rather than trying to patch the gap
			// or leaving a stale connection open. ReplicaSync rediscovers
			// and opens a fresh stream on the next DISCOVER cycle.
			s.logger.Printf("replication: subscriber overflow, sending resync and closing (filter=%q)", filterID)
			writeEnvelope(w, envelope{Event: "resync", Timestamp: nowISO8601()})
			flusher.Flush()
			return

		case <-sub.Next():
			for _, evt := range sub.Drain() {
				if filterID != "" && evt.ContextID != filterID {
					continue
				}
				env := envelope{ContextID: evt.ContextID, Timestamp: nowISO8601()}
				switch evt.Type {
				case meshtypes.EventUpdated:
					env.Event = "update"
					meta := evt.Metadata
					env.Metadata = &meta
				case meshtypes.EventDeleted:
					env.Event = "delete"
				default:
					continue
				}
				if !writeEnvelope(w, env) {
					return
				}
				flusher.Flush()
				if filterID != "" && evt.Type == meshtypes.EventDeleted {
					return
				}
			}
		}
	}
}

func writeEnvelope(w http.ResponseWriter, env envelope) bool {
	body, err := json.Marshal(env)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", body)
	return err == nil
}

func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
