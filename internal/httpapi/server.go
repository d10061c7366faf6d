// Package httpapi implements the RequestRouter: it maps the mesh's fixed
// HTTP surface (spec §6) onto ContextStore/ReplicationServer operations,
// and, on non-central nodes, forwards writes to the discovered central
// peer. Route dispatch follows the teacher's manual path-splitting router
// rather than a third-party mux, since none of the retrieved examples
// pull one in either.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
	"github.com/agentcontext/contextmesh/internal/metrics"
	"github.com/agentcontext/contextmesh/internal/replication"
	"github.com/agentcontext/contextmesh/internal/store"
	"github.com/agentcontext/contextmesh/internal/sync"
)

// ContextStore is the subset of *store.Store the router depends on,
// narrowed to an interface so tests can supply a fake without spinning up
// a real backend.
type ContextStore interface {
	Get(id string) (meshtypes.RawPayload, error)
	GetMetadata(id string) (meshtypes.Metadata, error)
	Save(id string, payload meshtypes.RawPayload, extra map[string]any) (meshtypes.Metadata, error)
	Delete(id string) error
	List() ([]string, error)
	ListWithMetadata() ([]meshtypes.IDMetadata, error)
	ApplyFromUpstream(id string, payload meshtypes.RawPayload, metadata meshtypes.Metadata) error
	ApplyDeleteFromUpstream(id string) error
}

// Propagator fans a committed write or delete out to regional peers. Only
// wired on central; nil on regional/cache nodes.
type Propagator interface {
	PropagateSave(id string, meta meshtypes.Metadata)
	PropagateDelete(id string)
}

// CentralForwarder issues a write against the discovered central peer and
// returns its authoritative metadata, used by non-central nodes per the
// write-routing design note (§4.6: forward, don't reject or island).
type CentralForwarder interface {
	ForwardSave(ctx context.Context, id string, payload meshtypes.RawPayload, extra map[string]any) (meshtypes.Metadata, error)
	ForwardDelete(ctx context.Context, id string) error
}

// Config identifies this node for /health and /status and selects write
// routing behaviour.
type Config struct {
	ServerType string // "central", "regional", or "cache"
	NodeID     string
	RegionID   string
}

// Server is the RequestRouter.
type Server struct {
	store       ContextStore
	replication *replication.Server
	propagator  Propagator
	forwarder   CentralForwarder
	directory   meshtypes.PeerDirectory
	syncer      *sync.Syncer
	metrics     *metrics.Registry
	cfg         Config
	logger      *log.Logger
	startedAt   time.Time
}

// New constructs a Server. propagator, forwarder, directory and syncer may
// all be nil depending on role: central sets propagator, non-central sets
// forwarder and syncer, all roles may set directory for /status.
func New(st ContextStore, repl *replication.Server, cfg Config, opts ...Option) *Server {
	s := &Server{
		store:       st,
		replication: repl,
		cfg:         cfg,
		logger:      log.New(os.Stderr, "", log.LstdFlags),
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures optional Server collaborators.
type Option func(*Server)

func WithPropagator(p Propagator) Option             { return func(s *Server) { s.propagator = p } }
func WithForwarder(f CentralForwarder) Option        { return func(s *Server) { s.forwarder = f } }
func WithDirectory(d meshtypes.PeerDirectory) Option { return func(s *Server) { s.directory = d } }
func WithSyncer(sy *sync.Syncer) Option              { return func(s *Server) { s.syncer = sy } }
func WithLogger(l *log.Logger) Option                { return func(s *Server) { s.logger = l } }
func WithMetrics(m *metrics.Registry) Option         { return func(s *Server) { s.metrics = m } }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
	case r.URL.Path == "/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.handleMetrics(w, r)
	case r.URL.Path == "/contexts" && r.Method == http.MethodGet:
		s.handleList(w, r)
	case r.URL.Path == "/contexts/stream" && r.Method == http.MethodGet:
		s.replication.ServeAll(w, r)
	case strings.HasPrefix(r.URL.Path, "/internal/propagate/"):
		s.handlePropagate(w, r, strings.TrimPrefix(r.URL.Path, "/internal/propagate/"))
	default:
		s.routeContextID(w, r)
	}
}

// handlePropagate applies a peer-to-peer push from central. It is not part
// of the client-facing HTTP surface fixed by spec §6 — it exists the same
// way the teacher's server exposes an internal-only webhook route
// alongside its client-facing API. Any node role can receive one: an edge
// cache synced from a regional can itself be a propagation recipient in a
// deeper tree, even though this spec's default topology only pushes to
// "regional"-tagged peers.
func (s *Server) handlePropagate(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPut:
		var body struct {
			Metadata meshtypes.Metadata `json:"metadata"`
			Payload  json.RawMessage    `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
		if err := s.store.ApplyFromUpstream(id, meshtypes.RawPayload(body.Payload), body.Metadata); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case http.MethodDelete:
		if err := s.store.ApplyDeleteFromUpstream(id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (s *Server) routeContextID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "contexts" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	id := parts[1]

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleGet(w, r, id)
	case len(parts) == 2 && r.Method == http.MethodPut:
		s.handlePut(w, r, id)
	case len(parts) == 2 && r.Method == http.MethodDelete:
		s.handleDelete(w, r, id)
	case len(parts) == 3 && parts[2] == "metadata" && r.Method == http.MethodGet:
		s.handleGetMetadata(w, r, id)
	case len(parts) == 3 && parts[2] == "stream" && r.Method == http.MethodGet:
		s.replication.ServeOne(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		return
	}
	if s.replication != nil {
		s.metrics.SetOpenStreamSubscribers(s.replication.SubscriberCount())
	}
	s.metrics.WriteExposition(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"serverType": s.cfg.ServerType,
		"nodeId":     s.cfg.NodeID,
		"regionId":   s.cfg.RegionID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"serverType": s.cfg.ServerType,
		"nodeId":     s.cfg.NodeID,
		"regionId":   s.cfg.RegionID,
		"uptime":     time.Since(s.startedAt).String(),
	}
	if s.directory != nil {
		if peerList, err := s.directory.Peers(r.Context()); err == nil {
			status["peers"] = peerList
		}
	}
	if s.syncer != nil {
		status["replicaSyncState"] = string(s.syncer.State())
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	includeMetadata := r.URL.Query().Get("includeMetadata") == "true"
	if !includeMetadata {
		ids, err := s.store.List()
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ids)
		return
	}
	entries, err := s.store.ListWithMetadata()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	payload, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request, id string) {
	meta, err := s.store.GetMetadata(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type putRequest struct {
	Context  json.RawMessage `json:"context"`
	Metadata map[string]any  `json:"metadata"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	var req putRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	if s.cfg.ServerType != "central" && s.forwarder != nil {
		meta, err := s.forwarder.ForwardSave(r.Context(), id, meshtypes.RawPayload(req.Context), req.Metadata)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "contextId": id, "metadata": meta})
		return
	}

	meta, err := s.store.Save(id, meshtypes.RawPayload(req.Context), req.Metadata)
	if err != nil {
		s.incSaveMetric("error")
		s.writeStoreError(w, err)
		return
	}
	s.incSaveMetric("success")
	if s.propagator != nil {
		s.propagator.PropagateSave(id, meta)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "contextId": id, "metadata": meta})
}

func (s *Server) incSaveMetric(result string) {
	if s.metrics != nil {
		s.metrics.IncSave(result)
	}
}

func (s *Server) incDeleteMetric(result string) {
	if s.metrics != nil {
		s.metrics.IncDelete(result)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if s.cfg.ServerType != "central" && s.forwarder != nil {
		if err := s.forwarder.ForwardDelete(r.Context(), id); err != nil {
			writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if err := s.store.Delete(id); err != nil {
		s.incDeleteMetric("error")
		s.writeStoreError(w, err)
		return
	}
	s.incDeleteMetric("success")
	if s.propagator != nil {
		s.propagator.PropagateDelete(id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, store.ErrIOError):
		s.logger.Printf("httpapi: io error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "context store io error")
	default:
		s.logger.Printf("httpapi: unmapped error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
