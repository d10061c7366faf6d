// Package peers provides PeerDirectory implementations. Peer discovery and
// mutual authentication live in the (out of scope) overlay network; this
// package only consumes whatever that overlay exposes and adapts it to
// meshtypes.PeerDirectory.
package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

// StaticDirectory returns a fixed, in-process peer list. It stands in for
// the overlay when no overlay directory is configured, and is what tests
// supply in place of a real overlay query. The statically configured
// upstream URL used by DISCOVER is a separate setting, not held here.
type StaticDirectory struct {
	mu    sync.RWMutex
	peers []meshtypes.Peer
}

// NewStaticDirectory constructs a StaticDirectory from an initial peer set.
func NewStaticDirectory(initial ...meshtypes.Peer) *StaticDirectory {
	return &StaticDirectory{peers: append([]meshtypes.Peer(nil), initial...)}
}

func (d *StaticDirectory) Peers(ctx context.Context) ([]meshtypes.Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]meshtypes.Peer, len(d.peers))
	copy(out, d.peers)
	return out, nil
}

// Set replaces the peer list, used by callers wiring in periodically
// refreshed overlay state without switching PeerDirectory implementations.
func (d *StaticDirectory) Set(peers []meshtypes.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = append([]meshtypes.Peer(nil), peers...)
}

// HTTPDirectory queries an overlay-provided HTTP endpoint that returns a
// JSON array of {name, address, tags, online} records. This is the
// production wiring the design notes call for; the overlay's own
// authentication is out of scope and assumed to be handled by httpClient's
// transport (e.g. mTLS configured on the client by the caller).
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPDirectory builds a directory backed by the overlay's peers
// endpoint at baseURL (expected to serve a GET /peers route).
func NewHTTPDirectory(baseURL string, httpClient *http.Client) *HTTPDirectory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDirectory{baseURL: baseURL, httpClient: httpClient}
}

func (d *HTTPDirectory) Peers(ctx context.Context) ([]meshtypes.Peer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/peers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer directory returned status %d", resp.StatusCode)
	}
	var peers []meshtypes.Peer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// FindByTag returns the first online peer carrying tag, if any. Used by
// ReplicaSync's DISCOVER state to pick an upstream by role.
func FindByTag(peerList []meshtypes.Peer, tag string) (meshtypes.Peer, bool) {
	for _, p := range peerList {
		if p.Online && p.HasTag(tag) {
			return p, true
		}
	}
	return meshtypes.Peer{}, false
}

// FindAllByTag returns every online peer carrying tag, used by central's
// propagation fan-out to enumerate regional peers.
func FindAllByTag(peerList []meshtypes.Peer, tag string) []meshtypes.Peer {
	var out []meshtypes.Peer
	for _, p := range peerList {
		if p.Online && p.HasTag(tag) {
			out = append(out, p)
		}
	}
	return out
}
