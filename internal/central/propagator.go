// Package central implements the two write-routing collaborators the
// RequestRouter needs depending on role: on central, fanning committed
// writes out to regional peers (spec §4.5); on regional/cache nodes,
// forwarding client writes to the discovered central peer instead of
// islanding them locally (spec §4.6, open-question resolution (b)).
package central

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
	"github.com/agentcontext/contextmesh/internal/metrics"
	"github.com/agentcontext/contextmesh/internal/peers"
)

// PropagationTimeout bounds each peer push so one unreachable regional
// never delays another, and never delays the response to the client that
// triggered the write.
const PropagationTimeout = 10 * time.Second

// RegionalTag is the PeerDirectory tag central fans out to.
const RegionalTag = "regional"

// payloadReader is the sliver of ContextStore the propagator needs to
// attach the current payload to a metadata push, so recipients can
// apply-from-upstream without a second round trip back to central.
type payloadReader interface {
	Get(id string) (meshtypes.RawPayload, error)
}

// Propagator fans out saves and deletes from central to every online peer
// tagged "regional". Fan-out is best-effort and asynchronous: failures are
// logged, never returned to the caller, matching the PropagationPartial
// error kind's "absorbed, not surfaced" handling in spec §7.
type Propagator struct {
	directory  meshtypes.PeerDirectory
	store      payloadReader
	httpClient *http.Client
	logger     *log.Logger
	metrics    *metrics.Registry
}

// SetMetrics attaches a metrics registry so each peer push's latency is
// recorded, whether or not one was available at construction time.
func (p *Propagator) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// New constructs a Propagator. httpClient defaults to one that respects
// PropagationTimeout as a safety net even when a caller forgets to bound
// its own context.
func New(directory meshtypes.PeerDirectory, store payloadReader, httpClient *http.Client, logger *log.Logger) *Propagator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: PropagationTimeout}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Propagator{directory: directory, store: store, httpClient: httpClient, logger: logger}
}

// PropagateSave fans out a save's authoritative metadata and payload to
// every regional peer, one goroutine per peer, each bounded by
// PropagationTimeout. It returns immediately; it never blocks the
// originating request.
func (p *Propagator) PropagateSave(id string, meta meshtypes.Metadata) {
	payload, err := p.store.Get(id)
	if err != nil {
		p.logger.Printf("propagation: reading payload for %s to fan out: %v", id, err)
		return
	}
	go p.fanOut(id, func(ctx context.Context, peerAddr string) error {
		return p.pushSave(ctx, peerAddr, id, payload, meta)
	})
}

// PropagateDelete fans out a delete to every regional peer.
func (p *Propagator) PropagateDelete(id string) {
	go p.fanOut(id, func(ctx context.Context, peerAddr string) error {
		return p.pushDelete(ctx, peerAddr, id)
	})
}

func (p *Propagator) fanOut(id string, push func(ctx context.Context, peerAddr string) error) {
	listCtx, listCancel := context.WithTimeout(context.Background(), PropagationTimeout)
	defer listCancel()

	peerList, err := p.directory.Peers(listCtx)
	if err != nil {
		p.logger.Printf("propagation: listing peers for %s: %v", id, err)
		return
	}
	for _, peer := range peers.FindAllByTag(peerList, RegionalTag) {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), PropagationTimeout)
			defer cancel()
			start := time.Now()
			err := push(ctx, peer.Address)
			if p.metrics != nil {
				p.metrics.ObservePropagationLatency(time.Since(start).Seconds())
			}
			if err != nil {
				p.logger.Printf("propagation: pushing %s to %s failed (partial propagation): %v", id, peer.Name, err)
			}
		}()
	}
}

func (p *Propagator) pushSave(ctx context.Context, peerAddr, id string, payload meshtypes.RawPayload, meta meshtypes.Metadata) error {
	body, err := json.Marshal(map[string]any{"metadata": meta, "payload": payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, peerAddr+"/internal/propagate/"+id, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *Propagator) pushDelete(ctx context.Context, peerAddr, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, peerAddr+"/internal/propagate/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}
