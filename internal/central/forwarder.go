package central

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
	"github.com/agentcontext/contextmesh/internal/peers"
)

// ForwardTimeout bounds how long a non-central node waits for central to
// accept a forwarded write before surfacing UpstreamUnavailable to the
// caller (spec §4.6: this is the one place that error kind is client
// visible, because the client explicitly asked this node to accept a
// write).
const ForwardTimeout = 10 * time.Second

// Forwarder issues writes against a discovered central peer on behalf of a
// regional or edge node, per the write-routing design note's option (b).
type Forwarder struct {
	directory  meshtypes.PeerDirectory
	fallback   string
	httpClient *http.Client
}

// NewForwarder constructs a Forwarder. fallback is the statically
// configured CENTRAL_AUTHORITY URL, used when the directory has no online
// peer tagged "central" yet.
func NewForwarder(directory meshtypes.PeerDirectory, fallback string, httpClient *http.Client) *Forwarder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: ForwardTimeout}
	}
	return &Forwarder{directory: directory, fallback: fallback, httpClient: httpClient}
}

func (f *Forwarder) centralAddress(ctx context.Context) (string, error) {
	if f.directory != nil {
		peerList, err := f.directory.Peers(ctx)
		if err == nil {
			if p, ok := peers.FindByTag(peerList, "central"); ok {
				return strings.TrimRight(p.Address, "/"), nil
			}
		}
	}
	if f.fallback != "" {
		return strings.TrimRight(f.fallback, "/"), nil
	}
	return "", fmt.Errorf("no central peer discovered and no static fallback configured")
}

type putPayload struct {
	Context  json.RawMessage `json:"context"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type putResponse struct {
	Success   bool               `json:"success"`
	ContextID string             `json:"contextId"`
	Metadata  meshtypes.Metadata `json:"metadata"`
}

// ForwardSave issues PUT /contexts/{id} against central and returns its
// authoritative metadata.
func (f *Forwarder) ForwardSave(ctx context.Context, id string, payload meshtypes.RawPayload, extra map[string]any) (meshtypes.Metadata, error) {
	addr, err := f.centralAddress(ctx)
	if err != nil {
		return meshtypes.Metadata{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, ForwardTimeout)
	defer cancel()

	body, err := json.Marshal(putPayload{Context: json.RawMessage(payload), Metadata: extra})
	if err != nil {
		return meshtypes.Metadata{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, addr+"/contexts/"+id, bytes.NewReader(body))
	if err != nil {
		return meshtypes.Metadata{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return meshtypes.Metadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return meshtypes.Metadata{}, fmt.Errorf("central rejected forwarded write with status %d", resp.StatusCode)
	}
	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return meshtypes.Metadata{}, err
	}
	return out.Metadata, nil
}

// ForwardDelete issues DELETE /contexts/{id} against central.
func (f *Forwarder) ForwardDelete(ctx context.Context, id string) error {
	addr, err := f.centralAddress(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ForwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, addr+"/contexts/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("central rejected forwarded delete with status %d", resp.StatusCode)
	}
	return nil
}
