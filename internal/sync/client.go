package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

// StreamEvent mirrors the fixed SSE envelope emitted by the replication
// server (internal/replication).
type StreamEvent struct {
	Event     string
	ContextID string
	Metadata  meshtypes.Metadata
}

// RemoteClient is what ReplicaSync needs from an upstream node: enough to
// catch up by comparing versions and to consume its live event stream.
// Production wiring is HTTPClient; tests supply a fake, the same pattern
// as meshtypes.PeerDirectory.
type RemoteClient interface {
	ListWithMetadata(ctx context.Context) ([]meshtypes.IDMetadata, error)
	GetContext(ctx context.Context, id string) (meshtypes.RawPayload, meshtypes.Metadata, error)
	StreamAll(ctx context.Context) (<-chan StreamEvent, error)
}

// HTTPClient talks to an upstream node's HTTP API, grounded on the
// teacher's mountsync.HTTPClient request/response shape.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL (e.g.
// "http://central:8080").
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type listEntry struct {
	ID       string             `json:"id"`
	Metadata meshtypes.Metadata `json:"metadata"`
}

func (c *HTTPClient) ListWithMetadata(ctx context.Context) ([]meshtypes.IDMetadata, error) {
	var out []listEntry
	if err := c.doJSON(ctx, http.MethodGet, "/contexts?includeMetadata=true", nil, &out); err != nil {
		return nil, err
	}
	result := make([]meshtypes.IDMetadata, len(out))
	for i, e := range out {
		result[i] = meshtypes.IDMetadata{ID: e.ID, Metadata: e.Metadata}
	}
	return result, nil
}

// GetContext fetches a context's payload and metadata as two requests
// against the fixed HTTP surface (GET /contexts/{id} and
// GET /contexts/{id}/metadata), matching what any other client of the
// mesh's HTTP API sees — ReplicaSync has no privileged combined endpoint.
func (c *HTTPClient) GetContext(ctx context.Context, id string) (meshtypes.RawPayload, meshtypes.Metadata, error) {
	var payload json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/contexts/"+id, nil, &payload); err != nil {
		return nil, meshtypes.Metadata{}, err
	}
	var meta meshtypes.Metadata
	if err := c.doJSON(ctx, http.MethodGet, "/contexts/"+id+"/metadata", nil, &meta); err != nil {
		return nil, meshtypes.Metadata{}, err
	}
	return meshtypes.RawPayload(payload), meta, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body io.Reader, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrRemoteNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upstream request %s %s failed with status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// StreamAll opens the upstream's all-contexts SSE stream and decodes
// envelopes onto a channel, closing it when ctx is cancelled or the
// underlying connection ends.
func (c *HTTPClient) StreamAll(ctx context.Context) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/contexts/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream stream request failed with status %d", resp.StatusCode)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var raw struct {
				Event     string              `json:"event"`
				ContextID string              `json:"contextId"`
				Metadata  *meshtypes.Metadata `json:"metadata"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &raw); err != nil {
				continue
			}
			evt := StreamEvent{Event: raw.Event, ContextID: raw.ContextID}
			if raw.Metadata != nil {
				evt.Metadata = *raw.Metadata
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ErrRemoteNotFound mirrors store.ErrNotFound for remote reads, kept
// separate to avoid this package importing internal/store just for one
// sentinel.
var ErrRemoteNotFound = fmt.Errorf("remote context not found")
