package store

import (
	"sort"
	"sync"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

// MemoryBackend is an in-process backend used by tests and by the
// memory:// DSN scheme. It copies payload bytes on write and on read,
// matching the teacher's InMemoryStateBackend pattern of never aliasing
// caller-owned slices.
type MemoryBackend struct {
	mu        sync.Mutex
	payloads  map[string]meshtypes.RawPayload
	metadatas map[string]meshtypes.Metadata
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		payloads:  make(map[string]meshtypes.RawPayload),
		metadatas: make(map[string]meshtypes.Metadata),
	}
}

func (b *MemoryBackend) ReadPayload(id string) (meshtypes.RawPayload, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.payloads[id]
	if !ok {
		return nil, false, nil
	}
	out := make(meshtypes.RawPayload, len(payload))
	copy(out, payload)
	return out, true, nil
}

func (b *MemoryBackend) ReadMetadata(id string) (meshtypes.Metadata, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, ok := b.metadatas[id]
	return meta, ok, nil
}

func (b *MemoryBackend) WritePayload(id string, payload meshtypes.RawPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(meshtypes.RawPayload, len(payload))
	copy(out, payload)
	b.payloads[id] = out
	return nil
}

func (b *MemoryBackend) WriteMetadata(id string, metadata meshtypes.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metadatas[id] = metadata
	return nil
}

func (b *MemoryBackend) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.payloads, id)
	delete(b.metadatas, id)
	return nil
}

func (b *MemoryBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.payloads))
	for id := range b.payloads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
