package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

// metaSuffix marks a file as metadata rather than payload; per spec §6,
// files whose base name contains ".meta." are excluded from listings.
const metaSuffix = ".meta.json"
const payloadSuffix = ".json"

// FileBackend is the default persistence layer: two files per context
// under dataDir, matching spec §6's "Persistent state layout" exactly.
type FileBackend struct {
	dataDir string
	// writeMu serializes the directory-level rename operations against
	// List()'s directory scan. The store's per-contextId lock only
	// prevents two writers from racing on the *same* context; List()
	// enumerates every context's files at once, so it can still observe a
	// half-renamed entry from a write to a *different* id without this.
	writeMu sync.RWMutex
}

// NewFileBackend creates the data directory if necessary and returns a
// backend rooted there. Directory creation failure is fatal at startup
// per spec §6's exit codes.
func NewFileBackend(dataDir string) (*FileBackend, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dataDir: dataDir}, nil
}

func (b *FileBackend) payloadPath(id string) string {
	return filepath.Join(b.dataDir, id+payloadSuffix)
}

func (b *FileBackend) metaPath(id string) string {
	return filepath.Join(b.dataDir, id+metaSuffix)
}

func (b *FileBackend) ReadPayload(id string) (meshtypes.RawPayload, bool, error) {
	data, err := os.ReadFile(b.payloadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return meshtypes.RawPayload(data), true, nil
}

func (b *FileBackend) ReadMetadata(id string) (meshtypes.Metadata, bool, error) {
	data, err := os.ReadFile(b.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return meshtypes.Metadata{}, false, nil
		}
		return meshtypes.Metadata{}, false, err
	}
	var meta meshtypes.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return meshtypes.Metadata{}, false, err
	}
	return meta, true, nil
}

func (b *FileBackend) WritePayload(id string, payload meshtypes.RawPayload) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return writeFileAtomic(b.payloadPath(id), payload)
}

func (b *FileBackend) WriteMetadata(id string, metadata meshtypes.Metadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return writeFileAtomic(b.metaPath(id), data)
}

func (b *FileBackend) Delete(id string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := os.Remove(b.payloadPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(b.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FileBackend) List() ([]string, error) {
	b.writeMu.RLock()
	defer b.writeMu.RUnlock()
	entries, err := os.ReadDir(b.dataDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, ".meta.") {
			continue
		}
		if !strings.HasSuffix(name, payloadSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, payloadSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) Close() error {
	return nil
}

// writeFileAtomic writes via a temp file and rename so a reader never
// observes a partially written payload or metadata file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
