// Package fusemount exposes a node's contexts as a read-only directory:
// one <contextId>.json holding the payload and one <contextId>.meta.json
// holding the metadata record, per spec §4.7. It never talks to a local
// Store directly, because the mount may point at any node in the mesh —
// central, regional, or cache — so it only ever uses the same HTTP surface
// any other client sees.
package fusemount

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
	replicasync "github.com/agentcontext/contextmesh/internal/sync"
)

// DefaultPollInterval is how often the directory listing is refreshed from
// the remote node when the caller doesn't specify one.
const DefaultPollInterval = 5 * time.Second

// remoteReader is the sliver of sync.RemoteClient the mount needs: list
// contexts to populate the directory, fetch one to serve a read.
type remoteReader interface {
	ListWithMetadata(ctx context.Context) ([]meshtypes.IDMetadata, error)
	GetContext(ctx context.Context, id string) (meshtypes.RawPayload, meshtypes.Metadata, error)
}

// Options configures the mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Remote is the node whose contexts are exposed. Production callers
	// build one with sync.NewHTTPClient; tests supply a fake.
	Remote remoteReader

	// PollInterval is how often the flat directory listing is refreshed.
	// Zero uses DefaultPollInterval.
	PollInterval time.Duration

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	Logger *log.Logger
}

// Mount mounts the read-only context filesystem at the configured
// mountpoint. The caller must call Unmount (via the returned server) when
// done. The mountpoint directory is created if it does not exist.
func Mount(ctx context.Context, opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	dir := newDirCache(opts.Remote, opts.Logger)
	if err := dir.refresh(ctx); err != nil {
		opts.Logger.Printf("fusemount: initial listing failed, mounting empty: %v", err)
	}
	go dir.pollLoop(ctx, opts.PollInterval)

	root := &rootNode{dir: dir}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "contextmesh",
			Name:       "contextmesh",
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", opts.Mountpoint, err)
	}

	opts.Logger.Printf("fusemount: mounted at %s", opts.Mountpoint)
	return server, nil
}

// dirCache holds the last known flat listing of context IDs, refreshed on
// a poll loop so Lookup/Readdir never block on the network.
type dirCache struct {
	remote remoteReader
	logger *log.Logger

	mu  sync.RWMutex
	ids []string
}

func newDirCache(remote remoteReader, logger *log.Logger) *dirCache {
	return &dirCache{remote: remote, logger: logger}
}

func (d *dirCache) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.refresh(ctx); err != nil {
				d.logger.Printf("fusemount: refresh failed: %v", err)
			}
		}
	}
}

func (d *dirCache) refresh(ctx context.Context) error {
	entries, err := d.remote.ListWithMetadata(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	d.mu.Lock()
	d.ids = ids
	d.mu.Unlock()
	return nil
}

func (d *dirCache) has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, existing := range d.ids {
		if existing == id {
			return true
		}
	}
	return false
}

func (d *dirCache) list() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.ids))
	copy(out, d.ids)
	return out
}

// rootNode is the filesystem root. Each context contributes two files:
// <id>.json (payload) and <id>.meta.json (metadata).
type rootNode struct {
	gofuse.Inode
	dir *dirCache
}

var (
	_ gofuse.InodeEmbedder  = (*rootNode)(nil)
	_ gofuse.NodeLookuper   = (*rootNode)(nil)
	_ gofuse.NodeReaddirer  = (*rootNode)(nil)
)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	id, kind, ok := splitFilename(name)
	if !ok || !r.dir.has(id) {
		return nil, syscall.ENOENT
	}
	node := &contextFileNode{dir: r.dir, id: id, kind: kind}
	child := r.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o444
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	ids := r.dir.list()
	entries := make([]fuse.DirEntry, 0, len(ids)*2)
	for _, id := range ids {
		entries = append(entries,
			fuse.DirEntry{Name: id + ".json", Mode: syscall.S_IFREG},
			fuse.DirEntry{Name: id + ".meta.json", Mode: syscall.S_IFREG},
		)
	}
	return &sliceDirStream{entries: entries}, 0
}

func splitFilename(name string) (id string, kind fileKind, ok bool) {
	if strings.HasSuffix(name, ".meta.json") {
		return strings.TrimSuffix(name, ".meta.json"), kindMeta, true
	}
	if strings.HasSuffix(name, ".json") {
		return strings.TrimSuffix(name, ".json"), kindPayload, true
	}
	return "", 0, false
}

type fileKind int

const (
	kindPayload fileKind = iota
	kindMeta
)

// contextFileNode serves one context's payload or metadata as a regular
// file. Content is fetched fresh from the remote node on every Open, since
// the mount has no durability or coherence obligations of its own — it is
// a window onto whatever the remote currently holds.
type contextFileNode struct {
	gofuse.Inode
	dir  *dirCache
	id   string
	kind fileKind
}

var (
	_ gofuse.InodeEmbedder = (*contextFileNode)(nil)
	_ gofuse.NodeOpener    = (*contextFileNode)(nil)
	_ gofuse.NodeReader    = (*contextFileNode)(nil)
	_ gofuse.NodeGetattrer = (*contextFileNode)(nil)
)

func (f *contextFileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	if handle, ok := fh.(*openContextFile); ok {
		out.Size = uint64(len(handle.content))
	}
	return 0
}

func (f *contextFileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	payload, meta, err := f.dir.remote.GetContext(ctx, f.id)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	var content []byte
	switch f.kind {
	case kindPayload:
		content = payload
	case kindMeta:
		content, err = marshalMetadata(meta)
		if err != nil {
			return nil, 0, syscall.EIO
		}
	}
	return &openContextFile{content: content}, fuse.FOPEN_DIRECT_IO, 0
}

func (f *contextFileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*openContextFile)
	if !ok {
		return nil, syscall.EIO
	}
	if off >= int64(len(handle.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(handle.content)) {
		end = int64(len(handle.content))
	}
	return fuse.ReadResultData(handle.content[off:end]), 0
}

// openContextFile holds one Open call's fetched content, snapshotted so
// concurrent reads within the same file handle see a consistent view.
type openContextFile struct {
	content []byte
}

var _ gofuse.FileHandle = (*openContextFile)(nil)

func marshalMetadata(meta meshtypes.Metadata) ([]byte, error) {
	return json.MarshalIndent(meta, "", "  ")
}

type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}

// NewHTTPRemote builds the production remoteReader against a running node,
// reusing ReplicaSync's HTTP client rather than a second implementation of
// the same two calls.
func NewHTTPRemote(baseURL string) remoteReader {
	return replicasync.NewHTTPClient(baseURL, nil)
}
