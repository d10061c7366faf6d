// Package store implements ContextStore: durable, versioned, per-context
// storage keyed by string ID, coherent with an in-memory LRU cache and
// publishing updated/deleted events to an injected event bus exactly once
// per successful mutation, after durability is achieved.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/agentcontext/contextmesh/internal/eventbus"
	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

// Options configures a Store. Bus, Backend and Logger are collaborators
// the caller constructs and owns; Store never reaches for a package-level
// singleton, per the "injected collaborator" design note.
type Options struct {
	Backend         Backend
	Bus             *eventbus.Bus
	CacheCapacity   int
	SchemaValidator *SchemaValidator
	Logger          *log.Logger
	// DataDirForWatch, when non-empty, enables the fsnotify-based external
	// change watcher. Only meaningful when Backend is a *FileBackend
	// rooted at this directory.
	DataDirForWatch string
}

// Store is the ContextStore implementation.
type Store struct {
	backend   Backend
	bus       *eventbus.Bus
	cache     *lruCache
	locks     *keyLockManager
	validator *SchemaValidator
	logger    *log.Logger
	watcher   *externalWatcher
}

// New constructs a Store from the given options. Bus may be nil, in which
// case saves and deletes still commit but nothing is published (used by
// tests that exercise persistence without observing replication).
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s := &Store{
		backend:   opts.Backend,
		bus:       opts.Bus,
		cache:     newLRUCache(opts.CacheCapacity),
		locks:     newKeyLockManager(),
		validator: opts.SchemaValidator,
		logger:    logger,
	}
	if opts.DataDirForWatch != "" {
		s.watcher = watchExternalChanges(opts.DataDirForWatch, s.invalidateExternally, logger)
	}
	return s
}

func (s *Store) invalidateExternally(contextID string) {
	unlock := s.locks.Lock(contextID)
	defer unlock()
	s.cache.invalidate(contextID)
}

// Close releases the watcher (if any) and the backend.
func (s *Store) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	return s.backend.Close()
}

// Get returns the raw payload for id, or ErrNotFound.
func (s *Store) Get(id string) (meshtypes.RawPayload, error) {
	if !ValidateContextID(id) {
		return nil, ErrInvalid
	}
	if entry, ok := s.cache.get(id); ok && entry.hasPay {
		return entry.payload, nil
	}
	payload, ok, err := s.backend.ReadPayload(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	s.cache.putPayload(id, payload)
	return payload, nil
}

// GetMetadata returns the metadata for id, or ErrNotFound.
func (s *Store) GetMetadata(id string) (meshtypes.Metadata, error) {
	if !ValidateContextID(id) {
		return meshtypes.Metadata{}, ErrInvalid
	}
	if entry, ok := s.cache.get(id); ok && entry.hasMeta {
		return entry.metadata, nil
	}
	meta, ok, err := s.backend.ReadMetadata(id)
	if err != nil {
		return meshtypes.Metadata{}, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if !ok {
		return meshtypes.Metadata{}, ErrNotFound
	}
	s.cache.putMetadata(id, meta)
	return meta, nil
}

// Save writes a new version of id's payload, merging extra into metadata
// and incrementing version by exactly 1 from whatever the store currently
// holds (0 if the context doesn't exist, so the first save lands at 1).
// Save is linearized per contextId; concurrent saves of the same id each
// observe the previous version and produce previous+1.
func (s *Store) Save(id string, payload meshtypes.RawPayload, extra map[string]any) (meshtypes.Metadata, error) {
	if !ValidateContextID(id) {
		return meshtypes.Metadata{}, ErrInvalid
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return meshtypes.Metadata{}, ErrInvalid
	}
	if err := s.validator.Validate(id, payload); err != nil {
		return meshtypes.Metadata{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	current, _, err := s.backend.ReadMetadata(id)
	if err != nil {
		return meshtypes.Metadata{}, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	meta := meshtypes.Metadata{
		Version:      current.Version + 1,
		LastModified: nowISO8601(),
		Size:         int64(len(payload)),
		Extra:        extra,
	}

	if err := s.commit(id, payload, meta); err != nil {
		return meshtypes.Metadata{}, err
	}

	s.publishUpdatedLocked(id, meta)
	return meta, nil
}

// ApplyFromUpstream mirrors a metadata (including its version) received
// from an upstream node, bypassing the local version increment. Used by
// ReplicaSync and by central's propagation recipients. It never publishes,
// so applying a propagated write can never re-trigger propagation.
//
// Per spec §4.4, a received event with version <= local version is a
// no-op: this makes re-delivery idempotent.
func (s *Store) ApplyFromUpstream(id string, payload meshtypes.RawPayload, metadata meshtypes.Metadata) error {
	if !ValidateContextID(id) {
		return ErrInvalid
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	current, exists, err := s.backend.ReadMetadata(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if exists && metadata.Version <= current.Version {
		return nil
	}
	return s.commit(id, payload, metadata)
}

// commit performs the write-payload-then-write-metadata sequence and
// updates the cache, all under the caller's per-ID lock. If the metadata
// write fails after the payload write succeeded, it rolls the payload back
// to avoid partial visibility (spec §4.1's versioning algorithm).
func (s *Store) commit(id string, payload meshtypes.RawPayload, meta meshtypes.Metadata) error {
	previousPayload, hadPrevious, readErr := s.backend.ReadPayload(id)
	if readErr != nil {
		hadPrevious = false
	}

	if err := s.backend.WritePayload(id, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if err := s.backend.WriteMetadata(id, meta); err != nil {
		if hadPrevious {
			if rollbackErr := s.backend.WritePayload(id, previousPayload); rollbackErr != nil {
				s.logger.Printf("context store: failed to roll back payload for %s after metadata write failure: %v", id, rollbackErr)
			}
		} else if rollbackErr := s.backend.Delete(id); rollbackErr != nil {
			// No previous payload to restore: the payload we just wrote has
			// no metadata to go with it, so it must not survive. Delete
			// removes both files where present; if it fails too, we're left
			// with an orphaned payload and log it as such.
			s.logger.Printf("context store: failed to delete orphaned payload for %s after metadata write failure: %v", id, rollbackErr)
		}
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	s.cache.putPayload(id, payload)
	s.cache.putMetadata(id, meta)
	return nil
}

func (s *Store) publishUpdatedLocked(id string, meta meshtypes.Metadata) {
	if s.bus != nil {
		s.bus.PublishUpdated(id, meta)
	}
}

// Delete removes both payload and metadata records for id atomically from
// the caller's point of view: readers either see the pre-delete state or
// ErrNotFound, never a torn state. Deletion does not preserve version
// history; a subsequent save recreates the context at version 1.
func (s *Store) Delete(id string) error {
	if !ValidateContextID(id) {
		return ErrInvalid
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	_, exists, err := s.backend.ReadMetadata(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if !exists {
		return ErrNotFound
	}
	if err := s.backend.Delete(id); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	s.cache.invalidate(id)
	if s.bus != nil {
		s.bus.PublishDeleted(id)
	}
	return nil
}

// ApplyDeleteFromUpstream mirrors an upstream delete. Idempotent: deleting
// an already-absent context is not an error, since re-delivery must be a
// no-op.
func (s *Store) ApplyDeleteFromUpstream(id string) error {
	if !ValidateContextID(id) {
		return ErrInvalid
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.backend.Delete(id); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	s.cache.invalidate(id)
	return nil
}

// List returns every known contextId.
func (s *Store) List() ([]string, error) {
	ids, err := s.backend.List()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return ids, nil
}

// ListWithMetadata returns every known contextId paired with its metadata.
func (s *Store) ListWithMetadata() ([]meshtypes.IDMetadata, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]meshtypes.IDMetadata, 0, len(ids))
	for _, id := range ids {
		meta, err := s.GetMetadata(id)
		if err != nil {
			if err == ErrNotFound {
				// Raced with a concurrent delete between List and
				// GetMetadata; skip rather than fail the whole listing.
				continue
			}
			return nil, err
		}
		out = append(out, meshtypes.IDMetadata{ID: id, Metadata: meta})
	}
	return out, nil
}

func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var _ io.Closer = (*Store)(nil)
