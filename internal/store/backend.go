package store

import "github.com/agentcontext/contextmesh/internal/meshtypes"

// Backend is the durable persistence layer beneath ContextStore. It knows
// nothing about versioning, locking, caching or events — those are the
// store's job. A Backend just reads and writes whatever the store hands it.
type Backend interface {
	ReadPayload(id string) (meshtypes.RawPayload, bool, error)
	ReadMetadata(id string) (meshtypes.Metadata, bool, error)
	WritePayload(id string, payload meshtypes.RawPayload) error
	WriteMetadata(id string, metadata meshtypes.Metadata) error
	// Delete removes both payload and metadata records for id. It must not
	// return an error solely because the records were already absent.
	Delete(id string) error
	List() ([]string, error)
	Close() error
}
