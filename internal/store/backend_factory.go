package store

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildBackendFromDSN selects a Backend implementation by URL scheme,
// following the teacher's BuildStateBackendFromDSN dispatch: empty or
// "file" is a local dataDir, "memory"/"mem" is in-process, "postgres" is
// the SQL-backed implementation. An empty dsn with a non-empty dataDir
// falls back to the file backend so callers only need to pass one of the
// two.
func BuildBackendFromDSN(dsn, dataDir string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if strings.TrimSpace(dataDir) == "" {
			return nil, fmt.Errorf("%w: no store DSN or data directory configured", ErrInvalid)
		}
		return NewFileBackend(dataDir)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "file":
		path := parsed.Path
		if path == "" {
			path = dataDir
		}
		if path == "" {
			return nil, fmt.Errorf("%w: file store DSN has no path", ErrInvalid)
		}
		return NewFileBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
	}
}
