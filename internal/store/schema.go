package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator optionally validates a save's payload before it is
// committed. Contexts are opaque by default (spec §3); a validator is only
// consulted when the operator has registered a schema for the contextId's
// prefix via SCHEMA_DIR.
type SchemaValidator struct {
	// prefixes is kept sorted longest-first so the most specific match
	// wins when more than one prefix applies to a contextId.
	prefixes []string
	schemas  map[string]*jsonschema.Schema
}

// LoadSchemaDirectory compiles every "<prefix>.schema.json" file in dir
// into a SchemaValidator keyed by prefix. An empty dir yields a validator
// that never rejects anything, so callers can wire it unconditionally.
func LoadSchemaDirectory(dir string) (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
	if strings.TrimSpace(dir) == "" {
		return v, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".schema.json") {
			continue
		}
		prefix := strings.TrimSuffix(entry.Name(), ".schema.json")
		path := filepath.Join(dir, entry.Name())
		schema, err := compiler.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", path, err)
		}
		v.schemas[prefix] = schema
		v.prefixes = append(v.prefixes, prefix)
	}
	sort.Slice(v.prefixes, func(i, j int) bool {
		return len(v.prefixes[i]) > len(v.prefixes[j])
	})
	return v, nil
}

// Validate checks payload against the most specific registered prefix
// schema for id, if any. A nil receiver or no matching prefix is a no-op.
func (v *SchemaValidator) Validate(id string, payload []byte) error {
	if v == nil {
		return nil
	}
	for _, prefix := range v.prefixes {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		schema := v.schemas[prefix]
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return &schemaValidationError{contextID: id, err: err}
		}
		if err := schema.Validate(decoded); err != nil {
			return &schemaValidationError{contextID: id, err: err}
		}
		return nil
	}
	return nil
}
