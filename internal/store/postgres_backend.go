package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

const (
	postgresTableName        = "contextmesh_contexts"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one row per contextId: payload and metadata are
// both kept as JSON text columns, mirroring the teacher's
// PostgresStateBackend (lazy connection via sync.Once, quoted identifiers,
// a bounded per-operation context). Used when a central authority wants
// centralized durability instead of a local dataDir.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBackend validates the DSN eagerly but defers connecting (and
// schema creation) until first use, matching the teacher's backend.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalid
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				context_id TEXT PRIMARY KEY,
				payload TEXT,
				metadata TEXT,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func (b *PostgresBackend) ReadPayload(id string) (meshtypes.RawPayload, bool, error) {
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE context_id = $1", postgresQuoteIdentifier(b.tableName))
	var payload sql.NullString
	err := b.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) || !payload.Valid {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return meshtypes.RawPayload(payload.String), true, nil
}

func (b *PostgresBackend) ReadMetadata(id string) (meshtypes.Metadata, bool, error) {
	if err := b.ensureReady(); err != nil {
		return meshtypes.Metadata{}, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT metadata FROM %s WHERE context_id = $1", postgresQuoteIdentifier(b.tableName))
	var raw sql.NullString
	err := b.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || !raw.Valid {
		return meshtypes.Metadata{}, false, nil
	}
	if err != nil {
		return meshtypes.Metadata{}, false, err
	}
	var meta meshtypes.Metadata
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return meshtypes.Metadata{}, false, err
	}
	return meta, true, nil
}

func (b *PostgresBackend) WritePayload(id string, payload meshtypes.RawPayload) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (context_id, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (context_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, id, string(payload))
	return err
}

func (b *PostgresBackend) WriteMetadata(id string, metadata meshtypes.Metadata) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (context_id, metadata, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (context_id)
		DO UPDATE SET metadata = EXCLUDED.metadata, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, id, string(data))
	return err
}

func (b *PostgresBackend) Delete(id string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE context_id = $1", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, id)
	return err
}

func (b *PostgresBackend) List() ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT context_id FROM %s ORDER BY context_id", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
