// Package sqlitecache implements the store's local durable cache on an
// embedded SQLite database: one JSON document per user and key, tolerant of
// absence and of corrupt payloads.
package sqlitecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/gramkeep/gramkeep/internal/store"
)

const (
	driverName           = "sqlite"
	pragmaJournalMode    = "PRAGMA journal_mode=WAL"
	pragmaBusyTimeout    = "PRAGMA busy_timeout=5000"
	createTableStatement = `CREATE TABLE IF NOT EXISTS cache_documents (
		user_id TEXT NOT NULL,
		doc_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, doc_key)
	)`
	upsertStatement = `INSERT INTO cache_documents (user_id, doc_key, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, doc_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	selectStatement = `SELECT payload FROM cache_documents WHERE user_id = ? AND doc_key = ?`

	documentKeyState = "state"

	errMessageOpenDatabase   = "open cache database"
	errMessagePingDatabase   = "ping cache database"
	errMessageMigrateSchema  = "create cache schema"
	errMessageEncodeState    = "encode cached state"
	errMessageWriteState     = "write cached state"
	logMessageCorruptPayload = "corrupt cache payload treated as miss"
	logFieldUserID           = "user_id"
)

// Cache persists per-user cached state in SQLite. It implements store.Cache.
type Cache struct {
	database *sql.DB
	logger   *zap.Logger
}

var _ store.Cache = (*Cache)(nil)

// Config configures a Cache.
type Config struct {
	Path   string
	Logger *zap.Logger
}

// New opens (or creates) the cache database at the configured path. Use
// ":memory:" for an ephemeral cache.
func New(configuration Config) (*Cache, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	database, openErr := sql.Open(driverName, configuration.Path)
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageOpenDatabase, openErr)
	}
	if pingErr := database.Ping(); pingErr != nil {
		database.Close()
		return nil, fmt.Errorf("%s: %w", errMessagePingDatabase, pingErr)
	}
	for _, pragma := range []string{pragmaJournalMode, pragmaBusyTimeout} {
		if _, pragmaErr := database.Exec(pragma); pragmaErr != nil {
			database.Close()
			return nil, fmt.Errorf("%s: %w", errMessageOpenDatabase, pragmaErr)
		}
	}
	if _, migrateErr := database.Exec(createTableStatement); migrateErr != nil {
		database.Close()
		return nil, fmt.Errorf("%s: %w", errMessageMigrateSchema, migrateErr)
	}

	return &Cache{database: database, logger: logger}, nil
}

// Close releases the underlying database handle.
func (cache *Cache) Close() error {
	return cache.database.Close()
}

// Load reads the cached state for the user. A missing row is a cold start; a
// payload that fails to decode is treated as a cache miss.
func (cache *Cache) Load(ctx context.Context, userID string) (store.CachedState, bool, error) {
	var payload string
	scanErr := cache.database.QueryRowContext(ctx, selectStatement, userID, documentKeyState).Scan(&payload)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return store.CachedState{}, false, nil
	}
	if scanErr != nil {
		return store.CachedState{}, false, scanErr
	}

	var state store.CachedState
	if decodeErr := json.Unmarshal([]byte(payload), &state); decodeErr != nil {
		cache.logger.Warn(logMessageCorruptPayload,
			zap.String(logFieldUserID, userID),
			zap.Error(decodeErr))
		return store.CachedState{}, false, nil
	}
	return state, true, nil
}

// Save upserts the cached state for the user.
func (cache *Cache) Save(ctx context.Context, userID string, state store.CachedState) error {
	payload, encodeErr := json.Marshal(state)
	if encodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageEncodeState, encodeErr)
	}
	updatedAt := time.Now().UTC().Format(time.RFC3339)
	if _, execErr := cache.database.ExecContext(ctx, upsertStatement, userID, documentKeyState, string(payload), updatedAt); execErr != nil {
		return fmt.Errorf("%s: %w", errMessageWriteState, execErr)
	}
	return nil
}
