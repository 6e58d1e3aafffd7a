package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is the registry's relational persistence layer. Every mutating call
// is transactional: a module record and its tool rows change together or
// not at all.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (creating if needed) the registry database at dbPath.
func NewStore(logger zerolog.Logger, dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "registry-store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates database tables and indices. It is idempotent and runs
// on every startup.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS modules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			category TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			loaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			unloaded_at TIMESTAMP,
			load_duration_ms INTEGER NOT NULL DEFAULT 0,
			tool_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS tools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			module_id INTEGER NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS dependencies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_module TEXT NOT NULL,
			dependency_module TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'plugin'
		);

		CREATE TABLE IF NOT EXISTS registry_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_modules_active ON modules(active);
		CREATE INDEX IF NOT EXISTS idx_modules_loaded_at ON modules(loaded_at);
		CREATE INDEX IF NOT EXISTS idx_tools_name ON tools(name);
		CREATE INDEX IF NOT EXISTS idx_tools_module_id ON tools(module_id);
		CREATE INDEX IF NOT EXISTS idx_dependencies_parent ON dependencies(parent_module);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SaveModule records a module and its tools in one transaction: upsert the
// module row, delete previously recorded tools for it, insert the new tool
// set, rewrite its dependency edges. Re-saving the same module is the
// idempotent re-registration path.
func (s *Store) SaveModule(ctx context.Context, rec *ModuleRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save module", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO modules (name, category, version, file_path, active, loaded_at, unloaded_at, load_duration_ms, tool_count)
		VALUES (?, ?, ?, ?, 1, ?, NULL, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			category = excluded.category,
			version = excluded.version,
			file_path = excluded.file_path,
			active = 1,
			loaded_at = excluded.loaded_at,
			unloaded_at = NULL,
			load_duration_ms = excluded.load_duration_ms,
			tool_count = excluded.tool_count`,
		rec.Name, rec.Category, rec.Version, rec.FilePath,
		rec.LoadedAt.UTC(), rec.LoadDuration.Milliseconds(), len(rec.Tools),
	)
	if err != nil {
		return &PersistenceError{Op: "save module", Err: err}
	}

	var moduleID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM modules WHERE name = ?`, rec.Name).Scan(&moduleID); err != nil {
		return &PersistenceError{Op: "save module", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE module_id = ?`, moduleID); err != nil {
		return &PersistenceError{Op: "save module", Err: err}
	}
	for _, tool := range rec.Tools {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tools (module_id, name, category, created_at) VALUES (?, ?, ?, ?)`,
			moduleID, tool, rec.Category, time.Now().UTC(),
		)
		if err != nil {
			return &PersistenceError{Op: "save module", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE parent_module = ?`, rec.Name); err != nil {
		return &PersistenceError{Op: "save module", Err: err}
	}
	for _, dep := range rec.Dependencies {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dependencies (parent_module, dependency_module, type) VALUES (?, ?, ?)`,
			rec.Name, dep, rec.Category,
		)
		if err != nil {
			return &PersistenceError{Op: "save module", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save module", Err: err}
	}

	rec.ID = moduleID
	s.logger.Debug().
		Str("module", rec.Name).
		Int("tools", len(rec.Tools)).
		Msg("Saved module")

	return nil
}

// LoadModules returns every active module with its tools and dependency
// edges, oldest load first so rehydration replays in original order.
func (s *Store) LoadModules(ctx context.Context) ([]*ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, version, file_path, active, loaded_at, unloaded_at, load_duration_ms
		FROM modules
		WHERE active = 1
		ORDER BY loaded_at ASC, id ASC`)
	if err != nil {
		return nil, &PersistenceError{Op: "load modules", Err: err}
	}
	defer rows.Close()

	var records []*ModuleRecord
	byID := make(map[int64]*ModuleRecord)
	for rows.Next() {
		rec := &ModuleRecord{}
		var active int
		var durationMS int64
		var unloadedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Category, &rec.Version, &rec.FilePath,
			&active, &rec.LoadedAt, &unloadedAt, &durationMS); err != nil {
			return nil, &PersistenceError{Op: "load modules", Err: err}
		}
		rec.Active = active == 1
		rec.LoadDuration = time.Duration(durationMS) * time.Millisecond
		if unloadedAt.Valid {
			t := unloadedAt.Time
			rec.UnloadedAt = &t
		}
		records = append(records, rec)
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load modules", Err: err}
	}

	toolRows, err := s.db.QueryContext(ctx, `
		SELECT module_id, name FROM tools ORDER BY module_id ASC, id ASC`)
	if err != nil {
		return nil, &PersistenceError{Op: "load modules", Err: err}
	}
	defer toolRows.Close()

	for toolRows.Next() {
		var moduleID int64
		var name string
		if err := toolRows.Scan(&moduleID, &name); err != nil {
			return nil, &PersistenceError{Op: "load modules", Err: err}
		}
		if rec, ok := byID[moduleID]; ok {
			rec.Tools = append(rec.Tools, name)
		}
	}
	if err := toolRows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load modules", Err: err}
	}

	depRows, err := s.db.QueryContext(ctx, `
		SELECT parent_module, dependency_module FROM dependencies ORDER BY id ASC`)
	if err != nil {
		return nil, &PersistenceError{Op: "load modules", Err: err}
	}
	defer depRows.Close()

	byName := make(map[string]*ModuleRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	for depRows.Next() {
		var parent, dep string
		if err := depRows.Scan(&parent, &dep); err != nil {
			return nil, &PersistenceError{Op: "load modules", Err: err}
		}
		if rec, ok := byName[parent]; ok {
			rec.Dependencies = append(rec.Dependencies, dep)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load modules", Err: err}
	}

	return records, nil
}

// MarkUnloaded flags a module inactive without deleting its history.
func (s *Store) MarkUnloaded(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modules SET active = 0, unloaded_at = ? WHERE name = ? AND active = 1`,
		time.Now().UTC(), name,
	)
	if err != nil {
		return &PersistenceError{Op: "mark unloaded", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return nil
}

// SetConfig upserts one registry configuration value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return &PersistenceError{Op: "set config", Err: err}
	}
	return nil
}

// GetConfig reads one registry configuration value. Missing keys return
// the empty string with no error.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM registry_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &PersistenceError{Op: "get config", Err: err}
	}
	return value, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
