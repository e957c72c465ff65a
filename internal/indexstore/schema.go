package indexstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB opens the catalog database in WAL mode with a single-writer
// connection pool, the way the teacher opens its SQLite FTS5 index.
func openDB(path string) (*sql.DB, error) {
	var dsn string
	if path == "" || path == ":memory:" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS object (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id TEXT NOT NULL,
	path TEXT NOT NULL,
	name TEXT NOT NULL,
	language TEXT NOT NULL,
	kind TEXT NOT NULL,
	byte_start INTEGER NOT NULL,
	byte_end INTEGER NOT NULL,
	start_line INTEGER NOT NULL,
	start_col INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	end_col INTEGER NOT NULL,
	content_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS object_path_idx ON object(path);
CREATE INDEX IF NOT EXISTS object_content_hash_idx ON object(content_hash);

CREATE TABLE IF NOT EXISTS embedding (
	content_hash TEXT PRIMARY KEY,
	vector BLOB NOT NULL,
	dimension INTEGER NOT NULL
);

-- Contentless FTS5 table: rowid is the object's id, so a MATCH result maps
-- straight back to the object row without a separate join table.
-- contentless_delete=1 lets deletePath remove rows by rowid.
CREATE VIRTUAL TABLE IF NOT EXISTS fts_object USING fts5(
	body,
	tokenize='trigram',
	content='',
	contentless_delete=1
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

func initSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
