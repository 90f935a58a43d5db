package storage

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is bumped whenever a migration is added below.
const CurrentSchemaVersion = 3

func (b *Backend) schemaVersion() (int, error) {
	if _, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS lcm_schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return 0, fmt.Errorf("storage: ensure migrations table: %w", err)
	}

	var version sql.NullInt64
	row := b.db.QueryRow(`SELECT MAX(version) FROM lcm_schema_migrations`)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// migrate runs every migration between the database's current version and
// CurrentSchemaVersion, in order, recording each applied version. Idempotent:
// a file already at the latest version returns nil without side effects
// beyond ensuring the migrations table exists.
func (b *Backend) migrate() error {
	current, err := b.schemaVersion()
	if err != nil {
		return err
	}

	for version := current + 1; version <= CurrentSchemaVersion; version++ {
		if err := b.runMigration(version); err != nil {
			return fmt.Errorf("storage: migration %d: %w", version, err)
		}
		if _, err := b.db.Exec(`INSERT INTO lcm_schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("storage: record migration %d: %w", version, err)
		}
	}
	return nil
}

//nolint:cyclop // linear switch over schema versions, matches teacher's runMigration
func (b *Backend) runMigration(version int) error {
	switch version {
	case 1:
		return b.migrateV1CoreTables()
	case 2:
		return b.migrateV2LineageAndArtifacts()
	case 3:
		return b.migrateV3FullTextSearch()
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateV1CoreTables creates the canonical event log (conversations,
// messages, message parts) described in spec §3. Timestamps are stored as
// epoch milliseconds, not SQL TIMESTAMP, because invariant I8 orders active
// context items by (createdAtMs, itemId) and millisecond ties are resolved
// lexicographically on id - integer comparison keeps that ordering exact.
func (b *Backend) migrateV1CoreTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lcm_conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			channel TEXT,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lcm_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES lcm_conversations(id),
			ordinal INTEGER NOT NULL,
			role TEXT NOT NULL,
			author_id TEXT,
			content_text TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			UNIQUE(conversation_id, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON lcm_messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS lcm_message_parts (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES lcm_messages(id),
			part_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			mime_type TEXT,
			text_content TEXT NOT NULL DEFAULT '',
			blob_path TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			UNIQUE(message_id, part_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parts_message ON lcm_message_parts(message_id)`,
		`CREATE TABLE IF NOT EXISTS lcm_context_items (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES lcm_conversations(id),
			source_message_id TEXT REFERENCES lcm_messages(id),
			item_type TEXT NOT NULL CHECK (item_type IN ('message','summary','note','artifact')),
			depth INTEGER NOT NULL DEFAULT 0,
			title TEXT,
			body TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			token_estimate INTEGER NOT NULL DEFAULT 0,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_items_active ON lcm_context_items(conversation_id, tombstoned, created_at_ms, id)`,
		`CREATE INDEX IF NOT EXISTS idx_context_items_source_message ON lcm_context_items(source_message_id)`,
	}
	return execAll(b.db, stmts)
}

// migrateV2LineageAndArtifacts creates the lineage DAG edges (summarizes /
// derived / compacted, per §3) and the artifact side-table for out-of-store
// blob references.
func (b *Backend) migrateV2LineageAndArtifacts() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lcm_lineage_edges (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES lcm_conversations(id),
			parent_item_id TEXT NOT NULL REFERENCES lcm_context_items(id),
			child_item_id TEXT NOT NULL REFERENCES lcm_context_items(id),
			relation TEXT NOT NULL CHECK (relation IN ('summarizes','derived','compacted')),
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			UNIQUE(parent_item_id, child_item_id, relation)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lineage_parent ON lcm_lineage_edges(parent_item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lineage_child ON lcm_lineage_edges(child_item_id)`,
		`CREATE TABLE IF NOT EXISTS lcm_artifacts (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES lcm_conversations(id),
			message_id TEXT REFERENCES lcm_messages(id),
			path TEXT NOT NULL,
			mime_type TEXT,
			bytes INTEGER,
			sha256 TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_conversation ON lcm_artifacts(conversation_id)`,
	}
	return execAll(b.db, stmts)
}

// migrateV3FullTextSearch creates the fts5 shadow table over context-item
// title||body and the triggers that keep it synchronized, mirroring the
// teacher's nodes/nodes_fts pattern. If the sqlite build lacks fts5 this
// migration is a no-op and Open marks ftsAvailable=false; retrieval then
// uses a case-insensitive LIKE scan (spec §4.1 "degrade transparently").
func (b *Backend) migrateV3FullTextSearch() error {
	_, err := b.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS lcm_context_items_fts USING fts5(
		id UNINDEXED, title, body, content=lcm_context_items, content_rowid=rowid
	)`)
	if err != nil {
		return nil //nolint:nilerr // fts5 optional, see doc comment
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS lcm_context_items_fts_insert AFTER INSERT ON lcm_context_items BEGIN
			INSERT INTO lcm_context_items_fts(rowid, id, title, body) VALUES (new.rowid, new.id, new.title, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS lcm_context_items_fts_update AFTER UPDATE ON lcm_context_items BEGIN
			UPDATE lcm_context_items_fts SET title = new.title, body = new.body WHERE rowid = new.rowid;
		END`,
		`CREATE TRIGGER IF NOT EXISTS lcm_context_items_fts_delete AFTER DELETE ON lcm_context_items BEGIN
			DELETE FROM lcm_context_items_fts WHERE rowid = old.rowid;
		END`,
	}
	return execAll(b.db, triggers)
}

func execAll(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
