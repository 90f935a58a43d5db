// Package storage is the LCM Storage Backend (spec §4.1): a single SQLite
// file holding the canonical event log, the context-item DAG, and the FTS5
// search shadow table, accessed through a single-writer connection pool with
// WAL journaling, adapted from the teacher's pkg/persistence/db.go.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO

	"github.com/maestro-lcm/lcm/internal/logx"
)

// Backend owns one SQLite connection pool for one LCM database file. Unlike
// the teacher's persistence package, Backend is not a process-wide
// singleton: a host embedding multiple LCM engines (e.g. one per
// conversation namespace) opens one Backend per database path.
type Backend struct {
	db           *sql.DB
	log          *logx.Logger
	path         string
	ftsAvailable bool
	closed       bool
}

// Open creates (or reuses) the SQLite file at path, applies every pending
// migration, and returns a ready Backend. The connection pool is capped at a
// single open connection because SQLite allows only one writer; as a result
// every query and transaction on a Backend, reads included, runs one at a
// time on that connection.
func Open(path string) (*Backend, error) {
	log := logx.NewLogger("lcm.storage")

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &Backend{db: db, log: log, path: path}

	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}

	b.ftsAvailable = b.probeFTS()
	if !b.ftsAvailable {
		log.Warn("fts5 unavailable on this sqlite build, grep(mode=full_text) will fall back to LIKE")
	}

	log.Info("opened %s (fts5=%v)", path, b.ftsAvailable)
	return b, nil
}

// DB exposes the underlying *sql.DB for packages (convstore, integrity,
// retrieval) that build their own prepared queries against the schema this
// package owns.
func (b *Backend) DB() *sql.DB { return b.db }

// FTSAvailable reports whether the fts5 shadow table and triggers were
// created successfully. Retrieval consults this to decide between a MATCH
// query and a LIKE fallback.
func (b *Backend) FTSAvailable() bool { return b.ftsAvailable }

// Path returns the filesystem path (or DSN) this Backend was opened with.
func (b *Backend) Path() string { return b.path }

// Close releases the connection pool. Safe to call more than once.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", b.path, err)
	}
	return nil
}

// Stats reports basic pool and row-count diagnostics, used by the storage
// tests; no cmd/lcminspect subcommand calls it.
type Stats struct {
	SchemaVersion   int
	FTSAvailable    bool
	OpenConnections int
	Conversations   int
	Messages        int
	ContextItems    int
	LineageEdges    int
}

func (b *Backend) Stats() (Stats, error) {
	version, err := b.schemaVersion()
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		SchemaVersion:   version,
		FTSAvailable:    b.ftsAvailable,
		OpenConnections: b.db.Stats().OpenConnections,
	}

	counts := []struct {
		table string
		dest  *int
	}{
		{"lcm_conversations", &s.Conversations},
		{"lcm_messages", &s.Messages},
		{"lcm_context_items", &s.ContextItems},
		{"lcm_lineage_edges", &s.LineageEdges},
	}
	for _, c := range counts {
		row := b.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table)) //nolint:gosec // table name is from a fixed internal list, not user input
		if err := row.Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("storage: count %s: %w", c.table, err)
		}
	}
	return s, nil
}

func (b *Backend) probeFTS() bool {
	_, err := b.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS lcm_fts_probe USING fts5(x)`)
	if err != nil {
		return false
	}
	_, _ = b.db.Exec(`DROP TABLE IF EXISTS lcm_fts_probe`)
	return true
}
