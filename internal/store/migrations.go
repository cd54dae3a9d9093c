package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "facts: profile facts with candidate/confirmed lifecycle",
		SQL: `
CREATE TABLE facts (
    id               INTEGER PRIMARY KEY,
    user_id          TEXT NOT NULL,
    key              TEXT NOT NULL,
    value            TEXT NOT NULL,
    confidence       REAL NOT NULL DEFAULT 0.5 CHECK (confidence >= 0 AND confidence <= 1),
    status           TEXT NOT NULL CHECK (status IN ('candidate', 'confirmed')),
    sensitivity      TEXT NOT NULL DEFAULT 'low' CHECK (sensitivity IN ('low', 'medium', 'high')),
    ttl_days         INTEGER,
    expires_at       INTEGER,
    fact_date        INTEGER,
    schema_name      TEXT,
    provenance_kind  TEXT NOT NULL CHECK (provenance_kind IN ('ai_proposed', 'ai_confirmed', 'user_confirmed')),
    provenance_source TEXT,
    embedding        BLOB,
    recall_count     INTEGER NOT NULL DEFAULT 0,
    last_recalled_at INTEGER,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,

    UNIQUE (user_id, key)
);

CREATE INDEX idx_facts_user    ON facts(user_id);
CREATE INDEX idx_facts_updated ON facts(updated_at DESC);
CREATE INDEX idx_facts_expires ON facts(expires_at);
`,
	},
	{
		Version:     2,
		Description: "episodic_memories: dated memories with strength decay",
		SQL: `
CREATE TABLE episodic_memories (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    text             TEXT NOT NULL,
    occurred_at      INTEGER,
    location         TEXT,
    confidence       REAL NOT NULL DEFAULT 0.5 CHECK (confidence >= 0 AND confidence <= 1),
    emotional_valence REAL NOT NULL DEFAULT 0 CHECK (emotional_valence >= -1 AND emotional_valence <= 1),
    importance       REAL NOT NULL DEFAULT 0.5 CHECK (importance >= 0 AND importance <= 1),
    memory_strength  REAL NOT NULL DEFAULT 1.0 CHECK (memory_strength >= 0 AND memory_strength <= 1),
    recall_count     INTEGER NOT NULL DEFAULT 0,
    last_recalled_at INTEGER,
    provenance_kind  TEXT NOT NULL CHECK (provenance_kind IN ('ai_proposed', 'ai_confirmed', 'user_confirmed')),
    embedding        BLOB,
    created_at       INTEGER NOT NULL
);

CREATE INDEX idx_episodic_user     ON episodic_memories(user_id);
CREATE INDEX idx_episodic_occurred ON episodic_memories(occurred_at DESC);
`,
	},
	{
		Version:     3,
		Description: "procedural_rules: behavioral rules with observation counters",
		SQL: `
CREATE TABLE procedural_rules (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    rule_type        TEXT NOT NULL CHECK (rule_type IN ('habit', 'preference', 'routine', 'if_then', 'skill')),
    condition        TEXT,
    action           TEXT NOT NULL,
    context          TEXT,
    confidence       REAL NOT NULL DEFAULT 0.7 CHECK (confidence >= 0 AND confidence <= 1),
    frequency        TEXT,
    importance       REAL NOT NULL DEFAULT 0.5 CHECK (importance >= 0 AND importance <= 1),
    times_observed   INTEGER NOT NULL DEFAULT 0,
    times_applied    INTEGER NOT NULL DEFAULT 0,
    last_observed_at INTEGER,
    last_applied_at  INTEGER,
    status           TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'inactive', 'deprecated')),
    embedding        BLOB,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE INDEX idx_rules_user       ON procedural_rules(user_id);
CREATE INDEX idx_rules_importance ON procedural_rules(importance DESC);
`,
	},
	{
		Version:     4,
		Description: "documents: pre-chunked document text for retrieval",
		SQL: `
CREATE TABLE documents (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    title      TEXT,
    text       TEXT NOT NULL,
    embedding  BLOB,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_documents_user    ON documents(user_id);
CREATE INDEX idx_documents_created ON documents(created_at DESC);
`,
	},
	{
		Version:     5,
		Description: "episodic_memories: stamp decay runs so they do not compound",
		SQL: `
ALTER TABLE episodic_memories ADD COLUMN last_decayed_at INTEGER;
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
