package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: chats, messages, media",
		SQL: `
		CREATE TABLE IF NOT EXISTS chats (
			id                TEXT PRIMARY KEY,
			platform_chat_id  TEXT NOT NULL,
			source            TEXT NOT NULL,
			name              TEXT DEFAULT '',
			auto_mode         INTEGER NOT NULL DEFAULT 0,
			openai_thread_id  TEXT DEFAULT '',
			updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(source, platform_chat_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id                   TEXT PRIMARY KEY,
			platform_message_id  TEXT NOT NULL,
			source               TEXT NOT NULL,
			chat_id              TEXT NOT NULL REFERENCES chats(id),
			type                 TEXT NOT NULL,
			content              TEXT DEFAULT '',
			media_file_id        TEXT DEFAULT '',
			is_incoming          INTEGER NOT NULL DEFAULT 1,
			timestamp            DATETIME NOT NULL,
			sender_id            TEXT DEFAULT '',
			sender_name          TEXT DEFAULT '',
			response_mode        TEXT NOT NULL DEFAULT 'manual'
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp);

		CREATE TABLE IF NOT EXISTS media (
			id            TEXT PRIMARY KEY,
			filename      TEXT NOT NULL,
			content_type  TEXT DEFAULT '',
			source        TEXT DEFAULT '',
			data          BLOB NOT NULL,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: idempotency lookup index on messages",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_messages_platform ON messages(platform_message_id, sender_id);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d failed: %w", m.Version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}

	return nil
}

// GetSchemaVersion returns the highest applied migration, or 0 on a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func splitSQL(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
