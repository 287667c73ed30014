package db

import "fmt"

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    pipeline_id       TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued','running','completed','failed','cancelled')),
    created_at        TEXT NOT NULL,
    started_at        TEXT,
    completed_at      TEXT,
    duration          INTEGER,
    progress          INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
    current_operation TEXT,
    error             TEXT,
    error_type        TEXT,
    retry_count       INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
    max_retries       INTEGER NOT NULL DEFAULT 0 CHECK(max_retries >= 0),
    data              TEXT,
    result            TEXT,
    git               TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_pipeline_status ON jobs(pipeline_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_recency ON jobs(COALESCE(started_at, created_at) DESC);
`

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}

	// Migrations: columns added after the first release. Errors are ignored
	// because the columns already exist on fresh databases.
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN current_operation TEXT")
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN error_type TEXT")
	_, _ = s.Writer.Exec("ALTER TABLE jobs ADD COLUMN git TEXT")

	return nil
}
