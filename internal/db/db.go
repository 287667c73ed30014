// Package db implements the persistent job repository on sqlite. The
// scheduler owns job records end to end; the store is a write-through cache
// consulted on restart for listing and querying.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps separate writer and reader handles over one sqlite file.
// The writer is capped at a single connection so all mutations serialize;
// readers run concurrently against the WAL.
type Store struct {
	Writer *sql.DB
	Reader *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", url.PathEscape(path))

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{Writer: writer, Reader: reader}
	if err := s.createSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both handles.
func (s *Store) Close() error {
	var firstErr error
	if err := s.Writer.Close(); err != nil {
		firstErr = err
	}
	if err := s.Reader.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// timeLayout stores UTC timestamps as TEXT with millisecond precision so
// lexicographic ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000Z"

func timeText(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeTextPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeText(*t)
}

func parseTimeText(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	// Older rows were written at second precision.
	return time.Parse("2006-01-02T15:04:05Z", s)
}
