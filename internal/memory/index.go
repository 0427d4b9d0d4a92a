package memory

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// tagIndex caches the extracted tag set per record file in SQLite,
// keyed by path and mtime. A row whose mtime no longer matches the
// file is stale and gets rebuilt by the caller; the record files stay
// the source of truth throughout.
type tagIndex struct {
	db *sql.DB
}

// openTagIndex opens (creating if needed) the index database at dbPath.
// Pass ":memory:" for an ephemeral index.
func openTagIndex(dbPath string) (*tagIndex, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open tag index: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: init tag index schema: %w", err)
	}
	return &tagIndex{db: db}, nil
}

// Close releases the database handle.
func (ix *tagIndex) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// lookup returns the cached tags for path if the row's mtime matches.
func (ix *tagIndex) lookup(path string, mtime int64) ([]string, bool) {
	if ix == nil {
		return nil, false
	}
	var gotMtime int64
	var joined string
	err := ix.db.QueryRow(
		"SELECT mtime, tags FROM record_tags WHERE path = ?", path,
	).Scan(&gotMtime, &joined)
	if err != nil || gotMtime != mtime {
		return nil, false
	}
	if joined == "" {
		return []string{}, true
	}
	return strings.Split(joined, ","), true
}

// store upserts the tag row for path.
func (ix *tagIndex) store(path string, mtime int64, tags []string) error {
	if ix == nil {
		return nil
	}
	_, err := ix.db.Exec(
		"INSERT INTO record_tags (path, mtime, tags) VALUES (?, ?, ?) "+
			"ON CONFLICT(path) DO UPDATE SET mtime = excluded.mtime, tags = excluded.tags",
		path, mtime, strings.Join(tags, ","),
	)
	return err
}

// forget drops the row for path (file removed or rewritten externally).
func (ix *tagIndex) forget(path string) {
	if ix == nil {
		return
	}
	ix.db.Exec("DELETE FROM record_tags WHERE path = ?", path)
}
