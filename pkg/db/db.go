package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// Database holds a single-connection writer handle and a pooled read-only
// handle. In-memory databases share one handle for both.
type Database struct {
	DB     *sql.DB // writer
	Reader *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if inMemory {
		return &Database{DB: db, Reader: db}, nil
	}

	reader, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db, Reader: reader}, nil
}

// Queries returns the query set bound to this database's handles.
func (d *Database) Queries() *Queries {
	return NewQueries(d.DB, d.Reader)
}

// Close closes the reader pool, then the writer.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	var err error
	if d.Reader != nil && d.Reader != d.DB {
		err = d.Reader.Close()
	}
	return multierr.Append(err, d.DB.Close())
}
