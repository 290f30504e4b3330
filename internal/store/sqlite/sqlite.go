package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/nodehost/internal/store"
)

// Dialect describes the SQLite flavour (modernc.org/sqlite driver, CGO-free).
var Dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS nodes(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			node_type INTEGER NOT NULL,
			executable TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			env TEXT NOT NULL DEFAULT '{}',
			created TIMESTAMP NOT NULL,
			updated TIMESTAMP NOT NULL,
			started TIMESTAMP NULL,
			stopped TIMESTAMP NULL,
			want_start BOOLEAN NOT NULL DEFAULT 0,
			has_error BOOLEAN NOT NULL DEFAULT 0,
			output TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_want_start ON nodes(want_start);`,
		`CREATE TABLE IF NOT EXISTS users(
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			created TIMESTAMP NOT NULL,
			updated TIMESTAMP NOT NULL,
			deleted TIMESTAMP NULL,
			token TEXT NULL UNIQUE,
			logged_in TIMESTAMP NULL
		);`,
	},
	UniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// New opens a SQLite database at path. Use ":memory:" for an in-memory store.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.NewSQL(d, Dialect), nil
}
