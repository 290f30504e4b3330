package postgres

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/nodehost/internal/store"
)

const uniqueViolation = "23505"

var Dialect = store.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS nodes(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			node_type INTEGER NOT NULL,
			executable TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			env TEXT NOT NULL DEFAULT '{}',
			created TIMESTAMPTZ NOT NULL,
			updated TIMESTAMPTZ NOT NULL,
			started TIMESTAMPTZ NULL,
			stopped TIMESTAMPTZ NULL,
			want_start BOOLEAN NOT NULL DEFAULT FALSE,
			has_error BOOLEAN NOT NULL DEFAULT FALSE,
			output TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_want_start ON nodes(want_start);`,
		`CREATE TABLE IF NOT EXISTS users(
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			updated TIMESTAMPTZ NOT NULL,
			deleted TIMESTAMPTZ NULL,
			token TEXT NULL UNIQUE,
			logged_in TIMESTAMPTZ NULL
		);`,
	},
	UniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
	},
}

// New opens a PostgreSQL store through the pgx stdlib driver.
func New(dsn string) (*store.SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty PostgreSQL DSN")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(d, Dialect), nil
}
