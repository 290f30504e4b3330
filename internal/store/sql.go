package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect captures what differs between the supported SQL engines.
type Dialect struct {
	Name string
	// Numbered selects $1-style placeholders instead of '?'.
	Numbered bool
	Schema   []string
	// UniqueViolation reports whether err was raised by a UNIQUE constraint.
	UniqueViolation func(err error) bool
}

// SQL implements Store on top of database/sql. Every write is a single
// statement touching only the columns it changes.
type SQL struct {
	db *sql.DB
	d  Dialect
}

func NewSQL(db *sql.DB, d Dialect) *SQL {
	return &SQL{db: db, d: d}
}

// DB exposes the underlying handle (tests, history sinks sharing the file).
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() string { return s.d.Name }

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

// q rewrites '?' placeholders for dialects using numbered parameters.
func (s *SQL) q(query string) string {
	if !s.d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) unique(err error) bool {
	return err != nil && s.d.UniqueViolation != nil && s.d.UniqueViolation(err)
}

const nodeColumns = `id, name, node_type, executable, command, env, created, updated, started, stopped, want_start, has_error, output`

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(sc scanner) (*Node, error) {
	var (
		n       Node
		env     string
		started sql.NullTime
		stopped sql.NullTime
		output  sql.NullString
	)
	if err := sc.Scan(&n.ID, &n.Name, &n.Type, &n.Executable, &n.Command, &env,
		&n.Created, &n.Updated, &started, &stopped, &n.Start, &n.Error, &output); err != nil {
		return nil, err
	}
	n.Env = map[string]string{}
	if env != "" {
		if err := json.Unmarshal([]byte(env), &n.Env); err != nil {
			return nil, fmt.Errorf("decode env of node %s: %w", n.ID, err)
		}
	}
	if started.Valid {
		t := started.Time
		n.Started = &t
	}
	if stopped.Valid {
		t := stopped.Time
		n.Stopped = &t
	}
	if output.Valid {
		o := output.String
		n.Output = &o
	}
	return &n, nil
}

func encodeEnv(env map[string]string) (string, error) {
	if env == nil {
		env = map[string]string{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode env: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreateNode inserts n, assigning a fresh id and the created/updated stamps.
func (s *SQL) CreateNode(ctx context.Context, n *Node) error {
	n.ID = uuid.NewString()
	now := time.Now().UTC()
	n.Created, n.Updated = now, now
	if n.Env == nil {
		n.Env = map[string]string{}
	}
	env, err := encodeEnv(n.Env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO nodes(`+nodeColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		n.ID, n.Name, n.Type, n.Executable, n.Command, env, n.Created, n.Updated,
		nullTime(n.Started), nullTime(n.Stopped), n.Start, n.Error, nullString(n.Output))
	if s.unique(err) {
		return ErrNameConflict
	}
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *SQL) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+nodeColumns+` FROM nodes WHERE id=?;`), id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// ListNodes returns one page of nodes and the total number of records.
func (s *SQL) ListNodes(ctx context.Context, opts ListOptions) ([]*Node, int, error) {
	col, ok := sortColumns[opts.Sort]
	if !ok {
		col = sortColumns[DefaultListSort]
	}
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes;`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count nodes: %w", err)
	}

	// col and dir come from the whitelist above
	query := fmt.Sprintf(`SELECT %s FROM nodes ORDER BY %s %s, id ASC LIMIT ? OFFSET ?;`, nodeColumns, col, dir)
	rows, err := s.db.QueryContext(ctx, s.q(query), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, 0, err
	}
	return nodes, total, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	out := make([]*Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNode applies p as a single UPDATE and returns the resulting record.
func (s *SQL) UpdateNode(ctx context.Context, id string, p Patch) (*Node, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Type != nil {
		add("node_type", *p.Type)
	}
	if p.Executable != nil {
		add("executable", *p.Executable)
	}
	if p.Command != nil {
		add("command", *p.Command)
	}
	if p.Env != nil {
		env, err := encodeEnv(*p.Env)
		if err != nil {
			return nil, err
		}
		add("env", env)
	}
	if p.Started != nil {
		add("started", *p.Started)
	}
	if p.Stopped != nil {
		add("stopped", *p.Stopped)
	}
	if p.Start != nil {
		add("want_start", *p.Start)
	}
	if p.Error != nil {
		add("has_error", *p.Error)
	}
	if p.Output != nil {
		add("output", *p.Output)
	}
	add("updated", time.Now().UTC())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE nodes SET `+strings.Join(sets, ", ")+` WHERE id=?;`), args...)
	if s.unique(err) {
		return nil, ErrNameConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update node %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return s.GetNode(ctx, id)
}

func (s *SQL) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM nodes WHERE id=?;`), id)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DesiredRunning returns every node whose desired state is running.
func (s *SQL) DesiredRunning(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+nodeColumns+` FROM nodes WHERE want_start=? ORDER BY created ASC;`), true)
	if err != nil {
		return nil, fmt.Errorf("list desired running: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

const userColumns = `id, login, password, created, updated, deleted, token, logged_in`

func scanUser(sc scanner) (*User, error) {
	var (
		u        User
		deleted  sql.NullTime
		token    sql.NullString
		loggedIn sql.NullTime
	)
	if err := sc.Scan(&u.ID, &u.Login, &u.Password, &u.Created, &u.Updated, &deleted, &token, &loggedIn); err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		u.Deleted = &t
	}
	if token.Valid {
		v := token.String
		u.Token = &v
	}
	if loggedIn.Valid {
		t := loggedIn.Time
		u.LoggedIn = &t
	}
	return &u, nil
}

func (s *SQL) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.Created, u.Updated = now, now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users(`+userColumns+`)
		VALUES(?, ?, ?, ?, ?, NULL, NULL, NULL);`),
		u.ID, u.Login, u.Password, u.Created, u.Updated)
	if s.unique(err) {
		return ErrLoginConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQL) getUser(ctx context.Context, where string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE `+where+` AND deleted IS NULL;`), arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQL) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id=?", id)
}

func (s *SQL) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return s.getUser(ctx, "login=?", login)
}

func (s *SQL) GetUserByToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, "token=?", token)
}

func (s *SQL) SetSession(ctx context.Context, id, token string, loggedIn time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET token=?, logged_in=?, updated=? WHERE id=?;`),
		token, loggedIn.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ClearSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET token=NULL, logged_in=NULL, updated=? WHERE id=?;`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
