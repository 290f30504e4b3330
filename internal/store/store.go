package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrNameConflict  = errors.New("node name already in use")
	ErrLoginConflict = errors.New("login already in use")
)

// Node is the durable metadata of one worker process.
type Node struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       int               `json:"type"`
	Executable string            `json:"executable"`
	Command    string            `json:"command"`
	Env        map[string]string `json:"env"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
	Started    *time.Time        `json:"started"`
	Stopped    *time.Time        `json:"stopped"`
	Start      bool              `json:"start"`
	Error      bool              `json:"error"`
	Output     *string           `json:"output"`
}

// User is an account of the access-control layer.
type User struct {
	ID       string     `json:"id"`
	Login    string     `json:"login"`
	Password string     `json:"-"`
	Created  time.Time  `json:"created"`
	Updated  time.Time  `json:"updated"`
	Deleted  *time.Time `json:"deleted,omitempty"`
	Token    *string    `json:"-"`
	LoggedIn *time.Time `json:"logged_in,omitempty"`
}

// Patch describes a field-level update of a node record. Nil fields are left
// untouched; a non-nil NullTime/NullString with Valid=false writes NULL.
// The updated column is always refreshed.
type Patch struct {
	Name       *string
	Type       *int
	Executable *string
	Command    *string
	Env        *map[string]string
	Started    *sql.NullTime
	Stopped    *sql.NullTime
	Start      *bool
	Error      *bool
	Output     *sql.NullString
}

// Empty reports whether the patch changes nothing but the updated timestamp.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Type == nil && p.Executable == nil && p.Command == nil &&
		p.Env == nil && p.Started == nil && p.Stopped == nil && p.Start == nil &&
		p.Error == nil && p.Output == nil
}

// ListOptions controls paging and ordering of ListNodes.
type ListOptions struct {
	Limit  int
	Offset int
	Sort   string
	Desc   bool
}

const (
	DefaultListLimit = 100
	DefaultListSort  = "created"
)

// sortColumns whitelists the sortable fields and maps them to columns.
var sortColumns = map[string]string{
	"name":    "name",
	"type":    "node_type",
	"created": "created",
	"updated": "updated",
	"started": "started",
	"stopped": "stopped",
}

// ValidSort reports whether s names a sortable field.
func ValidSort(s string) bool {
	_, ok := sortColumns[s]
	return ok
}

// NodeStore persists node records.
type NodeStore interface {
	CreateNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context, opts ListOptions) ([]*Node, int, error)
	UpdateNode(ctx context.Context, id string, p Patch) (*Node, error)
	DeleteNode(ctx context.Context, id string) error
	DesiredRunning(ctx context.Context) ([]*Node, error)
}

// UserStore persists user accounts and their session token.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByLogin(ctx context.Context, login string) (*User, error)
	GetUserByToken(ctx context.Context, token string) (*User, error)
	SetSession(ctx context.Context, id, token string, loggedIn time.Time) error
	ClearSession(ctx context.Context, id string) error
}

// Store is the full record store used by the controller.
type Store interface {
	NodeStore
	UserStore
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Helpers for building patches.

func Set[T any](v T) *T { return &v }

func SetTime(t time.Time) *sql.NullTime { return &sql.NullTime{Time: t.UTC(), Valid: true} }

func ClearTime() *sql.NullTime { return &sql.NullTime{} }

func SetText(s string) *sql.NullString { return &sql.NullString{String: s, Valid: true} }

func ClearText() *sql.NullString { return &sql.NullString{} }
