package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Node is the persisted definition and run-state of a worker.
type Node struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Type       int               `json:"type" yaml:"type"`
	Executable string            `json:"executable" yaml:"executable"`
	Command    string            `json:"command" yaml:"command"`
	Env        map[string]string `json:"env" yaml:"env"`
	Created    time.Time         `json:"created" yaml:"created"`
	Updated    time.Time         `json:"updated" yaml:"updated"`
	Started    *time.Time        `json:"started" yaml:"started"`
	Stopped    *time.Time        `json:"stopped" yaml:"stopped"`
	Start      bool              `json:"start" yaml:"start"`
	Error      bool              `json:"error" yaml:"error"`
	Output     *string           `json:"output" yaml:"output"`
}

// Stats is the resource usage of a running worker.
type Stats struct {
	PID        int32     `json:"pid,omitempty" yaml:"pid,omitempty"`
	CPUPercent float64   `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryRSS  uint64    `json:"memory,omitempty" yaml:"memory,omitempty"`
	NumThreads int32     `json:"threads,omitempty" yaml:"threads,omitempty"`
	NumFDs     int32     `json:"fds,omitempty" yaml:"fds,omitempty"`
	Ctime      time.Time `json:"ctime,omitzero" yaml:"ctime,omitempty"`
	Elapsed    int64     `json:"elapsed,omitempty" yaml:"elapsed,omitempty"`
}

// NodeView is a node with live process information.
type NodeView struct {
	Node    `yaml:",inline"`
	Running bool  `json:"running" yaml:"running"`
	Stats   Stats `json:"stats" yaml:"stats"`
}

// NodeType is a supported launcher kind.
type NodeType struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Launcher string `json:"launcher" yaml:"launcher"`
}

// CreateNodeRequest defines a new node.
type CreateNodeRequest struct {
	Name       string            `json:"name"`
	Type       int               `json:"type"`
	Executable string            `json:"executable"`
	Command    string            `json:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// UpdateNodeRequest changes the non-nil fields of node ID.
type UpdateNodeRequest struct {
	ID         string             `json:"id"`
	Name       *string            `json:"name,omitempty"`
	Type       *int               `json:"type,omitempty"`
	Executable *string            `json:"executable,omitempty"`
	Command    *string            `json:"command,omitempty"`
	Env        *map[string]string `json:"env,omitempty"`
}

// ListOptions pages through nodes. Zero values use the server defaults.
type ListOptions struct {
	Limit int
	Start int
	Sort  string
	Desc  bool
}

// User is an account, without credentials.
type User struct {
	ID       string     `json:"id" yaml:"id"`
	Login    string     `json:"login" yaml:"login"`
	Created  time.Time  `json:"created" yaml:"created"`
	Updated  time.Time  `json:"updated" yaml:"updated"`
	LoggedIn *time.Time `json:"logged_in,omitempty" yaml:"logged_in,omitempty"`
}

// Token is an issued session token.
type Token struct {
	Token          string    `json:"token" yaml:"token"`
	ExpirationDate time.Time `json:"expirationDate" yaml:"expirationDate"`
}

// SystemInfo is the host snapshot. It is kept generic since its fields
// depend on the platform.
type SystemInfo map[string]any

// APIError is a non-2xx response of the API.
type APIError struct {
	Status  int      `json:"status"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error %d: %s (%s)", e.Status, e.Message, strings.Join(e.Errors, "; "))
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
