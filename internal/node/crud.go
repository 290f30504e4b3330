package node

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/nodehost/internal/history"
	"github.com/loykin/nodehost/internal/monitor"
	"github.com/loykin/nodehost/internal/store"
)

// CreateInput carries the user-supplied fields of a new node.
type CreateInput struct {
	Name       string            `json:"name" binding:"required"`
	Type       int               `json:"type" binding:"required"`
	Executable string            `json:"executable" binding:"required"`
	Command    string            `json:"command"`
	Env        map[string]string `json:"env"`
}

func (in CreateInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(in.Executable) == "" {
		return fmt.Errorf("%w: executable is required", ErrInvalid)
	}
	return validType(in.Type)
}

func validType(t int) error {
	switch Type(t) {
	case TypeNodeJS, TypeNPM:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownType, t)
}

// UpdateInput changes the provided fields only. Run-state fields are owned by
// the controller and cannot be updated.
type UpdateInput struct {
	Name       *string            `json:"name"`
	Type       *int               `json:"type"`
	Executable *string            `json:"executable"`
	Command    *string            `json:"command"`
	Env        *map[string]string `json:"env"`
}

// View is a node record enriched with live resource usage.
type View struct {
	*store.Node
	Running bool          `json:"running"`
	Stats   monitor.Stats `json:"stats"`
}

// Create inserts the record and provisions its workspace directory. When
// the directory cannot be created the record is removed again.
func (c *Controller) Create(ctx context.Context, in CreateInput) (*store.Node, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	n := &store.Node{
		Name:       strings.TrimSpace(in.Name),
		Type:       in.Type,
		Executable: strings.TrimSpace(in.Executable),
		Command:    in.Command,
		Env:        in.Env,
	}
	if err := c.store.CreateNode(ctx, n); err != nil {
		return nil, err
	}
	if err := c.ws.Create(n.ID); err != nil {
		if derr := c.store.DeleteNode(context.WithoutCancel(ctx), n.ID); derr != nil {
			c.log.Error("rollback of node record failed", "node", n.ID, "error", derr)
		}
		return nil, fmt.Errorf("create node directory: %w", err)
	}
	c.log.Info("node created", "node", n.ID, "name", n.Name)
	c.emit(history.EventCreated, n, 0, nil)
	return n, nil
}

func (c *Controller) Get(ctx context.Context, id string) (*View, error) {
	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{Node: n}
	if h, ok := c.reg.Get(id); ok {
		v.Running = true
		v.Stats = c.mon.One(ctx, id, h.PID())
	}
	return v, nil
}

// List pages through the records and attaches resource usage of every node
// on the page that has a live process.
func (c *Controller) List(ctx context.Context, opts store.ListOptions) ([]*View, int, error) {
	if opts.Sort != "" && !store.ValidSort(opts.Sort) {
		return nil, 0, fmt.Errorf("%w: cannot sort by %q", ErrInvalid, opts.Sort)
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative paging", ErrInvalid)
	}
	nodes, total, err := c.store.ListNodes(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	pids := c.reg.PIDs()
	page := make(map[string]int)
	for _, n := range nodes {
		if pid, ok := pids[n.ID]; ok {
			page[n.ID] = pid
		}
	}
	stats, err := c.mon.Collect(ctx, page)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*View, 0, len(nodes))
	for _, n := range nodes {
		_, running := page[n.ID]
		out = append(out, &View{Node: n, Running: running, Stats: stats[n.ID]})
	}
	return out, total, nil
}

// Update changes the definition of a node. It takes effect on the next start.
func (c *Controller) Update(ctx context.Context, id string, in UpdateInput) (*store.Node, error) {
	var p store.Patch
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrInvalid)
		}
		p.Name = &name
	}
	if in.Type != nil {
		if err := validType(*in.Type); err != nil {
			return nil, err
		}
		p.Type = in.Type
	}
	if in.Executable != nil {
		exe := strings.TrimSpace(*in.Executable)
		if exe == "" {
			return nil, fmt.Errorf("%w: executable must not be empty", ErrInvalid)
		}
		p.Executable = &exe
	}
	p.Command = in.Command
	p.Env = in.Env

	unlock := c.locks.Lock(id)
	defer unlock()
	n, err := c.store.UpdateNode(ctx, id, p)
	if err != nil {
		return nil, err
	}
	c.log.Info("node updated", "node", id)
	return n, nil
}

// IsInvalid reports whether err is a validation failure of caller input.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid) || errors.Is(err, ErrUnknownType)
}
