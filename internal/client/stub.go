package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"instrumentq/internal/domain"
	"instrumentq/internal/registry"
)

// Stub is a discovered command. It carries the server's CommandSpec so callers
// can inspect names, defaults and docs without the driver source.
type Stub struct {
	Spec   domain.CommandSpec
	Queued bool
	client *Client
}

func (s Stub) Name() string { return s.Spec.Name }
func (s Stub) Doc() string  { return s.Spec.Doc }

// Signature renders the command as name(a, b, c=1).
func (s Stub) Signature() string {
	parts := make([]string, 0, len(s.Spec.Args)+len(s.Spec.Kwargs)+1)
	parts = append(parts, s.Spec.Args...)
	for _, p := range s.Spec.Kwargs {
		def, err := json.Marshal(p.Default)
		if err != nil {
			def = []byte("?")
		}
		parts = append(parts, fmt.Sprintf("%s=%s", p.Name, def))
	}
	if s.Spec.ExtraArgs {
		parts = append(parts, "**kwargs")
	}
	return fmt.Sprintf("%s(%s)", s.Spec.Name, strings.Join(parts, ", "))
}

// Call checks args against the spec, then enqueues (queued commands) or runs
// the command synchronously (unqueued commands). Queued calls return the
// EnqueueResult; unqueued calls return the decoded result.
func (s Stub) Call(ctx context.Context, args map[string]any, opts EnqueueOptions) (any, error) {
	if _, err := registry.Bind(s.Spec, args); err != nil {
		return nil, err
	}
	if !s.Queued {
		return s.client.CallUnqueued(ctx, s.Spec.Name, args)
	}
	task := make(domain.Task, len(args)+1)
	for k, v := range args {
		task[k] = v
	}
	task[domain.KeyTaskName] = s.Spec.Name
	return s.client.Enqueue(ctx, task, opts)
}

func (c *Client) QueuedCommands(ctx context.Context) (map[string]domain.CommandSpec, error) {
	var specs map[string]domain.CommandSpec
	err := c.do(ctx, http.MethodGet, "/get_queued_commands", nil, &specs)
	return specs, err
}

func (c *Client) UnqueuedCommands(ctx context.Context) (map[string]domain.CommandSpec, error) {
	var specs map[string]domain.CommandSpec
	err := c.do(ctx, http.MethodGet, "/get_unqueued_commands", nil, &specs)
	return specs, err
}

// Discover fetches both command tables and builds a stub per command.
func (c *Client) Discover(ctx context.Context) error {
	queued, err := c.QueuedCommands(ctx)
	if err != nil {
		return fmt.Errorf("get queued commands: %w", err)
	}
	unqueued, err := c.UnqueuedCommands(ctx)
	if err != nil {
		return fmt.Errorf("get unqueued commands: %w", err)
	}

	q := make(map[string]Stub, len(queued))
	for name, spec := range queued {
		spec.Name = name
		q[name] = Stub{Spec: spec, Queued: true, client: c}
	}
	u := make(map[string]Stub, len(unqueued))
	for name, spec := range unqueued {
		spec.Name = name
		u[name] = Stub{Spec: spec, client: c}
	}

	c.mu.Lock()
	c.queued, c.unqueued = q, u
	c.mu.Unlock()
	return nil
}

// Stub returns the discovered command name, preferring queued commands when a
// name exists in both tables.
func (c *Client) Stub(name string) (Stub, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.queued[name]; ok {
		return s, true
	}
	s, ok := c.unqueued[name]
	return s, ok
}

// Stubs lists discovered commands sorted by name, queued first.
func (c *Client) Stubs() []Stub {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stub, 0, len(c.queued)+len(c.unqueued))
	for _, s := range c.queued {
		out = append(out, s)
	}
	for _, s := range c.unqueued {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queued != out[j].Queued {
			return out[i].Queued
		}
		return out[i].Spec.Name < out[j].Spec.Name
	})
	return out
}

// Invoke calls a discovered command by name.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any, opts EnqueueOptions) (any, error) {
	s, ok := c.Stub(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s (run Discover first?)", registry.ErrUnknownCommand, name)
	}
	return s.Call(ctx, args, opts)
}
