// Package registry records the commands a driver exposes. Each driver keeps
// two registries, one for queued commands that run on the daemon and one for
// unqueued commands answered synchronously by the server. The recorded
// CommandSpec values are plain data and are what clients use for discovery.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"instrumentq/internal/domain"
)

var (
	ErrUnknownCommand     = errors.New("unknown command")
	ErrMissingArgument    = errors.New("missing required argument")
	ErrUnexpectedArgument = errors.New("unexpected argument")
)

// Func is the callable bound to a command name.
type Func func(ctx context.Context, args Args) (any, error)

type Option func(*domain.CommandSpec)

// Doc sets the command documentation.
func Doc(doc string) Option {
	return func(s *domain.CommandSpec) { s.Doc = strings.TrimSpace(doc) }
}

// Arg declares required positional arguments, in order.
func Arg(names ...string) Option {
	return func(s *domain.CommandSpec) { s.Args = append(s.Args, names...) }
}

// Kwarg declares an optional argument and its default.
func Kwarg(name string, def any) Option {
	return func(s *domain.CommandSpec) {
		s.Kwargs = append(s.Kwargs, domain.Param{Name: name, Default: def})
	}
}

// ExtraArgs lets the command accept names it did not declare.
func ExtraArgs() Option {
	return func(s *domain.CommandSpec) { s.ExtraArgs = true }
}

// Meta attaches opaque metadata (render hints, quickbar layout) that is passed
// through to clients unchanged.
func Meta(key string, value any) Option {
	return func(s *domain.CommandSpec) {
		if s.Meta == nil {
			s.Meta = map[string]any{}
		}
		s.Meta[key] = value
	}
}

type entry struct {
	spec domain.CommandSpec
	fn   Func
}

// Registry maps command names to their spec and implementation.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register records fn under name. Registering a name twice keeps the first
// registration, matching how a driver's own methods shadow embedded ones.
func (r *Registry) Register(name string, fn Func, opts ...Option) *Registry {
	spec := domain.CommandSpec{Name: name, Args: []string{}, Kwargs: []domain.Param{}}
	for _, opt := range opts {
		opt(&spec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return r
	}
	r.order = append(r.order, name)
	r.entries[name] = entry{spec: spec, fn: fn}
	return r
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names lists commands in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Spec returns a copy of the spec for name.
func (r *Registry) Spec(name string) (domain.CommandSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return domain.CommandSpec{}, false
	}
	return cloneSpec(e.spec), true
}

// Specs returns every command spec keyed by name.
func (r *Registry) Specs() map[string]domain.CommandSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.CommandSpec, len(r.entries))
	for name, e := range r.entries {
		out[name] = cloneSpec(e.spec)
	}
	return out
}

// Bind validates args against the command spec and fills keyword defaults.
func (r *Registry) Bind(name string, args map[string]any) (Args, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return bind(e.spec, args)
}

// Call binds args and invokes the command.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	bound, err := bind(e.spec, args)
	if err != nil {
		return nil, err
	}
	return e.fn(ctx, bound)
}

// Bind checks args against spec without a registry, for client-side use.
func Bind(spec domain.CommandSpec, args map[string]any) (Args, error) {
	return bind(spec, args)
}

func bind(spec domain.CommandSpec, args map[string]any) (Args, error) {
	out := make(Args, len(spec.Args)+len(spec.Kwargs))
	known := make(map[string]struct{}, len(spec.Args)+len(spec.Kwargs))

	for _, name := range spec.Args {
		known[name] = struct{}{}
		v, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s requires %q", ErrMissingArgument, spec.Name, name)
		}
		out[name] = v
	}
	for _, p := range spec.Kwargs {
		known[p.Name] = struct{}{}
		if v, ok := args[p.Name]; ok {
			out[p.Name] = v
		} else {
			out[p.Name] = p.Default
		}
	}

	var unexpected []string
	for name, v := range args {
		if _, ok := known[name]; ok {
			continue
		}
		if !spec.ExtraArgs {
			unexpected = append(unexpected, name)
			continue
		}
		out[name] = v
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, fmt.Errorf("%w: %s does not take %s", ErrUnexpectedArgument, spec.Name, strings.Join(unexpected, ", "))
	}
	return out, nil
}

func cloneSpec(s domain.CommandSpec) domain.CommandSpec {
	s.Args = slices.Clone(s.Args)
	s.Kwargs = slices.Clone(s.Kwargs)
	if s.Meta != nil {
		meta := make(map[string]any, len(s.Meta))
		for k, v := range s.Meta {
			meta[k] = v
		}
		s.Meta = meta
	}
	return s
}
