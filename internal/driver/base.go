package driver

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"instrumentq/internal/domain"
	"instrumentq/internal/persistconf"
	"instrumentq/internal/registry"
)

var (
	_ Driver       = (*Base)(nil)
	_ Validator    = (*Base)(nil)
	_ Commander    = (*Base)(nil)
	_ Dropboxer    = (*Base)(nil)
	_ DeviceLister = (*Base)(nil)
)

type Base struct {
	name     string
	queued   *registry.Registry
	unqueued *registry.Registry
	config   *persistconf.Config
	dropbox  *Dropbox

	mu      sync.RWMutex
	devices map[string]*registry.Registry
}

// NewBase builds the dispatch core. When cfg is non-nil the set_config,
// get_config and get_configs commands are registered against it.
func NewBase(name string, cfg *persistconf.Config) *Base {
	if name == "" {
		name = "Driver"
	}
	b := &Base{
		name:     name,
		queued:   registry.New(),
		unqueued: registry.New(),
		config:   cfg,
		dropbox:  NewDropbox(),
		devices:  map[string]*registry.Registry{},
	}
	if cfg != nil {
		b.registerConfigCommands()
	}
	return b
}

func (b *Base) registerConfigCommands() {
	b.queued.
		Register("set_config", func(_ context.Context, args registry.Args) (any, error) {
			if err := b.config.Update(args); err != nil {
				return nil, err
			}
			return b.config.All(), nil
		}, registry.Doc("Update driver configuration values."), registry.ExtraArgs()).
		Register("get_config", func(_ context.Context, args registry.Args) (any, error) {
			return b.config.Get(args.String("name"))
		}, registry.Doc("Return one driver configuration value."), registry.Arg("name")).
		Register("get_configs", func(context.Context, registry.Args) (any, error) {
			return b.config.All(), nil
		}, registry.Doc("Return the full driver configuration."))
}

func (b *Base) Name() string                 { return b.name }
func (b *Base) Queued() *registry.Registry   { return b.queued }
func (b *Base) Unqueued() *registry.Registry { return b.unqueued }
func (b *Base) Config() *persistconf.Config  { return b.config }
func (b *Base) Dropbox() *Dropbox            { return b.dropbox }
func (b *Base) Status() []string             { return []string{} }

// AddDevice attaches a sub-device whose commands are reached by tasks that
// carry a device field.
func (b *Base) AddDevice(name string, commands *registry.Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[name] = commands
}

func (b *Base) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (b *Base) resolve(task domain.Task) (*registry.Registry, string, error) {
	name := task.Name()
	if name == "" {
		return nil, "", ErrMissingTaskName
	}
	device, hasDevice := task[domain.KeyDevice]
	if !hasDevice {
		return b.queued, name, nil
	}
	deviceName, _ := device.(string)
	b.mu.RLock()
	reg, ok := b.devices[deviceName]
	b.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %q in driver %q", ErrUnknownDevice, deviceName, b.name)
	}
	return reg, name, nil
}

func (b *Base) Validate(task domain.Task) error {
	reg, name, err := b.resolve(task)
	if err != nil {
		return err
	}
	_, err = reg.Bind(name, task.Args())
	return err
}

// Execute dispatches on task_name, forwarding to a sub-device when the task
// names one.
func (b *Base) Execute(ctx context.Context, task domain.Task) (any, error) {
	reg, name, err := b.resolve(task)
	if err != nil {
		return nil, err
	}
	if device := task.Device(); device != "" {
		log.Ctx(ctx).Info().Str("device", device).Msgf("sending task %q to device %q", name, device)
	}
	return reg.Call(ctx, name, task.Args())
}
