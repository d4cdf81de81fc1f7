// Package driver defines what the queue engine needs from an instrument
// driver and provides Base, which implements command dispatch on top of the
// registry package. Concrete drivers embed *Base, register their commands at
// construction time and override Status.
package driver

import (
	"context"
	"errors"

	"instrumentq/internal/domain"
	"instrumentq/internal/registry"
)

var (
	ErrMissingTaskName = errors.New("no task_name field in task")
	ErrUnknownDevice   = errors.New("device not found")
)

// Driver is the unit the daemon invokes once per dequeued package.
type Driver interface {
	Name() string
	Status() []string
	Execute(ctx context.Context, task domain.Task) (any, error)
}

type PreExecutor interface {
	PreExecute(ctx context.Context, task domain.Task) error
}

type PostExecutor interface {
	PostExecute(ctx context.Context, task domain.Task) error
}

// Validator rejects tasks the driver could never run, before they are queued.
type Validator interface {
	Validate(task domain.Task) error
}

// Commander exposes the command registries for discovery and unqueued calls.
type Commander interface {
	Queued() *registry.Registry
	Unqueued() *registry.Registry
}

// DeviceLister drivers route tasks to named sub-devices.
type DeviceLister interface {
	Devices() []string
}

// Dropboxer drivers hold objects deposited by clients.
type Dropboxer interface {
	Dropbox() *Dropbox
}
