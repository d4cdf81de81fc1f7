package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"instrumentq/internal/domain"
	"instrumentq/internal/driver"
	"instrumentq/internal/taskqueue"
)

type EnqueueOptions struct {
	// UUID is used instead of a generated one when set. It must never have
	// been used before in this process.
	UUID string
	// Position inserts the package at that index instead of the end.
	Position *int
}

// Enqueue wraps task in a package and puts it on the queue. The task is
// checked against the driver's command table first when the driver can
// validate, so unknown commands and bad arguments never reach the daemon.
func (e *Engine) Enqueue(ctx context.Context, task domain.Task, opts EnqueueOptions) (string, error) {
	if !e.accepting() {
		return "", ErrStopped
	}

	task = task.Clone()
	if task == nil {
		task = domain.Task{}
	}
	if opts.UUID == "" {
		if id, ok := task[domain.KeyUUID].(string); ok {
			opts.UUID = id
		}
	}
	delete(task, domain.KeyUUID)
	delete(task, domain.KeyQueueLoc)

	if v, ok := e.driver.(driver.Validator); ok {
		if err := v.Validate(task); err != nil {
			return "", invalid(err)
		}
	} else if task.Name() == "" {
		return "", invalid(driver.ErrMissingTaskName)
	}

	id, err := e.claimUUID(opts.UUID)
	if err != nil {
		return "", err
	}

	queued := e.now()
	p := &domain.Package{Task: task, UUID: id, Meta: domain.Meta{Queued: &queued}}
	if err := e.queue.TryPut(p, opts.Position); err != nil {
		if errors.Is(err, taskqueue.ErrClosed) {
			return "", ErrStopped
		}
		return "", err
	}

	log.Ctx(ctx).Info().
		Str("uuid", id).
		Str("task_name", task.Name()).
		Msg("package queued")
	return id, nil
}

// claimUUID reserves id, or a fresh generated one when id is empty, for the
// rest of the process lifetime.
func (e *Engine) claimUUID(id string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id != "" {
		if _, dup := e.seen[id]; dup {
			return "", invalid(fmt.Errorf("%w: %s", ErrDuplicateUUID, id))
		}
		e.seen[id] = struct{}{}
		return id, nil
	}
	for {
		id = e.newUUID()
		if _, dup := e.seen[id]; !dup {
			e.seen[id] = struct{}{}
			return id, nil
		}
	}
}
