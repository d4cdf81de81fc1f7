// Package usecase holds the queue engine: the pending list, the running slot,
// history and run-state flags of one driver process, the operations the RPC
// surface exposes over them, and the daemon loop that drains the queue.
package usecase

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"instrumentq/internal/domain"
	"instrumentq/internal/driver"
	"instrumentq/internal/ports"
	"instrumentq/internal/registry"
	"instrumentq/internal/taskqueue"
)

var (
	ErrDuplicateUUID  = errors.New("uuid already used")
	ErrStopped        = errors.New("queue daemon is stopped")
	ErrAlreadyRunning = errors.New("queue daemon already running")
)

// ValidationError marks requests rejected before touching engine state.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a caller mistake rather than a server
// fault.
func IsValidation(err error) bool {
	var v *ValidationError
	if errors.As(err, &v) {
		return true
	}
	for _, target := range []error{
		ErrDuplicateUUID,
		taskqueue.ErrIndexOutOfRange,
		taskqueue.ErrNotPermutation,
		taskqueue.ErrUUIDNotFound,
		registry.ErrUnknownCommand,
		registry.ErrMissingArgument,
		registry.ErrUnexpectedArgument,
		driver.ErrMissingTaskName,
		driver.ErrUnknownDevice,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Err: err}
}

type Options struct {
	StartPaused bool
	StartDebug  bool
	// DebugDelay is how long a package sits in the running slot in debug mode.
	DebugDelay time.Duration
	// PausePoll is how often a paused daemon rechecks the flag.
	PausePoll time.Duration
	// PauseLogEvery throttles the "queue is paused" log line.
	PauseLogEvery time.Duration
}

func (o Options) withDefaults() Options {
	if o.DebugDelay < 0 {
		o.DebugDelay = 0
	}
	if o.PausePoll <= 0 {
		o.PausePoll = 100 * time.Millisecond
	}
	if o.PauseLogEvery <= 0 {
		o.PauseLogEvery = time.Minute
	}
	return o
}

// Engine owns all queue state for one driver. Lock order is queue lock, then
// e.mu; methods never call into the queue while holding e.mu.
type Engine struct {
	driver  driver.Driver
	queue   *taskqueue.TaskQueue
	archive ports.HistoryArchive
	opts    Options

	paused   atomic.Bool
	debug    atomic.Bool
	busy     atomic.Bool
	halting  atomic.Bool
	stopped  atomic.Bool
	started  atomic.Bool
	failures atomic.Uint64
	pauses   atomic.Uint64

	mu      sync.Mutex
	running *domain.Package
	history []domain.Package
	seen    map[string]struct{}
	changes uint64

	now     func() time.Time
	newUUID func() string
}

// NewEngine builds an engine around d. archive may be nil.
func NewEngine(d driver.Driver, archive ports.HistoryArchive, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		driver:  d,
		queue:   taskqueue.New(),
		archive: archive,
		opts:    opts,
		seen:    map[string]struct{}{},
		now:     time.Now,
		newUUID: func() string { return "QD-" + uuid.NewString() },
	}
	e.paused.Store(opts.StartPaused)
	e.debug.Store(opts.StartDebug)
	return e
}

func (e *Engine) Driver() driver.Driver         { return e.driver }
func (e *Engine) Archive() ports.HistoryArchive { return e.archive }
func (e *Engine) Paused() bool                  { return e.paused.Load() }
func (e *Engine) Debugging() bool               { return e.debug.Load() }
func (e *Engine) Busy() bool                    { return e.busy.Load() }
func (e *Engine) Stopped() bool                 { return e.stopped.Load() }
func (e *Engine) Pending() int                  { return len(e.queue.UUIDs()) }

func (e *Engine) accepting() bool { return !e.halting.Load() && !e.stopped.Load() }

func (e *Engine) touch() {
	e.mu.Lock()
	e.changes++
	e.mu.Unlock()
}

// State is derived from the flags in priority order Paused, Debug, Active,
// Ready.
func (e *Engine) State() domain.QueueState {
	switch {
	case e.paused.Load():
		return domain.StatePaused
	case e.debug.Load():
		return domain.StateDebug
	case e.busy.Load():
		return domain.StateActive
	default:
		return domain.StateReady
	}
}

func (e *Engine) Pause(state bool) {
	log.Info().Msgf("setting queue paused state to %t", state)
	e.pauses.Add(1)
	e.paused.Store(state)
	e.touch()
}

func (e *Engine) Debug(state bool) {
	log.Info().Msgf("setting queue debug state to %t", state)
	e.debug.Store(state)
	e.touch()
}

// Snapshot returns copies of history, the running slot and the pending list,
// taken atomically with respect to the daemon claiming and finishing packages.
func (e *Engine) Snapshot() domain.Snapshot {
	var snap domain.Snapshot
	e.queue.Inspect(func(pending []domain.Package) {
		e.mu.Lock()
		defer e.mu.Unlock()
		snap.History = make([]domain.Package, len(e.history))
		for i, p := range e.history {
			snap.History[i] = clonePackage(p)
		}
		snap.Running = []domain.Package{}
		if e.running != nil {
			snap.Running = append(snap.Running, clonePackage(*e.running))
		}
		snap.Pending = pending
	})
	return snap
}

// Iteration changes whenever anything a poller can see changes.
func (e *Engine) Iteration() uint64 {
	q := e.queue.Iteration()
	e.mu.Lock()
	defer e.mu.Unlock()
	return q + e.changes
}

// Reorder replaces the pending order with uuids. Unless prior is Paused the
// daemon is paused for the duration and the previous flag restored after,
// except when a task failed meanwhile and paused the queue itself.
func (e *Engine) Reorder(prior domain.QueueState, uuids []string) error {
	if prior != domain.StatePaused {
		defer e.holdPaused()()
	}
	if err := e.queue.Reorder(uuids); err != nil {
		return invalid(err)
	}
	log.Info().Strs("order", uuids).Msg("queue reordered")
	return nil
}

// holdPaused pauses the daemon and returns a func restoring the previous flag.
// The restore is skipped when a task failure or an operator Pause changed the
// flag in between.
func (e *Engine) holdPaused() func() {
	failures := e.failures.Load()
	pauses := e.pauses.Load()
	was := e.paused.Swap(true)
	return func() {
		if e.failures.Load() == failures && e.pauses.Load() == pauses {
			e.paused.CompareAndSwap(true, was)
		}
	}
}

// RemoveItems drops pending packages by uuid. Either all are removed or none.
func (e *Engine) RemoveItems(uuids ...string) error {
	if len(uuids) == 0 {
		return nil
	}
	if err := e.queue.RemoveUUIDs(uuids...); err != nil {
		if e.isRunning(uuids...) {
			return invalid(fmt.Errorf("%w: cannot remove the running package", err))
		}
		return invalid(err)
	}
	log.Info().Strs("uuids", uuids).Msg("removed pending packages")
	return nil
}

// MoveItem moves a pending package so it ends at position.
func (e *Engine) MoveItem(id string, position int) error {
	if err := e.queue.MoveUUID(id, position); err != nil {
		return invalid(err)
	}
	return nil
}

func (e *Engine) ClearQueue() {
	n := e.Pending()
	e.queue.Clear()
	log.Info().Int("dropped", n).Msg("queue cleared")
}

func (e *Engine) ClearHistory() {
	e.mu.Lock()
	n := len(e.history)
	e.history = nil
	e.changes++
	e.mu.Unlock()
	log.Info().Int("dropped", n).Msg("history cleared")
}

// Halt stops the daemon once the running package, if any, finishes. Pending
// packages are left in place and no new packages are accepted. A package held
// back by a pause stays pending.
func (e *Engine) Halt() {
	if !e.halting.CompareAndSwap(false, true) {
		return
	}
	log.Info().Msg("halting queue daemon")
	e.queue.Close()
	e.touch()
}

func (e *Engine) isRunning(ids ...string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running != nil && slices.Contains(ids, e.running.UUID)
}

func clonePackage(p domain.Package) domain.Package {
	p.Task = p.Task.Clone()
	return p
}
