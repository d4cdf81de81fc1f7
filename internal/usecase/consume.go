package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"instrumentq/internal/domain"
	"instrumentq/internal/driver"
)

// PanicError is a recovered driver panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("driver panic: %v", p.Value) }

// Run is the daemon loop. It drains the queue one package at a time until the
// shutdown sentinel is dequeued (returns nil) or ctx is done (returns
// ctx.Err()). Only one Run may be active per engine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	logger := log.With().Str("driver", e.driver.Name()).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Msg("queue daemon started")

	for {
		if err := e.waitWhilePaused(ctx); err != nil {
			return err
		}

		p, err := e.queue.Take(ctx, e.claim)
		if err != nil {
			return err
		}
		if p == nil {
			e.stopped.Store(true)
			e.touch()
			logger.Info().Msg("queue daemon stopped")
			return nil
		}

		if err := e.waitWhilePaused(ctx); err != nil {
			e.release(p)
			return err
		}
		if e.paused.Load() {
			// Halted while held at the gate. The sentinel is next.
			e.release(p)
			continue
		}
		e.process(ctx, p)
	}
}

// claim runs under the queue lock as the package leaves the pending list.
func (e *Engine) claim(p *domain.Package) {
	if p == nil {
		return
	}
	started := e.now()
	e.mu.Lock()
	p.Meta.Started = &started
	e.running = p
	e.busy.Store(true)
	e.changes++
	e.mu.Unlock()
}

// release puts a claimed package back at the head of the queue, for a daemon
// that must not run it: cancelled, or halted while paused.
func (e *Engine) release(p *domain.Package) {
	e.mu.Lock()
	p.Meta.Started = nil
	e.running = nil
	e.busy.Store(false)
	e.changes++
	e.mu.Unlock()
	e.queue.Requeue(p)
}

func (e *Engine) waitWhilePaused(ctx context.Context) error {
	if !e.paused.Load() || e.halting.Load() {
		return ctx.Err()
	}
	ticker := time.NewTicker(e.opts.PausePoll)
	defer ticker.Stop()
	lastLog := time.Now()
	log.Ctx(ctx).Info().Msg("queue is paused")
	for e.paused.Load() && !e.halting.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Since(lastLog) >= e.opts.PauseLogEvery {
			log.Ctx(ctx).Info().Msg("queue is paused")
			lastLog = time.Now()
		}
	}
	return ctx.Err()
}

func (e *Engine) process(ctx context.Context, p *domain.Package) {
	logger := log.Ctx(ctx).With().Str("uuid", p.UUID).Str("task_name", p.Task.Name()).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Msg("running package")

	var (
		ret   any
		state domain.ExitState
	)
	if e.debug.Load() {
		select {
		case <-time.After(e.opts.DebugDelay):
		case <-ctx.Done():
		}
		ret, state = nil, domain.ExitDebug
	} else {
		var err error
		ret, err = e.execute(ctx, p.Task.Clone())
		if err != nil {
			ret, state = failureReport(err), domain.ExitError
			e.failures.Add(1)
			e.paused.Store(true)
			logger.Error().Err(err).Msgf("task failed, pausing queue\n%s", ret)
		} else {
			state = domain.ExitSuccess
		}
	}

	ended := e.now()
	e.mu.Lock()
	p.Meta.Ended = &ended
	p.Meta.RunTimeSeconds = ended.Sub(*p.Meta.Started).Seconds()
	p.Meta.ExitState = state
	p.Meta.ReturnVal = ret
	e.running = nil
	e.history = append(e.history, *p)
	e.busy.Store(false)
	e.changes++
	e.mu.Unlock()

	logger.Info().
		Str("exit_state", string(state)).
		Float64("run_time_seconds", p.Meta.RunTimeSeconds).
		Msg("package finished")

	if e.archive != nil {
		if err := e.archive.Record(context.WithoutCancel(ctx), clonePackage(*p)); err != nil {
			logger.Warn().Err(err).Msg("failed to archive package")
		}
	}
}

// execute runs the driver hooks in order, turning a panic into an error.
func (e *Engine) execute(ctx context.Context, task domain.Task) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if pre, ok := e.driver.(driver.PreExecutor); ok {
		if err := pre.PreExecute(ctx, task); err != nil {
			return nil, fmt.Errorf("pre-execute: %w", err)
		}
	}
	ret, err = e.driver.Execute(ctx, task)
	if err != nil {
		return nil, err
	}
	if post, ok := e.driver.(driver.PostExecutor); ok {
		if err := post.PostExecute(ctx, task); err != nil {
			return nil, fmt.Errorf("post-execute: %w", err)
		}
	}
	return ret, nil
}

// failureReport is the return_val of a failed package: the error, its trace
// and the pause notice.
func failureReport(err error) string {
	var b strings.Builder
	b.WriteString(err.Error())
	b.WriteString("\n\n")

	var p *PanicError
	if errors.As(err, &p) {
		b.Write(p.Stack)
	} else {
		b.WriteString("error chain:\n")
		for cur := err; cur != nil; cur = errors.Unwrap(cur) {
			fmt.Fprintf(&b, "  %T: %v\n", cur, cur)
		}
	}
	b.WriteString("\npausing queue...")
	return b.String()
}
