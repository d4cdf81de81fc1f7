package client

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"instrumentq/internal/domain"
	"instrumentq/pkg/backoff"
)

const maxRetryDelay = 5 * time.Second

type WaitOptions struct {
	// TargetUUID selects one package. Empty waits for the queue to drain.
	TargetUUID string
	// Interval between polls; 100ms when zero.
	Interval time.Duration
	// ForHistory waits for the target to appear in history. Otherwise the
	// wait ends once the target is neither running nor pending.
	ForHistory bool
	// FirstCheckDelay is slept before the first poll.
	FirstCheckDelay time.Duration
}

// Wait polls the queue until the condition in opts holds. Timeouts and
// refused or reset connections are retried until ctx is done, so a wait
// survives a server restart. It returns the target package when it is in
// history, else the latest history entry, else nil.
func (c *Client) Wait(ctx context.Context, opts WaitOptions) (*domain.Package, error) {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if err := sleep(ctx, opts.FirstCheckDelay); err != nil {
		return nil, err
	}

	failures := 0
	for {
		snap, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil || !isTransient(err) {
				return nil, err
			}
			failures++
			log.Ctx(ctx).Debug().Err(err).Int("attempt", failures).Msg("queue poll failed, retrying")
			if err := sleep(ctx, backoff.ExponentialJitter(opts.Interval, maxRetryDelay, failures)); err != nil {
				return nil, err
			}
			continue
		}
		failures = 0

		if done(snap, opts) {
			if opts.TargetUUID != "" {
				if p, ok := snap.FindHistory(opts.TargetUUID); ok {
					return &p, nil
				}
			}
			if n := len(snap.History); n > 0 {
				p := snap.History[n-1]
				return &p, nil
			}
			return nil, nil
		}
		if err := sleep(ctx, opts.Interval); err != nil {
			return nil, err
		}
	}
}

func (c *Client) poll(ctx context.Context) (domain.Snapshot, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	return c.Snapshot(pollCtx)
}

func done(snap domain.Snapshot, opts WaitOptions) bool {
	if opts.TargetUUID == "" {
		return snap.Idle()
	}
	if opts.ForHistory {
		_, ok := snap.FindHistory(opts.TargetUUID)
		return ok
	}
	return !snap.InFlight(opts.TargetUUID)
}

// isTransient reports network failures worth retrying while waiting.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
