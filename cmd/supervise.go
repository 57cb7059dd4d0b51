package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/creativeprojects/mailsync/lib"
)

const (
	minRestartDelay = time.Second
	maxRestartDelay = 5 * time.Minute
)

// superviseDaemon runs worker again each time it fails with a transient error
// (I/O, protocol or bad format), waiting longer after every consecutive failure.
// It returns when the worker ends without error, when ctx is done, or on the first
// error needing an operator (configuration, user, usage).
func superviseDaemon(ctx context.Context, logger lib.Logger, worker func(ctx context.Context) error) error {
	delay := minRestartDelay
	for {
		started := time.Now()
		err := worker(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if time.Since(started) > maxRestartDelay {
			// it ran fine for a while
			delay = minRestartDelay
		}
		logger.Printf("sync worker stopped: %s (restarting in %s)", err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if delay > maxRestartDelay {
			delay = maxRestartDelay
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, lib.ErrIO) ||
		errors.Is(err, lib.ErrProtocol) ||
		errors.Is(err, lib.ErrBadFormat) ||
		errors.Is(err, lib.ErrMailboxLocked)
}
