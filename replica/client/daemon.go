package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creativeprojects/mailsync/lib"
)

const defaultPollDelay = 100 * time.Millisecond

// DaemonOptions drive the rolling replication
type DaemonOptions struct {
	// LogFile is the work log written by the Log notifier
	LogFile string
	// ShutdownFile stops the daemon when it appears. It is removed on the way out.
	ShutdownFile string
	// Timeout restarts the server session after this long. Zero keeps the session forever.
	Timeout time.Duration
	// MinDelta is the minimum time between two runs of the work log
	MinDelta time.Duration
}

// RunDaemon replicates the work log as it fills up, until ctx is done or the shutdown
// file appears. A work file which failed is kept for the next run.
func (c *Client) RunDaemon(ctx context.Context, options DaemonOptions) error {
	if options.LogFile == "" {
		return fmt.Errorf("%w: no work log file", lib.ErrConfig)
	}
	leftovers, err := filepath.Glob(options.LogFile + "-*")
	if err != nil {
		return fmt.Errorf("%w: %s", lib.ErrConfig, err)
	}
	for _, path := range leftovers {
		c.log.Printf("replaying work file %s", path)
		if err = c.runWorkFile(path); err != nil {
			return err
		}
	}

	workFile := fmt.Sprintf("%s-%d", options.LogFile, os.Getpid())
	started := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if options.ShutdownFile != "" {
			if _, err = os.Stat(options.ShutdownFile); err == nil {
				c.log.Printf("shutdown file found: stopping")
				lib.Check(c.log, os.Remove(options.ShutdownFile), "removing shutdown file")
				return nil
			}
		}
		if options.Timeout > 0 && time.Since(started) > options.Timeout {
			c.log.Printf("restarting the session")
			if err = c.Restart(); err != nil {
				return err
			}
			started = time.Now()
		}

		err = os.Rename(options.LogFile, workFile)
		if errors.Is(err, os.ErrNotExist) {
			delay := options.MinDelta
			if delay <= 0 {
				delay = defaultPollDelay
			}
			sleep(ctx, delay)
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %s", lib.ErrIO, err)
		}
		begin := time.Now()
		if err = c.runWorkFile(workFile); err != nil {
			return err
		}
		if remaining := options.MinDelta - time.Since(begin); remaining > 0 {
			sleep(ctx, remaining)
		}
	}
}

// runWorkFile syncs the content of a work file, then removes it
func (c *Client) runWorkFile(path string) error {
	work, err := ReadWorkFile(path, c.log)
	if err != nil {
		return err
	}
	if err = c.Sync(work); err != nil {
		return fmt.Errorf("processing %s: %w", path, err)
	}
	if err = os.Remove(path); err != nil {
		return fmt.Errorf("%w: %s", lib.ErrIO, err)
	}
	return nil
}

func sleep(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
