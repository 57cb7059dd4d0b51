// Package limitio throttles the bytes going through an io.Reader or an io.Writer.
package limitio

import (
	"context"

	"golang.org/x/time/rate"
)

// DefaultBurst is the number of bytes allowed through before the limit applies
const DefaultBurst = 32 * 1024

type throttle struct {
	ctx     context.Context
	limiter *rate.Limiter
}

func (t *throttle) set(bytesPerSec float64, burst int) {
	if bytesPerSec <= 0 {
		t.limiter = nil
		return
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	t.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (t *throttle) context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// before waits for a full burst to be available
func (t *throttle) before() error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.WaitN(t.context(), t.limiter.Burst())
}

// after waits for the tokens of the n bytes transferred past the first burst
func (t *throttle) after(n int) error {
	if t.limiter == nil {
		return nil
	}
	burst := t.limiter.Burst()
	for left := n - burst; left > 0; left -= burst {
		size := left
		if size > burst {
			size = burst
		}
		err := t.limiter.WaitN(t.context(), size)
		if err != nil {
			return err
		}
	}
	return nil
}
