package limitio

import (
	"context"
	"io"
)

type Writer struct {
	w io.Writer
	throttle
}

// NewWriter returns a writer that implements io.Writer with rate limiting.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: w,
	}
}

// NewWriterWithContext stops waiting for the limiter when ctx is done.
func NewWriterWithContext(ctx context.Context, w io.Writer) *Writer {
	return &Writer{
		w:        w,
		throttle: throttle{ctx: ctx},
	}
}

// SetRateLimit sets rate limit (bytes/sec) to the writer. Zero removes the limit.
func (s *Writer) SetRateLimit(bytesPerSec float64, burst int) {
	s.set(bytesPerSec, burst)
}

// Write writes bytes from p.
func (s *Writer) Write(p []byte) (int, error) {
	err := s.before()
	if err != nil {
		return 0, err
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.after(n)
}
