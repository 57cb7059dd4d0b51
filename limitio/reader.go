package limitio

import (
	"context"
	"io"
)

type Reader struct {
	source io.Reader
	throttle
}

// NewReader returns a reader that implements io.Reader with rate limiting.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		source: r,
	}
}

// NewReaderWithContext stops waiting for the limiter when ctx is done.
func NewReaderWithContext(ctx context.Context, r io.Reader) *Reader {
	return &Reader{
		source:   r,
		throttle: throttle{ctx: ctx},
	}
}

// SetRateLimit sets rate limit (bytes/sec) to the reader. Zero removes the limit.
func (s *Reader) SetRateLimit(bytesPerSec float64, burst int) {
	s.set(bytesPerSec, burst)
}

// Read bytes into p.
func (s *Reader) Read(p []byte) (int, error) {
	err := s.before()
	if err != nil {
		return 0, err
	}
	n, err := s.source.Read(p)
	if err != nil {
		return n, err
	}
	return n, s.after(n)
}
