package stream

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrIdleTimeout is returned once a single read waits longer than the idle deadline.
var ErrIdleTimeout = errors.New("stream: idle timeout")

type readResult struct {
	n   int
	err error
}

// IdleReader races every Read of the underlying transport against a fixed
// deadline. The deadline is armed per Read call, not per byte. When it
// expires, or ctx is done, the transport is cancelled through the supplied
// cancel func and every later Read fails with the same error without
// touching the transport again.
//
// Reads are never overlapped: a new Read is only issued after the previous
// one settled. IdleReader is not safe for concurrent use.
type IdleReader struct {
	ctx     context.Context
	src     io.Reader
	timeout time.Duration
	cancel  func()

	buf   []byte
	err   error
	fired bool
}

// NewIdleReader wraps src. A timeout <= 0 disables the deadline but keeps
// the cancellation race. cancel may be nil.
func NewIdleReader(ctx context.Context, src io.Reader, timeout time.Duration, cancel func()) *IdleReader {
	if cancel == nil {
		cancel = func() {}
	}
	return &IdleReader{
		ctx:     ctx,
		src:     src,
		timeout: timeout,
		cancel:  cancel,
	}
}

// Read implements io.Reader.
func (r *IdleReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := r.ctx.Err(); err != nil {
		r.abort(err)
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.buf) < len(p) {
		r.buf = make([]byte, len(p))
	}

	// The transport reads into r.buf so an abandoned read never writes into p.
	done := make(chan readResult, 1)
	buf := r.buf[:len(p)]
	go func() {
		n, err := r.src.Read(buf)
		done <- readResult{n: n, err: err}
	}()

	var deadline <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case res := <-done:
		copy(p, buf[:res.n])
		return res.n, res.err
	case <-deadline:
		r.fired = true
		r.abort(ErrIdleTimeout)
		return 0, ErrIdleTimeout
	case <-r.ctx.Done():
		err := r.ctx.Err()
		r.abort(err)
		return 0, err
	}
}

// Fired returns true if the idle deadline expired.
func (r *IdleReader) Fired() bool {
	return r.fired
}

func (r *IdleReader) abort(err error) {
	r.err = err
	r.cancel()
}
