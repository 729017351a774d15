package stream

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// slowReader returns one byte per Read after a fixed delay.
type slowReader struct {
	data  []byte
	delay time.Duration
	reads atomic.Int32
}

func (r *slowReader) Read(p []byte) (int, error) {
	r.reads.Add(1)
	time.Sleep(r.delay)
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestIdleReaderPassesThrough(t *testing.T) {
	t.Parallel()

	r := NewIdleReader(context.Background(), strings.NewReader("hello"), time.Second, nil)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.False(t, r.Fired())
}

func TestIdleReaderDeadlineIsPerRead(t *testing.T) {
	t.Parallel()

	// Total time exceeds the idle timeout, but no single read does.
	src := &slowReader{data: []byte("abcdef"), delay: 20 * time.Millisecond}
	r := NewIdleReader(context.Background(), src, 150*time.Millisecond, nil)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(data))
	require.False(t, r.Fired())
}

func TestIdleReaderFiresOnceAndCancels(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	var cancels atomic.Int32
	cancel := func() {
		cancels.Add(1)
		_ = pw.CloseWithError(context.Canceled)
	}

	go func() {
		_, _ = pw.Write([]byte("data: partial\n\n"))
	}()

	r := NewIdleReader(context.Background(), pr, 50*time.Millisecond, cancel)
	buf := make([]byte, 64)

	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "data: partial\n\n", string(buf[:n]))

	start := time.Now()
	_, err = r.Read(buf)
	require.ErrorIs(t, err, ErrIdleTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.True(t, r.Fired())

	_, err = r.Read(buf)
	require.ErrorIs(t, err, ErrIdleTimeout)
	require.Equal(t, int32(1), cancels.Load())
}

func TestIdleReaderHonorsContext(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var transportCancelled atomic.Bool
	r := NewIdleReader(ctx, pr, time.Minute, func() {
		transportCancelled.Store(true)
		_ = pr.Close()
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Read(make([]byte, 8))
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, transportCancelled.Load())
	require.False(t, r.Fired())
}

func TestIdleReaderDoesNotReadAfterCancellation(t *testing.T) {
	t.Parallel()

	src := &slowReader{data: []byte("abc")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewIdleReader(ctx, src, time.Second, nil)
	_, err := r.Read(make([]byte, 8))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(0), src.reads.Load())
}
