package engine

import (
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// MaxTailBytes bounds the output returned by TailLogs.
const MaxTailBytes = 1 << 20

// StreamLogs follows the container's combined stdout and stderr, starting
// with the last tail lines (all lines when tail < 0). The stream ends when
// the container stops, ctx is cancelled, or the reader is closed. Output is
// never buffered beyond what the caller has not yet read.
func (e *Engine) StreamLogs(ctx context.Context, ref Ref, tail int) (io.ReadCloser, error) {
	rc, err := e.api.ContainerLogs(ctx, string(ref), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       tailArg(tail),
	})
	if err != nil {
		return nil, classify("logs", err, ErrOperationFailed)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return &logStream{PipeReader: pr, src: rc}, nil
}

// TailLogs returns up to the last n lines of output, capped at MaxTailBytes.
func (e *Engine) TailLogs(ctx context.Context, ref Ref, n int) (string, error) {
	return e.readTail(ctx, string(ref), n, MaxTailBytes)
}

func (e *Engine) readTail(ctx context.Context, id string, n int, maxBytes int) (string, error) {
	rc, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg(n),
	})
	if err != nil {
		return "", classify("logs", err, ErrOperationFailed)
	}
	defer rc.Close()

	buf := &tailBuffer{max: maxBytes}
	if _, err := stdcopy.StdCopy(buf, buf, rc); err != nil {
		return buf.String(), classify("logs", err, ErrOperationFailed)
	}
	return buf.String(), nil
}

func tailArg(n int) string {
	if n < 0 {
		return "all"
	}
	return strconv.Itoa(n)
}

// logStream closes the daemon response as well as the pipe so the copying
// goroutine exits even when nobody drains the pipe.
type logStream struct {
	*io.PipeReader
	src  io.Closer
	once sync.Once
}

func (s *logStream) Close() error {
	s.once.Do(func() {
		s.PipeReader.Close()
		s.src.Close()
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
