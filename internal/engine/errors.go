package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Engine error classes.
var (
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrContainerNotFound = errors.New("container not found")
	ErrResourceLimit     = errors.New("container resource limits rejected")
	ErrBuildFailed       = errors.New("build failed")
	ErrStartFailed       = errors.New("container failed to start")
	ErrTimeout           = errors.New("container engine timed out")

	// ErrOperationFailed covers engine failures that fit no other class.
	ErrOperationFailed = errors.New("container operation failed")
)

// BuildError reports a build step that exited non-zero.
type BuildError struct {
	ExitCode int
	Log      string // last bytes of combined build output
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed with exit code %d", e.ExitCode)
}

func (e *BuildError) Unwrap() error { return ErrBuildFailed }

// classify maps a Docker error onto an engine sentinel. fallback is used
// when the error matches no specific class.
func classify(op string, err error, fallback error) error {
	if err == nil {
		return nil
	}

	var class error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errdefs.IsDeadline(err):
		class = ErrTimeout
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		class = ErrEngineUnavailable
	case errdefs.IsNotFound(err):
		class = ErrContainerNotFound
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		class = fallback
	}
	return fmt.Errorf("%s: %w: %w", op, class, err)
}

// isNotModified reports the daemon's 304 answer to starting a running or
// stopping a stopped container.
func isNotModified(err error) bool {
	return errdefs.IsNotModified(err)
}
