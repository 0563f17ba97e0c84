package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"
)

// buildLogLimit bounds the build output kept for BuildError.
const buildLogLimit = 4 << 10

// build runs the runtime's build command in a one-shot container with the
// bot's security profile and commits the result as the bot's image. The
// build container is always removed.
func (e *Engine) build(ctx context.Context, spec Spec) (string, error) {
	start := time.Now()
	buildCtx, cancel := context.WithTimeout(ctx, e.timeouts.Build)
	defer cancel()

	created, err := e.api.ContainerCreate(buildCtx, &container.Config{
		Image:      spec.Runtime.Image,
		Cmd:        strings.Fields(spec.Runtime.BuildCmd),
		WorkingDir: spec.Runtime.WorkDir,
		Env:        spec.Runtime.Env,
		Labels:     labels(spec.BotID, "build"),
		Tty:        false,
	}, SecurityProfile(spec.Limits, spec.SourceDir, spec.Runtime.WorkDir), &network.NetworkingConfig{}, nil, containerName(spec.BotID, "build"))
	if err != nil {
		return "", classify("create build container", err, createFallback(err))
	}
	id := created.ID
	defer e.discard(id)

	log := e.logger.With(zap.Uint("bot_id", spec.BotID), zap.String("container", shortID(id)))
	log.Info("build started", zap.String("cmd", spec.Runtime.BuildCmd))

	if err := e.api.ContainerStart(buildCtx, id, container.StartOptions{}); err != nil {
		return "", classify("start build container", err, ErrBuildFailed)
	}

	waitCh, errCh := e.api.ContainerWait(buildCtx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case resp := <-waitCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return "", fmt.Errorf("wait build container: %w: %s", ErrBuildFailed, resp.Error.Message)
		}
		exitCode = resp.StatusCode
	case err := <-errCh:
		return "", classify("wait build container", err, ErrBuildFailed)
	case <-buildCtx.Done():
		return "", classify("build", buildCtx.Err(), ErrBuildFailed)
	}

	if exitCode != 0 {
		tailCtx, tailCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer tailCancel()
		output, err := e.readTail(tailCtx, id, -1, buildLogLimit)
		if err != nil {
			log.Warn("failed to read build output", zap.Error(err))
		}
		e.metrics.RecordBuildFailure(spec.Runtime.ID)
		log.Info("build failed", zap.Int64("exit_code", exitCode), zap.Duration("duration", time.Since(start)))
		return "", &BuildError{ExitCode: int(exitCode), Log: output}
	}

	ref := botImage(spec.BotID)
	if _, err := e.api.ContainerCommit(buildCtx, id, container.CommitOptions{
		Reference: ref,
		Comment:   "bothost build of bot " + fmt.Sprint(spec.BotID),
	}); err != nil {
		return "", classify("commit build", err, ErrBuildFailed)
	}

	log.Info("build finished", zap.String("image", ref), zap.Duration("duration", time.Since(start)))
	return ref, nil
}

// discard removes a container on a fresh context so cleanup still runs after
// the caller's deadline has passed.
func (e *Engine) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("failed to remove build container", zap.String("container", shortID(id)), zap.Error(err))
	}
}
