package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Create prepares a container for spec without starting it. When the
// runtime has a build step and its manifest is present in the source
// directory, the build runs first and the bot container is created from the
// resulting image. A failed build returns a *BuildError and leaves no
// container behind.
func (e *Engine) Create(ctx context.Context, spec Spec) (ref Ref, err error) {
	start := time.Now()
	defer func() { e.observe("create", start, err) }()

	if spec.SourceDir == "" || !filepath.IsAbs(spec.SourceDir) {
		return "", fmt.Errorf("create: %w: source directory must be an absolute path", ErrStartFailed)
	}
	cmd := strings.Fields(spec.StartCmd)
	if len(cmd) == 0 {
		cmd = strings.Fields(spec.Runtime.DefaultStartCmd)
	}
	if len(cmd) == 0 {
		return "", fmt.Errorf("create: %w: no start command", ErrStartFailed)
	}

	if err := e.ensureImage(ctx, spec.Runtime.Image); err != nil {
		return "", err
	}

	img := spec.Runtime.Image
	if e.needsBuild(spec) {
		img, err = e.build(ctx, spec)
		if err != nil {
			return "", err
		}
	}

	created, err := e.api.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        cmd,
		WorkingDir: spec.Runtime.WorkDir,
		Env:        spec.Runtime.Env,
		Labels:     labels(spec.BotID, "bot"),
		Tty:        false,
	}, SecurityProfile(spec.Limits, spec.SourceDir, spec.Runtime.WorkDir), &network.NetworkingConfig{}, nil, containerName(spec.BotID, "bot"))
	if err != nil {
		return "", classify("create container", err, createFallback(err))
	}
	for _, w := range created.Warnings {
		e.logger.Warn("docker create warning", zap.Uint("bot_id", spec.BotID), zap.String("warning", w))
	}

	e.logger.Info("container created",
		zap.Uint("bot_id", spec.BotID),
		zap.String("container", shortID(created.ID)),
		zap.String("image", img))
	return Ref(created.ID), nil
}

// Start starts a created or stopped container. Starting a running container
// is not an error.
func (e *Engine) Start(ctx context.Context, ref Ref) (err error) {
	start := time.Now()
	defer func() { e.observe("start", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Start)
	defer cancel()

	err = e.api.ContainerStart(ctx, string(ref), container.StartOptions{})
	if err == nil || isNotModified(err) {
		return nil
	}
	return classify("start", err, ErrStartFailed)
}

// Stop sends SIGTERM and, after grace, SIGKILL. The container is kept.
// Stopping a stopped container is not an error.
func (e *Engine) Stop(ctx context.Context, ref Ref, grace time.Duration) (err error) {
	start := time.Now()
	defer func() { e.observe("stop", start, err) }()

	secs := int(grace / time.Second)
	ctx, cancel := context.WithTimeout(ctx, grace+e.timeouts.StopSlack)
	defer cancel()

	err = e.api.ContainerStop(ctx, string(ref), container.StopOptions{Timeout: &secs})
	if err == nil || isNotModified(err) {
		return nil
	}
	return classify("stop", err, ErrOperationFailed)
}

// Remove force-removes the container. A container that is already gone
// counts as removed.
func (e *Engine) Remove(ctx context.Context, ref Ref) (err error) {
	start := time.Now()
	defer func() { e.observe("remove", start, err) }()

	err = e.api.ContainerRemove(ctx, string(ref), container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return classify("remove", err, ErrOperationFailed)
}

// RemoveBotImage deletes the image a build committed for botID, if any.
func (e *Engine) RemoveBotImage(ctx context.Context, botID uint) error {
	_, err := e.api.ImageRemove(ctx, botImage(botID), image.RemoveOptions{Force: true, PruneChildren: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return classify("remove image", err, ErrOperationFailed)
}

// Inspect reports the container's current state.
func (e *Engine) Inspect(ctx context.Context, ref Ref) (State, error) {
	info, err := e.api.ContainerInspect(ctx, string(ref))
	if err != nil {
		return State{}, classify("inspect", err, ErrOperationFailed)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return State{}, fmt.Errorf("inspect: %w: daemon returned no state", ErrOperationFailed)
	}

	st := info.State
	state := State{
		Running:   st.Running,
		Status:    st.Status,
		OOMKilled: st.OOMKilled,
	}
	if t, err := time.Parse(time.RFC3339Nano, st.FinishedAt); err == nil && t.Year() > 1 {
		state.FinishedAt = t
	}
	if !st.Running && (st.Status == "exited" || st.Status == "dead") {
		code := st.ExitCode
		state.ExitCode = &code
	}
	return state, nil
}

func (e *Engine) ensureImage(ctx context.Context, ref string) error {
	_, _, err := e.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return classify("inspect image", err, ErrOperationFailed)
	}

	e.logger.Info("pulling runtime image", zap.String("image", ref))
	rc, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull image "+ref, err, ErrOperationFailed)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classify("pull image "+ref, err, ErrOperationFailed)
	}
	return nil
}

func (e *Engine) needsBuild(spec Spec) bool {
	if !spec.Runtime.HasBuild() {
		return false
	}
	info, err := os.Stat(filepath.Join(spec.SourceDir, spec.Runtime.BuildManifest))
	return err == nil && info.Mode().IsRegular()
}

func createFallback(err error) error {
	if errdefs.IsInvalidParameter(err) {
		return ErrResourceLimit
	}
	return ErrStartFailed
}

func containerName(botID uint, role string) string {
	return "bothost-" + role + "-" + strconv.FormatUint(uint64(botID), 10) + "-" + uuid.NewString()[:8]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
