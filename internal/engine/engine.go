// Package engine adapts the Docker Engine API to the operations the bot
// lifecycle needs. It is the only package that talks to Docker.
//
// Every container the engine creates, including one-shot build containers,
// gets the same SecurityProfile. Every error returned from this package is
// classified against the sentinels in errors.go; raw Docker errors are only
// reachable through errors.As/Unwrap.
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"bothost/internal/logging"
	"bothost/internal/metrics"
	"bothost/internal/runtimes"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// DockerAPI is the subset of *client.Client used by the engine.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (types.IDResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
}

var _ DockerAPI = (*client.Client)(nil)

// Ref is an opaque container handle. It is never exposed outside the
// process.
type Ref string

// Limits are the plan-derived resource limits for one container.
type Limits struct {
	CPU         float64 // fractional cores
	MemoryBytes int64
}

// Spec describes the container to create for a bot.
type Spec struct {
	BotID     uint
	Runtime   runtimes.Descriptor
	StartCmd  string // validated by the caller; empty means the runtime default
	SourceDir string // absolute host path, bind-mounted at Runtime.WorkDir
	Limits    Limits
}

// State is the engine-observed state of a container.
type State struct {
	Running    bool
	Status     string
	ExitCode   *int // nil while the container has never exited
	OOMKilled  bool
	FinishedAt time.Time
}

// Timeouts bound engine calls that can hang.
type Timeouts struct {
	Start     time.Duration
	StopSlack time.Duration // added to the stop grace period
	Build     time.Duration
}

// DefaultTimeouts are used for zero fields in Timeouts.
var DefaultTimeouts = Timeouts{
	Start:     30 * time.Second,
	StopSlack: 20 * time.Second,
	Build:     5 * time.Minute,
}

// Engine runs bot containers on a single Docker host.
type Engine struct {
	api      DockerAPI
	timeouts Timeouts
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeouts overrides DefaultTimeouts field by field.
func WithTimeouts(t Timeouts) Option {
	return func(e *Engine) {
		if t.Start > 0 {
			e.timeouts.Start = t.Start
		}
		if t.StopSlack > 0 {
			e.timeouts.StopSlack = t.StopSlack
		}
		if t.Build > 0 {
			e.timeouts.Build = t.Build
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// New wraps an existing Docker API client.
func New(api DockerAPI, opts ...Option) *Engine {
	e := &Engine{
		api:      api,
		timeouts: DefaultTimeouts,
		metrics:  metrics.Get(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.L()
	}
	return e
}

// NewFromEnv connects to the Docker daemon at host, or at DOCKER_HOST when
// host is empty.
func NewFromEnv(host string, opts ...Option) (*Engine, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}
	return New(cli, opts...), nil
}

// Close releases the underlying client if it holds resources.
func (e *Engine) Close() error {
	if c, ok := e.api.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Ping checks that the daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.api.Ping(ctx)
	return classify("ping", err, ErrEngineUnavailable)
}

func (e *Engine) observe(op string, start time.Time, err error) {
	e.metrics.RecordEngineOperation(op, time.Since(start), err)
}
