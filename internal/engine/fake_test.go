package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeContainer struct {
	config  *container.Config
	host    *container.HostConfig
	name    string
	running bool
	status  string
	exit    int
}

// fakeDocker is an in-memory DockerAPI. history keeps every created
// container, including removed ones. Error fields, when set, are
// returned by the matching call.
type fakeDocker struct {
	mu sync.Mutex

	images     map[string]bool
	containers map[string]*fakeContainer
	history    []*fakeContainer
	removed    []string
	pulled     []string
	commits    []string
	imagesRm   []string
	nextID     int

	buildExit int64
	logs      []byte

	createErr  error
	startErr   error
	stopErr    error
	removeErr  error
	inspectErr error
	pingErr    error

	// blockStart makes ContainerStart wait for ctx to end.
	blockStart bool
	stopOpts   []container.StopOptions
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     map[string]bool{},
		containers: map[string]*fakeContainer{},
	}
}

func (f *fakeDocker) setLogs(stdout, stderr string) {
	var buf bytes.Buffer
	if stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	f.logs = buf.Bytes()
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("c%063d", f.nextID)
	c := &fakeContainer{config: cfg, host: host, name: name, status: "created"}
	f.containers[id] = c
	f.history = append(f.history, c)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	if f.blockStart {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	if c.running {
		return errdefs.NotModified(fmt.Errorf("container already started"))
	}
	c.running = true
	c.status = "running"
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopOpts = append(f.stopOpts, opts)
	if f.stopErr != nil {
		return f.stopErr
	}
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	if !c.running {
		return errdefs.NotModified(fmt.Errorf("container already stopped"))
	}
	c.running = false
	c.status = "exited"
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.containers[id]; !ok {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	c, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	finished := "0001-01-01T00:00:00Z"
	if c.status == "exited" {
		finished = "2026-10-18T10:00:00.5Z"
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID: id,
			State: &types.ContainerState{
				Status:     c.status,
				Running:    c.running,
				ExitCode:   c.exit,
				FinishedAt: finished,
			},
		},
		Config: c.config,
	}, nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerWait(_ context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	respCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if c, ok := f.containers[id]; ok {
		c.running = false
		c.status = "exited"
		c.exit = int(f.buildExit)
	}
	respCh <- container.WaitResponse{StatusCode: f.buildExit}
	return respCh, errCh
}

func (f *fakeDocker) ContainerCommit(_ context.Context, _ string, opts container.CommitOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, opts.Reference)
	f.images[opts.Reference] = true
	return types.IDResponse{ID: "sha256:built"}, nil
}

func (f *fakeDocker) ImageInspectWithRaw(_ context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return types.ImageInspect{}, nil, errdefs.NotFound(fmt.Errorf("No such image: %s", ref))
	}
	return types.ImageInspect{ID: ref}, nil, nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDocker) ImageRemove(_ context.Context, ref string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return nil, errdefs.NotFound(fmt.Errorf("No such image: %s", ref))
	}
	delete(f.images, ref)
	f.imagesRm = append(f.imagesRm, ref)
	return []image.DeleteResponse{{Deleted: ref}}, nil
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.46"}, f.pingErr
}

func (f *fakeDocker) container(i int) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[i]
}
