package handlers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"bothost/internal/engine"
)

type fakeContainer struct {
	running bool
	exit    *int
}

// fakeEngine is an in-memory container engine. It serves both the
// lifecycle and the log gateway.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[engine.Ref]*fakeContainer
	logs       map[engine.Ref]string
	next       int

	createErr error
	pingErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: map[engine.Ref]*fakeContainer{},
		logs:       map[engine.Ref]string{},
	}
}

func (f *fakeEngine) Create(_ context.Context, spec engine.Spec) (engine.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	ref := engine.Ref(fmt.Sprintf("ctr-%d", f.next))
	f.containers[ref] = &fakeContainer{}
	f.logs[ref] = fmt.Sprintf("bot %d booting\nconnected\n", spec.BotID)
	return ref, nil
}

func (f *fakeEngine) Start(_ context.Context, ref engine.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok {
		return fmt.Errorf("start: %w", engine.ErrContainerNotFound)
	}
	c.running = true
	c.exit = nil
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, ref engine.Ref, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok {
		return fmt.Errorf("stop: %w", engine.ErrContainerNotFound)
	}
	if c.running {
		code := 0
		c.running = false
		c.exit = &code
	}
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, ref engine.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, ref)
	delete(f.logs, ref)
	return nil
}

func (f *fakeEngine) RemoveBotImage(context.Context, uint) error { return nil }

func (f *fakeEngine) Inspect(_ context.Context, ref engine.Ref) (engine.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok {
		return engine.State{}, fmt.Errorf("inspect: %w", engine.ErrContainerNotFound)
	}
	status := "created"
	if c.running {
		status = "running"
	} else if c.exit != nil {
		status = "exited"
	}
	return engine.State{Running: c.running, Status: status, ExitCode: c.exit}, nil
}

func (f *fakeEngine) StreamLogs(_ context.Context, ref engine.Ref, _ int) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.logs[ref]
	if !ok {
		return nil, fmt.Errorf("logs: %w", engine.ErrContainerNotFound)
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func (f *fakeEngine) TailLogs(_ context.Context, ref engine.Ref, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.logs[ref]
	if !ok {
		return "", fmt.Errorf("logs: %w", engine.ErrContainerNotFound)
	}
	return text, nil
}

func (f *fakeEngine) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeEngine) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeEngine) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}
