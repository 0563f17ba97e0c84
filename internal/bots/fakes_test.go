package bots

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bothost/internal/engine"
	"bothost/pkg/models"
)

type memStore struct {
	mu      sync.Mutex
	bots    map[uint]models.Bot
	plans   map[uint]models.Plan
	userPl  map[uint]uint
	nextID  uint
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{
		bots: map[uint]models.Bot{},
		plans: map[uint]models.Plan{
			1: {ID: 1, Name: "Free", MaxBots: 1, CPULimit: 0.5, MemoryLimit: 256 << 20},
			2: {ID: 2, Name: "Pro", MaxBots: 10, CPULimit: 2, MemoryLimit: 1 << 30},
		},
		userPl: map[uint]uint{},
	}
}

func (m *memStore) GetBot(_ context.Context, id uint) (*models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *memStore) ListBots(_ context.Context, userID uint) ([]models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Bot
	for _, b := range m.bots {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListBotsWithContainer(context.Context) ([]models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Bot
	for _, b := range m.bots {
		if b.ContainerRef != "" {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CountBots(_ context.Context, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.bots {
		if b.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateBot(_ context.Context, bot *models.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bots {
		if b.UserID == bot.UserID && b.Name == bot.Name {
			return ErrNameTaken
		}
	}
	m.nextID++
	bot.ID = m.nextID
	bot.CreatedAt = time.Now()
	m.bots[bot.ID] = *bot
	return nil
}

func (m *memStore) SaveBot(_ context.Context, bot *models.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.bots[bot.ID] = *bot
	return nil
}

func (m *memStore) DeleteBot(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bots, id)
	return nil
}

func (m *memStore) GetPlan(_ context.Context, id uint) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (m *memStore) PlanForUser(ctx context.Context, userID uint) (*models.Plan, error) {
	m.mu.Lock()
	id, ok := m.userPl[userID]
	m.mu.Unlock()
	if !ok {
		id = 1
	}
	return m.GetPlan(ctx, id)
}

func (m *memStore) bot(id uint) models.Bot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bots[id]
}

type fakeCtr struct {
	running bool
	exit    *int
	oom     bool
}

type fakeEngine struct {
	mu         sync.Mutex
	containers map[engine.Ref]*fakeCtr
	specs      []engine.Spec
	next       int

	creates, starts, stops, removes, imageRemoves int

	createDelay time.Duration
	// stopGate, when set, holds Stop until it is closed.
	stopGate chan struct{}
	// startVanish makes that many Start calls find their container removed.
	startVanish int

	createErr   error
	startErr    error
	stopErr     error
	removeErr   error
	inspectErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[engine.Ref]*fakeCtr{}}
}

func (f *fakeEngine) Create(_ context.Context, spec engine.Spec) (engine.Ref, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates++
	f.next++
	ref := engine.Ref(fmt.Sprintf("ctr-%d", f.next))
	f.containers[ref] = &fakeCtr{}
	f.specs = append(f.specs, spec)
	return ref, nil
}

func (f *fakeEngine) Start(_ context.Context, ref engine.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.startVanish > 0 {
		f.startVanish--
		delete(f.containers, ref)
	}
	c, ok := f.containers[ref]
	if !ok {
		return fmt.Errorf("start: %w", engine.ErrContainerNotFound)
	}
	f.starts++
	c.running = true
	c.exit = nil
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, ref engine.Ref, _ time.Duration) error {
	if f.stopGate != nil {
		<-f.stopGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	c, ok := f.containers[ref]
	if !ok {
		return fmt.Errorf("stop: %w", engine.ErrContainerNotFound)
	}
	f.stops++
	if c.running {
		c.running = false
		code := 0
		c.exit = &code
	}
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, ref engine.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removes++
	delete(f.containers, ref)
	return nil
}

func (f *fakeEngine) RemoveBotImage(context.Context, uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageRemoves++
	return nil
}

func (f *fakeEngine) Inspect(_ context.Context, ref engine.Ref) (engine.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return engine.State{}, f.inspectErr
	}
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
	return engine.State{Running: c.running, Status: status, ExitCode: c.exit, OOMKilled: c.oom}, nil
}

// exit simulates the process inside ref ending on its own.
func (f *fakeEngine) exit(ref string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[engine.Ref(ref)]
	c.running = false
	c.exit = &code
}

func (f *fakeEngine) vanish(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, engine.Ref(ref))
}

func (f *fakeEngine) count() (creates, starts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.starts
}

type recordingStreams struct {
	mu     sync.Mutex
	closed []uint
}

func (r *recordingStreams) CloseBot(botID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, botID)
}

func (r *recordingStreams) calls() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.closed...)
}

type recordingBackups struct {
	purged []uint
}

func (r *recordingBackups) Purge(_ context.Context, botID uint) error {
	r.purged = append(r.purged, botID)
	return nil
}
