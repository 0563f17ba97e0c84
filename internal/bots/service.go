// Package bots owns the lifecycle of hosted bots. It is the only code that
// changes a bot's recorded status, and every change happens while holding
// that bot's lock. The recorded status is treated as a cache of the
// container's real state and is reconciled against the engine before every
// state-changing operation.
package bots

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"bothost/internal/engine"
	"bothost/internal/logging"
	"bothost/internal/metrics"
	"bothost/internal/runtimes"
	"bothost/internal/storage"
	"bothost/internal/validation"
	"bothost/pkg/models"

	"go.uber.org/zap"
)

// Defaults for lifecycle operations.
const (
	DefaultStopGrace        = 10 * time.Second
	DefaultOperationTimeout = 6 * time.Minute
)

// Store persists bots and reads plans.
type Store interface {
	GetBot(ctx context.Context, id uint) (*models.Bot, error)
	ListBots(ctx context.Context, userID uint) ([]models.Bot, error)
	ListBotsWithContainer(ctx context.Context) ([]models.Bot, error)
	CountBots(ctx context.Context, userID uint) (int64, error)
	// CreateBot returns ErrNameTaken when the owner already has a bot with
	// the same name.
	CreateBot(ctx context.Context, bot *models.Bot) error
	SaveBot(ctx context.Context, bot *models.Bot) error
	DeleteBot(ctx context.Context, id uint) error
	GetPlan(ctx context.Context, id uint) (*models.Plan, error)
	PlanForUser(ctx context.Context, userID uint) (*models.Plan, error)
}

// Engine is the container engine as seen by the lifecycle.
type Engine interface {
	Create(ctx context.Context, spec engine.Spec) (engine.Ref, error)
	Start(ctx context.Context, ref engine.Ref) error
	Stop(ctx context.Context, ref engine.Ref, grace time.Duration) error
	Remove(ctx context.Context, ref engine.Ref) error
	RemoveBotImage(ctx context.Context, botID uint) error
	Inspect(ctx context.Context, ref engine.Ref) (engine.State, error)
}

// Storage holds uploaded bot code.
type Storage interface {
	StoreSingleFile(ctx context.Context, botID uint, desc runtimes.Descriptor, filename string, content []byte) (*storage.Result, error)
	StoreArchive(ctx context.Context, botID uint, desc runtimes.Descriptor, data []byte) (*storage.Result, error)
	Path(botID uint) string
	LocationFor(botID uint) (string, error)
	Exists(botID uint) bool
	Remove(botID uint) error
}

// StreamCloser ends every open log stream of a bot.
type StreamCloser interface {
	CloseBot(botID uint)
}

// SourceBackups removes mirrored uploads of a deleted bot.
type SourceBackups interface {
	Purge(ctx context.Context, botID uint) error
}

// Caller identifies who is asking. It comes from the authenticated request.
type Caller struct {
	UserID uint
	Role   string
}

// Privileged reports whether the caller may act on bots it does not own.
func (c Caller) Privileged() bool {
	return c.Role == models.RoleAdmin || c.Role == models.RoleOwner
}

// CreateRequest holds the user-supplied fields of a new bot.
type CreateRequest struct {
	Name     string `json:"name" binding:"required"`
	Runtime  string `json:"runtime" binding:"required"`
	StartCmd string `json:"start_cmd"`
}

// Service implements the bot lifecycle.
type Service struct {
	store    Store
	engine   Engine
	storage  Storage
	registry *runtimes.Registry
	streams  StreamCloser
	backups  SourceBackups

	locks  *keyedMutex // per bot
	owners *keyedMutex // per owner, guards the quota check

	stopGrace time.Duration
	opTimeout time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithStreams sets the log stream closer used on stop, restart and delete.
func WithStreams(sc StreamCloser) Option { return func(s *Service) { s.streams = sc } }

// WithBackups sets the backup store purged on delete.
func WithBackups(b SourceBackups) Option { return func(s *Service) { s.backups = b } }

// WithStopGrace sets the default SIGTERM grace period.
func WithStopGrace(d time.Duration) Option { return func(s *Service) { s.stopGrace = d } }

// WithOperationTimeout bounds a whole engine-backed operation, build included.
func WithOperationTimeout(d time.Duration) Option { return func(s *Service) { s.opTimeout = d } }

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a lifecycle service.
func NewService(store Store, eng Engine, st Storage, registry *runtimes.Registry, opts ...Option) *Service {
	s := &Service{
		store:     store,
		engine:    eng,
		storage:   st,
		registry:  registry,
		locks:     newKeyedMutex(),
		owners:    newKeyedMutex(),
		stopGrace: DefaultStopGrace,
		opTimeout: DefaultOperationTimeout,
		metrics:   metrics.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.L()
	}
	return s
}

// SetStreams sets the stream closer after construction. The log gateway
// depends on the service, so it can only be attached once both exist.
func (s *Service) SetStreams(sc StreamCloser) { s.streams = sc }

// Registry returns the runtime registry the service validates against.
func (s *Service) Registry() *runtimes.Registry { return s.registry }

// Create registers a new bot for the caller in status CREATED. No storage
// or container is allocated until code is uploaded and the bot is started.
func (s *Service) Create(ctx context.Context, caller Caller, req CreateRequest) (bot *models.Bot, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordBotOperation("create", time.Since(start), err) }()

	if err := validation.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if req.StartCmd != "" {
		if err := validation.ValidateStartCommand(req.StartCmd); err != nil {
			return nil, err
		}
	}
	if _, err := s.registry.Describe(req.Runtime); err != nil {
		return nil, err
	}

	plan, err := s.store.PlanForUser(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	unlock := s.owners.Lock(caller.UserID)
	defer unlock()

	count, err := s.store.CountBots(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("count bots: %w", err)
	}
	if count >= int64(plan.MaxBots) {
		return nil, fmt.Errorf("%w: %s plan allows %d", ErrQuotaExceeded, plan.Name, plan.MaxBots)
	}

	bot = &models.Bot{
		UserID:   caller.UserID,
		PlanID:   plan.ID,
		Name:     req.Name,
		Runtime:  req.Runtime,
		StartCmd: req.StartCmd,
		Status:   models.BotStatusCreated,
	}
	if err := s.store.CreateBot(ctx, bot); err != nil {
		return nil, err
	}

	s.logger.Info("bot created",
		zap.Uint("bot_id", bot.ID),
		zap.Uint("user_id", caller.UserID),
		zap.String("runtime", bot.Runtime))
	return bot, nil
}

// Upload stores new code for a bot, replacing any previous upload. Files
// ending in .zip are extracted, anything else is stored as a single file.
// A running bot must be stopped first. An existing container is discarded
// so the next start rebuilds against the new code.
func (s *Service) Upload(ctx context.Context, caller Caller, botID uint, filename string, content []byte) (bot *models.Bot, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordBotOperation("upload", time.Since(start), err) }()

	ctx, cancel := s.detach(ctx)
	defer cancel()

	unlock := s.locks.Lock(botID)
	defer unlock()

	bot, err = s.load(ctx, caller, botID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, bot); err != nil {
		return nil, err
	}
	if bot.Status == models.BotStatusRunning {
		return nil, fmt.Errorf("%w: stop the bot before uploading", ErrInvalidTransition)
	}

	desc, err := s.registry.Describe(bot.Runtime)
	if err != nil {
		return nil, err
	}

	kind := models.SourceFile
	var res *storage.Result
	if strings.EqualFold(filepath.Ext(filename), ".zip") {
		kind = models.SourceArchive
		res, err = s.storage.StoreArchive(ctx, bot.ID, desc, content)
	} else {
		res, err = s.storage.StoreSingleFile(ctx, bot.ID, desc, filename, content)
	}
	if err != nil {
		s.metrics.RecordUpload(string(kind), 0, err)
		return nil, err
	}
	s.metrics.RecordUpload(string(kind), res.Bytes, nil)

	previous := bot.SourceType
	bot.SourceType = kind
	if bot.ContainerRef != "" {
		s.retireContainer(ctx, bot)
	}
	if err := s.store.SaveBot(ctx, bot); err != nil {
		if previous == models.SourceNone {
			if rmErr := s.storage.Remove(bot.ID); rmErr != nil {
				s.logger.Warn("failed to remove orphaned upload", zap.Uint("bot_id", bot.ID), zap.Error(rmErr))
			}
		}
		return nil, fmt.Errorf("save bot: %w", err)
	}

	s.logger.Info("bot code uploaded",
		zap.Uint("bot_id", bot.ID),
		zap.String("source_type", string(kind)),
		zap.Int("files", len(res.Files)),
		zap.Int64("bytes", res.Bytes))
	return bot, nil
}

// Start runs the bot, creating (and building) its container on first use.
// The work is detached from ctx so an abandoned request cannot leave the
// container half started.
func (s *Service) Start(ctx context.Context, caller Caller, botID uint) (bot *models.Bot, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordBotOperation("start", time.Since(start), err) }()

	ctx, cancel := s.detach(ctx)
	defer cancel()

	unlock := s.locks.Lock(botID)
	defer unlock()

	bot, err = s.load(ctx, caller, botID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, bot); err != nil {
		return nil, err
	}
	if bot.Status == models.BotStatusRunning {
		return nil, fmt.Errorf("%w: bot is already running", ErrInvalidTransition)
	}
	if err := s.startLocked(ctx, bot); err != nil {
		return nil, err
	}
	return bot, nil
}

// Stop stops a running bot. The container is kept so a later start is fast.
// grace <= 0 uses the service default.
func (s *Service) Stop(ctx context.Context, caller Caller, botID uint, grace time.Duration) (bot *models.Bot, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordBotOperation("stop", time.Since(start), err) }()

	ctx, cancel := s.detach(ctx)
	defer cancel()

	unlock := s.locks.Lock(botID)
	defer unlock()

	bot, err = s.load(ctx, caller, botID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, bot); err != nil {
		return nil, err
	}
	if bot.Status != models.BotStatusRunning {
		return nil, fmt.Errorf("%w: bot is %s", ErrInvalidTransition, bot.Status)
	}
	if err := s.stopLocked(ctx, bot, grace); err != nil {
		return nil, err
	}
	return bot, nil
}

// Restart stops the bot if it is running and starts it again as one step.
// On failure the record is reconciled so it matches the container.
func (s *Service) Restart(ctx context.Context, caller Caller, botID uint) (bot *models.Bot, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordBotOperation("restart", time.Since(start), err) }()

	ctx, cancel := s.detach(ctx)
	defer cancel()

	unlock := s.locks.Lock(botID)
	defer unlock()

	bot, err = s.load(ctx, caller, botID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, bot); err != nil {
		return nil, err
	}
	if bot.Status == models.BotStatusCreated {
		return nil, fmt.Errorf("%w: bot has never been started", ErrInvalidTransition)
	}

	if bot.Status == models.BotStatusRunning {
		if err := s.stopLocked(ctx, bot, 0); err != nil {
			return nil, err
		}
	}
	if err := s.startLocked(ctx, bot); err != nil {
		if rErr := s.reconcileLocked(ctx, bot); rErr != nil {
			s.logger.Warn("reconcile after failed restart", zap.Uint("bot_id", bot.ID), zap.Error(rErr))
		}
		return nil, err
	}
	return bot, nil
}

// Delete removes the bot in any state. Container cleanup is best effort:
// failures are logged and never keep the code or the record around.
func (s *Service) Delete(ctx context.Context, caller Caller, botID uint) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordBotOperation("delete", time.Since(start), err) }()

	ctx, cancel := s.detach(ctx)
	defer cancel()

	unlock := s.locks.Lock(botID)
	defer unlock()

	bot, err := s.load(ctx, caller, botID)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.Uint("bot_id", bot.ID))

	s.closeStreams(bot.ID)
	if bot.ContainerRef != "" {
		ref := engine.Ref(bot.ContainerRef)
		if err := s.engine.Stop(ctx, ref, s.stopGrace); err != nil && !errors.Is(err, engine.ErrContainerNotFound) {
			log.Warn("failed to stop container during delete", zap.Error(err))
		}
		if err := s.engine.Remove(ctx, ref); err != nil {
			log.Warn("failed to remove container during delete", zap.Error(err))
		}
	}
	if err := s.engine.RemoveBotImage(ctx, bot.ID); err != nil {
		log.Warn("failed to remove bot image during delete", zap.Error(err))
	}

	if err := s.storage.Remove(bot.ID); err != nil {
		return fmt.Errorf("remove bot code: %w", err)
	}
	if s.backups != nil {
		if err := s.backups.Purge(ctx, bot.ID); err != nil {
			log.Warn("failed to purge source backups", zap.Error(err))
		}
	}
	if err := s.store.DeleteBot(ctx, bot.ID); err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}

	log.Info("bot deleted", zap.Uint("user_id", bot.UserID))
	return nil
}

// Get returns one bot after reconciling it. Engine errors during the
// reconcile are logged and the recorded state is returned. While a
// transition holds the bot, the recorded state is returned without waiting.
func (s *Service) Get(ctx context.Context, caller Caller, botID uint) (*models.Bot, error) {
	unlock, ok := s.locks.TryLock(botID)
	if !ok {
		return s.load(ctx, caller, botID)
	}
	defer unlock()

	bot, err := s.load(ctx, caller, botID)
	if err != nil {
		return nil, err
	}
	if err := s.reconcileLocked(ctx, bot); err != nil {
		s.logger.Debug("reconcile on read failed", zap.Uint("bot_id", bot.ID), zap.Error(err))
	}
	return bot, nil
}

// List returns the caller's bots, each reconciled. Bots in the middle of
// a transition are returned as recorded.
func (s *Service) List(ctx context.Context, caller Caller) ([]models.Bot, error) {
	list, err := s.store.ListBots(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	for i := range list {
		bot := &list[i]
		if bot.ContainerRef == "" && bot.Status == models.BotStatusCreated {
			continue
		}
		unlock, ok := s.locks.TryLock(bot.ID)
		if !ok {
			continue
		}
		if err := s.reconcileLocked(ctx, bot); err != nil {
			s.logger.Debug("reconcile on list failed", zap.Uint("bot_id", bot.ID), zap.Error(err))
		}
		unlock()
	}
	return list, nil
}

// LogTarget resolves the container whose output the caller may read. It
// takes no lifecycle lock so streaming never blocks transitions.
func (s *Service) LogTarget(ctx context.Context, caller Caller, botID uint) (*models.Bot, engine.Ref, error) {
	bot, err := s.load(ctx, caller, botID)
	if err != nil {
		return nil, "", err
	}
	if bot.ContainerRef == "" {
		return nil, "", ErrNoContainer
	}
	return bot, engine.Ref(bot.ContainerRef), nil
}

// Reconcile brings one bot's record in line with its container. It is
// called by the background reconciler and performs no ownership check.
func (s *Service) Reconcile(ctx context.Context, botID uint) (*models.Bot, error) {
	unlock := s.locks.Lock(botID)
	defer unlock()

	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if err := s.reconcileLocked(ctx, bot); err != nil {
		return bot, err
	}
	return bot, nil
}

// startLocked creates the container if needed and starts it. A build
// failure leaves the status untouched. A start failure after the container
// exists marks the bot CRASHED unless the engine was unreachable.
func (s *Service) startLocked(ctx context.Context, bot *models.Bot) error {
	if bot.StartCmd != "" {
		if err := validation.ValidateStartCommand(bot.StartCmd); err != nil {
			return err
		}
	}
	if !bot.HasSource() || !s.storage.Exists(bot.ID) {
		return ErrNoSource
	}
	desc, err := s.registry.Describe(bot.Runtime)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.Uint("bot_id", bot.ID))

	if bot.ContainerRef == "" {
		if err := s.createLocked(ctx, bot, desc, log); err != nil {
			return err
		}
	}

	err = s.engine.Start(ctx, engine.Ref(bot.ContainerRef))
	if errors.Is(err, engine.ErrContainerNotFound) {
		// Removed behind our back since the last reconcile. One fresh
		// container is created; a second miss is reported.
		log.Info("container missing on start, recreating", zap.String("container", bot.ContainerRef))
		bot.ContainerRef = ""
		if err := s.createLocked(ctx, bot, desc, log); err != nil {
			return err
		}
		err = s.engine.Start(ctx, engine.Ref(bot.ContainerRef))
	}
	switch {
	case err == nil:
		bot.LastExitCode = nil
		return s.setStatus(ctx, bot, models.BotStatusRunning)
	case errors.Is(err, engine.ErrContainerNotFound):
		bot.ContainerRef = ""
		if sErr := s.setStatus(ctx, bot, models.BotStatusCreated); sErr != nil {
			log.Warn("failed to clear missing container", zap.Error(sErr))
		}
		return err
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, engine.ErrEngineUnavailable):
		if rErr := s.reconcileLocked(ctx, bot); rErr != nil {
			log.Warn("reconcile after start failure", zap.Error(rErr))
		}
		return err
	default:
		log.Warn("container start failed", zap.Error(err))
		if sErr := s.setStatus(ctx, bot, models.BotStatusCrashed); sErr != nil {
			log.Warn("failed to record crashed bot", zap.Error(sErr))
		}
		return err
	}
}

// createLocked creates the bot's container and records its reference. A
// container that cannot be recorded is removed again.
func (s *Service) createLocked(ctx context.Context, bot *models.Bot, desc runtimes.Descriptor, log *zap.Logger) error {
	plan, err := s.store.GetPlan(ctx, bot.PlanID)
	if err != nil {
		return fmt.Errorf("resolve plan: %w", err)
	}
	dir, err := s.storage.LocationFor(bot.ID)
	if err != nil {
		return err
	}
	ref, err := s.engine.Create(ctx, engine.Spec{
		BotID:     bot.ID,
		Runtime:   desc,
		StartCmd:  bot.StartCmd,
		SourceDir: dir,
		Limits:    engine.Limits{CPU: plan.CPULimit, MemoryBytes: plan.MemoryLimit},
	})
	if err != nil {
		log.Warn("container create failed", zap.Error(err))
		return err
	}
	bot.ContainerRef = string(ref)
	if err := s.store.SaveBot(ctx, bot); err != nil {
		if rmErr := s.engine.Remove(ctx, ref); rmErr != nil {
			log.Warn("failed to remove unrecorded container", zap.Error(rmErr))
		}
		bot.ContainerRef = ""
		return fmt.Errorf("save bot: %w", err)
	}
	return nil
}

func (s *Service) stopLocked(ctx context.Context, bot *models.Bot, grace time.Duration) error {
	if grace <= 0 {
		grace = s.stopGrace
	}
	s.closeStreams(bot.ID)

	err := s.engine.Stop(ctx, engine.Ref(bot.ContainerRef), grace)
	if err != nil {
		if rErr := s.reconcileLocked(ctx, bot); rErr != nil {
			s.logger.Warn("reconcile after stop failure", zap.Uint("bot_id", bot.ID), zap.Error(rErr))
		}
		if errors.Is(err, engine.ErrContainerNotFound) {
			return nil
		}
		return err
	}
	return s.setStatus(ctx, bot, models.BotStatusStopped)
}

// retireContainer discards the bot's container and built image. On failure
// the container is kept and the bind mount still serves the new code.
func (s *Service) retireContainer(ctx context.Context, bot *models.Bot) {
	log := s.logger.With(zap.Uint("bot_id", bot.ID))
	if err := s.engine.Remove(ctx, engine.Ref(bot.ContainerRef)); err != nil {
		log.Warn("failed to remove container after upload", zap.Error(err))
		return
	}
	if err := s.engine.RemoveBotImage(ctx, bot.ID); err != nil {
		log.Warn("failed to remove bot image after upload", zap.Error(err))
	}
	bot.ContainerRef = ""
	bot.Status = models.BotStatusCreated
}

// load fetches a bot and checks the caller may act on it.
func (s *Service) load(ctx context.Context, caller Caller, botID uint) (*models.Bot, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.UserID != caller.UserID && !caller.Privileged() {
		return nil, ErrAccessDenied
	}
	return bot, nil
}

// refresh reconciles before a transition. A timed out inspect is not fatal;
// the transition itself will surface a persistent problem.
func (s *Service) refresh(ctx context.Context, bot *models.Bot) error {
	err := s.reconcileLocked(ctx, bot)
	if err != nil && !errors.Is(err, engine.ErrTimeout) {
		return err
	}
	return nil
}

func (s *Service) setStatus(ctx context.Context, bot *models.Bot, status models.BotStatus) error {
	from := bot.Status
	bot.Status = status
	if err := s.store.SaveBot(ctx, bot); err != nil {
		bot.Status = from
		return fmt.Errorf("save bot: %w", err)
	}
	if from != status {
		s.logger.Info("bot status changed",
			zap.Uint("bot_id", bot.ID),
			zap.String("from", string(from)),
			zap.String("to", string(status)))
	}
	return nil
}

func (s *Service) closeStreams(botID uint) {
	if s.streams != nil {
		s.streams.CloseBot(botID)
	}
}

func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}
