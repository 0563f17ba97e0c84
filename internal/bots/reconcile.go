package bots

import (
	"context"
	"errors"
	"sync"
	"time"

	"bothost/internal/engine"
	"bothost/pkg/models"

	"go.uber.org/zap"
)

// DefaultReconcileInterval is how often the background reconciler runs.
const DefaultReconcileInterval = 30 * time.Second

// reconcileLocked corrects bot's status from the engine's view of its
// container. A missing container resets the bot to CREATED. Other engine
// errors are returned and leave the record unchanged.
func (s *Service) reconcileLocked(ctx context.Context, bot *models.Bot) error {
	if bot.ContainerRef == "" {
		if bot.Status != models.BotStatusCreated {
			return s.correct(ctx, bot, models.BotStatusCreated)
		}
		return nil
	}

	state, err := s.engine.Inspect(ctx, engine.Ref(bot.ContainerRef))
	if errors.Is(err, engine.ErrContainerNotFound) {
		s.logger.Warn("container disappeared", zap.Uint("bot_id", bot.ID))
		bot.ContainerRef = ""
		return s.correct(ctx, bot, models.BotStatusCreated)
	}
	if err != nil {
		return err
	}

	switch {
	case state.Running:
		if bot.Status != models.BotStatusRunning {
			bot.LastExitCode = nil
			return s.correct(ctx, bot, models.BotStatusRunning)
		}
	case bot.Status == models.BotStatusRunning:
		to := models.BotStatusCrashed
		if state.ExitCode != nil && *state.ExitCode == 0 && !state.OOMKilled {
			to = models.BotStatusStopped
		}
		bot.LastExitCode = state.ExitCode
		return s.correct(ctx, bot, to)
	}
	return nil
}

// correct persists a status found by reconciliation.
func (s *Service) correct(ctx context.Context, bot *models.Bot, to models.BotStatus) error {
	from := bot.Status
	if err := s.setStatus(ctx, bot, to); err != nil {
		return err
	}
	if from != to {
		s.metrics.RecordReconcileTransition(string(from), string(to))
	}
	return nil
}

// Reconciler periodically reconciles every bot that has a container, so
// crashes are noticed without anyone asking.
type Reconciler struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler. interval <= 0 uses the default.
func NewReconciler(service *Service, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{
		service:  service,
		store:    service.store,
		interval: interval,
		logger:   service.logger.Named("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic reconciliation
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler and waits for a pass in progress to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// RunOnce reconciles every bot with a container and returns how many
// changed status.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	list, err := r.store.ListBotsWithContainer(ctx)
	if err != nil {
		r.logger.Error("failed to list bots", zap.Error(err))
		return 0
	}

	changed := 0
	for _, b := range list {
		if ctx.Err() != nil {
			break
		}
		bot, err := r.service.Reconcile(ctx, b.ID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				r.logger.Warn("reconcile failed", zap.Uint("bot_id", b.ID), zap.Error(err))
			}
			continue
		}
		if bot.Status != b.Status {
			changed++
		}
	}
	if changed > 0 {
		r.logger.Info("reconciliation pass", zap.Int("bots", len(list)), zap.Int("changed", changed))
	}
	return changed
}
