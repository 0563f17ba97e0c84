// Package metrics provides periodic gauge collection from the database
package metrics

import (
	"context"
	"runtime"
	"time"

	"bothost/internal/logging"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// botStatuses lists every status reported by BotsByStatus so a status that
// drops to zero bots is reset rather than left at its last value.
var botStatuses = []string{"CREATED", "RUNNING", "STOPPED", "CRASHED"}

// Pinger checks container engine reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collector periodically refreshes gauges that are derived from state
// rather than from events.
type Collector struct {
	db       *gorm.DB
	engine   Pinger
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector. db and engine may be nil.
func NewCollector(db *gorm.DB, engine Pinger, interval time.Duration) *Collector {
	return &Collector{
		db:       db,
		engine:   engine,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection
func (c *Collector) Start(ctx context.Context) {
	go func() {
		c.CollectOnce(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CollectOnce(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// CollectOnce runs a single collection cycle
func (c *Collector) CollectOnce(ctx context.Context) {
	c.collectBotMetrics()
	c.collectDatabaseMetrics()
	c.collectEngineHealth(ctx)
	c.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}

func (c *Collector) collectBotMetrics() {
	if c.db == nil {
		return
	}

	type statusCount struct {
		Status string
		Count  int64
	}

	var counts []statusCount
	if err := c.db.Table("bots").
		Select("status, count(*) as count").
		Group("status").
		Scan(&counts).Error; err != nil {
		logging.L().Warn("failed to count bots by status", zap.Error(err))
		return
	}

	seen := make(map[string]int64, len(counts))
	for _, sc := range counts {
		seen[sc.Status] = sc.Count
	}
	for _, status := range botStatuses {
		c.metrics.UpdateBotsByStatus(status, seen[status])
	}
}

func (c *Collector) collectDatabaseMetrics() {
	if c.db == nil {
		return
	}

	sqlDB, err := c.db.DB()
	if err != nil {
		logging.L().Warn("failed to get database stats", zap.Error(err))
		return
	}

	stats := sqlDB.Stats()
	c.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	c.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}

func (c *Collector) collectEngineHealth(ctx context.Context) {
	if c.engine == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.metrics.SetEngineUp(c.engine.Ping(pingCtx) == nil)
}
