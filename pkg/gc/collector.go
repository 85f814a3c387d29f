// Package gc provides background garbage collection for the cache.
//
// The collector periodically asks the cache manager to sweep entries that
// have not been accessed recently. Retention policy stays out of the
// entries themselves: the sweep merely sends gc requests, and an entry
// with in-flight work ignores them.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cache"
)

// Collector performs periodic garbage collection on a cache manager.
//
// Thread Safety: safe for concurrent use.
type Collector struct {
	manager  *cache.Manager
	config   Config
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether garbage collection is active (default: true)
	Enabled bool

	// Interval is how often to run a sweep (default: 1h)
	Interval time.Duration

	// MinIdle is how long an entry must go unaccessed before it becomes a
	// collection candidate (default: 24h)
	MinIdle time.Duration
}

// NewCollector creates a collector. Call Start to begin background
// sweeps.
func NewCollector(manager *cache.Manager, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.MinIdle == 0 {
		config.MinIdle = 24 * time.Hour
	}

	return &Collector{
		manager: manager,
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background garbage collection. Safe to call once.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		close(c.doneCh)
		return
	}

	logger.Info("Starting garbage collector: interval=%s min_idle=%s",
		c.config.Interval, c.config.MinIdle)

	go c.worker()
}

// Stop stops the collector and waits for the in-progress sweep, if any.
// The context bounds the wait.
func (c *Collector) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep immediately.
func (c *Collector) RunOnce() {
	candidates := c.manager.Sweep(c.config.MinIdle)
	if candidates > 0 {
		logger.Info("Cache sweep: signaled %d idle entries", candidates)
	} else {
		logger.Debug("Cache sweep: no idle entries")
	}
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunOnce()
		case <-c.stopCh:
			return
		}
	}
}
