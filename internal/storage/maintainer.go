package storage

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"yqhp/dcf/pkg/logger"
)

// DefaultCleanupInterval is the period of the maintenance loop.
const DefaultCleanupInterval = 60 * time.Second

// Maintainer periodically runs CleanUp on every backend of a registry that
// supports it.
type Maintainer struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// NewMaintainer creates a maintainer for r. A non-positive interval selects
// DefaultCleanupInterval.
func NewMaintainer(r *Registry, interval time.Duration, log *zap.Logger) *Maintainer {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if log == nil {
		log = logger.Named("storage")
	}
	return &Maintainer{
		registry: r,
		interval: interval,
		timeout:  interval,
		log:      log,
	}
}

// Start schedules the maintenance job. Calling Start on a running
// maintainer is a no-op.
func (m *Maintainer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err = s.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			runCtx, runCancel := context.WithTimeout(ctx, m.timeout)
			defer runCancel()
			m.RunOnce(runCtx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("storage-cleanup"),
	)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return fmt.Errorf("schedule cleanup: %w", err)
	}

	s.Start()
	m.scheduler = s
	m.cancel = cancel
	m.log.Debug("存储维护任务已启动", zap.Duration("interval", m.interval))
	return nil
}

// Stop cancels a running cleanup pass and shuts the scheduler down.
func (m *Maintainer) Stop() error {
	m.mu.Lock()
	s, cancel := m.scheduler, m.cancel
	m.scheduler, m.cancel = nil, nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	cancel()
	return s.Shutdown()
}

// RunOnce runs CleanUp on every Cleaner in the registry. A failing or
// panicking backend is logged and skipped. It returns the number of
// failures.
func (m *Maintainer) RunOnce(ctx context.Context) int {
	failures := 0
	for _, entry := range m.registry.Entries() {
		if ctx.Err() != nil {
			break
		}
		if err := CleanUp(ctx, entry.Backend); err != nil {
			failures++
			m.log.Warn("存储清理失败", zap.String("name", entry.Name), zap.Error(err))
		}
	}
	return failures
}

// CleanUp runs b.CleanUp when b is a Cleaner, turning a panic into an error.
func CleanUp(ctx context.Context, b Backend) (err error) {
	c, ok := b.(Cleaner)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return c.CleanUp(ctx)
}
