package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Manager 统一启动/停止各后台流程。
type Manager struct {
	cfg Config

	rescheduler *Rescheduler
	retention   *RetentionSweeper

	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

func NewManager(cfg Config) *Manager {
	cfg.Rescheduler = cfg.Rescheduler.withDefaults()
	cfg.Retention = cfg.Retention.withDefaults()
	return &Manager{cfg: cfg}
}

func (m *Manager) WithRescheduler(r *Rescheduler) *Manager {
	if m == nil {
		return nil
	}
	m.rescheduler = r
	if m.rescheduler != nil {
		m.rescheduler.cfg = m.cfg.Rescheduler
	}
	return m
}

func (m *Manager) WithRetention(c *RetentionSweeper) *Manager {
	if m == nil {
		return nil
	}
	m.retention = c
	if m.retention != nil {
		m.retention.cfg = m.cfg.Retention
	}
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.cfg.Rescheduler.Enabled {
		if m.rescheduler == nil {
			m.cancel()
			return errors.New("rescheduler is required when enabled")
		}
		m.spawn(runCtx, m.rescheduler.Run)
	}

	if m.cfg.Retention.Enabled {
		if m.retention == nil {
			m.cancel()
			return errors.New("retention sweeper is required when enabled")
		}
		m.spawn(runCtx, m.retention.Run)
	}

	return nil
}

func (m *Manager) spawn(ctx context.Context, run func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.runErrMu.Lock()
			if m.runErr == nil {
				m.runErr = err
			}
			m.runErrMu.Unlock()
			m.cancel()
		}
	}()
}

func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

func (m *Manager) Wait() error {
	if m == nil {
		return nil
	}
	m.wg.Wait()
	m.runErrMu.Lock()
	defer m.runErrMu.Unlock()
	return m.runErr
}
