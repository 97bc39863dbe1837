package workflow

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrManagerClosed is returned by Get once the manager has been closed.
var ErrManagerClosed = errors.New("workflow manager closed")

// DefaultIdleTimeout is how long an untouched workflow is kept.
const DefaultIdleTimeout = time.Hour

// Factory builds the workflow for a newly seen owner.
type Factory func(ownerID string) *Workflow

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout expires workflows not used for d. Zero disables expiry.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.idleTimeout = d
		}
	}
}

// WithManagerClock overrides the time source used for idle tracking.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

type managed struct {
	workflow *Workflow
	lastUsed time.Time
}

// Manager keeps one workflow per owner and forwards each workflow's events to
// the log until the workflow is removed. Idle workflows are expired by a
// background sweep.
type Manager struct {
	mu        sync.Mutex
	workflows map[string]*managed
	closed    bool

	factory     Factory
	logger      *zap.Logger
	idleTimeout time.Duration
	now         func() time.Time

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewManager returns an empty manager. When an idle timeout is set the sweep
// loop runs until Close.
func NewManager(factory Factory, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		workflows:   make(map[string]*managed),
		factory:     factory,
		logger:      logger.Named("workflow_manager"),
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.idleTimeout > 0 {
		m.wg.Add(1)
		go m.sweepLoop(sweepInterval(m.idleTimeout))
	}
	return m
}

// Get returns the owner's workflow, creating it on first use, and marks it used.
func (m *Manager) Get(ownerID string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if entry, ok := m.workflows[ownerID]; ok {
		entry.lastUsed = m.now()
		return entry.workflow, nil
	}
	w := m.factory(ownerID)
	m.workflows[ownerID] = &managed{workflow: w, lastUsed: m.now()}

	m.wg.Add(1)
	go m.forward(ownerID, w)
	return w, nil
}

// Remove closes and forgets the owner's workflow. It reports whether one existed.
func (m *Manager) Remove(ownerID string) bool {
	m.mu.Lock()
	entry, ok := m.workflows[ownerID]
	delete(m.workflows, ownerID)
	m.mu.Unlock()

	if ok {
		entry.workflow.Close()
	}
	return ok
}

// Len returns the number of live workflows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workflows)
}

// Sweep closes and removes every workflow idle for longer than the idle
// timeout. It returns the number removed.
func (m *Manager) Sweep() int {
	if m.idleTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	cutoff := m.now().Add(-m.idleTimeout)
	expired := make(map[string]*Workflow)
	for ownerID, entry := range m.workflows {
		if entry.lastUsed.Before(cutoff) {
			expired[ownerID] = entry.workflow
			delete(m.workflows, ownerID)
		}
	}
	m.mu.Unlock()

	for ownerID, w := range expired {
		w.Close()
		m.logger.Info("expired idle workflow", zap.String("owner_id", ownerID), zap.String("session_id", w.Snapshot().ID))
	}
	return len(expired)
}

// Close stops the sweep, closes every workflow and waits for event forwarding
// to stop. Later calls to Get fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	workflows := m.workflows
	m.workflows = make(map[string]*managed)
	close(m.stop)
	m.mu.Unlock()

	for _, entry := range workflows {
		entry.workflow.Close()
	}
	m.wg.Wait()
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("idle sweep finished", zap.Int("expired", n))
			}
		}
	}
}

func sweepInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (m *Manager) forward(ownerID string, w *Workflow) {
	defer m.wg.Done()
	for ev := range w.Events() {
		m.logger.Debug("workflow event",
			zap.String("owner_id", ownerID),
			zap.String("type", string(ev.Type)),
			zap.String("step", string(ev.Step)),
			zap.String("session_id", ev.SessionID),
			zap.String("message", ev.Message),
		)
	}
}
