package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/core"
	"github.com/agentcore/agentcore/pkg/models"
)

// defaultSessionLanguage is the language a SandboxSession boots eagerly on
// Acquire; other languages are checked out lazily on first Exec.
const defaultSessionLanguage = "python"

// SandboxDriver is the narrow interface the Sandbox Session Manager needs
// from the underlying execution backend: create, exec, terminate, and a
// diagnostic listing. It knows nothing about threads, users, or policy —
// those belong to the Manager.
type SandboxDriver interface {
	Create(ctx context.Context, language string) (RuntimeExecutor, error)
	Exec(ctx context.Context, executor RuntimeExecutor, params *ExecuteParams) (*ExecuteResult, error)
	Terminate(executor RuntimeExecutor)
	ListAll(ctx context.Context) map[string]PoolStats
}

// poolDriver adapts the per-language Pool into a SandboxDriver. The Pool
// itself stays keyed per-language internally (a Python executor is
// interchangeable with any other idle Python executor); the Manager is what
// keys a checked-out executor to one thread for the sandbox's lifetime.
type poolDriver struct {
	pool          *Pool
	workspaceRoot string
}

// NewPoolDriver wraps an existing language-pool as a SandboxDriver.
func NewPoolDriver(pool *Pool, workspaceRoot string) SandboxDriver {
	return &poolDriver{pool: pool, workspaceRoot: workspaceRoot}
}

func (d *poolDriver) Create(ctx context.Context, language string) (RuntimeExecutor, error) {
	return d.pool.Get(ctx, language)
}

func (d *poolDriver) Exec(ctx context.Context, executor RuntimeExecutor, params *ExecuteParams) (*ExecuteResult, error) {
	workspace, err := prepareWorkspace(params, d.workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	result, err := executor.Run(ctx, params, workspace)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &ExecuteResult{Error: "execution timeout", Timeout: true}, nil
		}
		return nil, err
	}
	return result, nil
}

func (d *poolDriver) Terminate(executor RuntimeExecutor) {
	d.pool.Put(executor)
}

func (d *poolDriver) ListAll(ctx context.Context) map[string]PoolStats {
	return d.pool.Stats()
}

// sessionState is one live SandboxSession plus the executors it has checked
// out of the driver, one per language it has actually used.
type sessionState struct {
	mu        sync.Mutex
	session   models.SandboxSession
	executors map[string]RuntimeExecutor
}

// SandboxSessionManager is the per-thread/per-user sandbox lifecycle
// manager: acquire, mark_activity, release, history, reclaim_orphans. It
// owns the singleton global mutable state the rest of the runtime is
// carefully kept free of — the live set of sandboxes bound to threads.
type SandboxSessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState   // sandbox_id -> state
	byThread map[string]string          // thread_id -> sandbox_id
	byUser   map[string][]string        // user_id -> sandbox_ids, oldest first
	history  map[string]models.SandboxHistory // thread_id -> last known history

	driver SandboxDriver
	policy config.SandboxPolicyConfig
}

// NewSandboxSessionManager builds a manager over the given driver and policy.
func NewSandboxSessionManager(driver SandboxDriver, policy config.SandboxPolicyConfig) *SandboxSessionManager {
	if policy.IdleTimeout <= 0 {
		policy.IdleTimeout = 15 * time.Minute
	}
	if policy.MaxDuration <= 0 {
		policy.MaxDuration = 6 * time.Hour
	}
	if policy.MaxPerUser <= 0 {
		policy.MaxPerUser = 3
	}
	if policy.ReaperInterval <= 0 {
		policy.ReaperInterval = 5 * time.Minute
	}
	return &SandboxSessionManager{
		sessions: make(map[string]*sessionState),
		byThread: make(map[string]string),
		byUser:   make(map[string][]string),
		history:  make(map[string]models.SandboxHistory),
		driver:   driver,
		policy:   policy,
	}
}

// Acquire returns the thread's existing sandbox session if one is live, or
// boots a new one. Booting the backend sandbox happens with the manager's
// lock released — only the bookkeeping (reserving the thread/user slot,
// then recording the result) is done under lock, so one slow boot never
// blocks unrelated acquire/release/history calls.
func (m *SandboxSessionManager) Acquire(ctx context.Context, userID, threadID string) (*models.SandboxSession, error) {
	m.mu.Lock()
	if sandboxID, ok := m.byThread[threadID]; ok {
		if _, ok := m.sessions[sandboxID]; ok {
			m.mu.Unlock()
			return m.MarkActivity(ctx, sandboxID)
		}
	}

	if m.policy.MaxPerUser > 0 && len(m.byUser[userID]) >= m.policy.MaxPerUser {
		victim := m.lruForUserLocked(userID)
		m.mu.Unlock()
		if victim == "" {
			return nil, core.New(models.ErrSandboxUnavail, "max concurrent sandboxes reached for user").
				WithExtra("user_id", userID).
				WithExtra("limit", m.policy.MaxPerUser)
		}
		if err := m.Release(ctx, victim, "evicted: per-user concurrency limit"); err != nil {
			return nil, err
		}
		m.mu.Lock()
	}

	sandboxID := uuid.NewString()
	now := time.Now()
	st := &sessionState{
		session: models.SandboxSession{
			SandboxID:    sandboxID,
			ThreadID:     threadID,
			UserID:       userID,
			State:        models.SandboxStarting,
			CreatedAt:    now,
			LastActivity: now,
		},
		executors: make(map[string]RuntimeExecutor),
	}
	if hist, ok := m.history[threadID]; ok {
		st.session.InstalledPackages = append([]string(nil), hist.InstalledPackages...)
		st.session.CreatedFiles = append([]string(nil), hist.CreatedFiles...)
	}
	m.sessions[sandboxID] = st
	m.byThread[threadID] = sandboxID
	m.byUser[userID] = append(m.byUser[userID], sandboxID)
	m.mu.Unlock()

	executor, err := m.driver.Create(ctx, defaultSessionLanguage)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sandboxID)
		delete(m.byThread, threadID)
		m.byUser[userID] = removeSandboxID(m.byUser[userID], sandboxID)
		m.mu.Unlock()
		return nil, core.Wrap(models.ErrSandboxUnavail, "create sandbox", err)
	}

	st.mu.Lock()
	st.executors[defaultSessionLanguage] = executor
	st.session.State = models.SandboxActive
	snapshot := st.session
	st.mu.Unlock()
	return &snapshot, nil
}

// MarkActivity bumps LastActivity and wakes an idle session back to active.
func (m *SandboxSessionManager) MarkActivity(ctx context.Context, sandboxID string) (*models.SandboxSession, error) {
	m.mu.RLock()
	st, ok := m.sessions[sandboxID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.New(models.ErrNotFound, "sandbox session not found: "+sandboxID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.session.LastActivity = time.Now()
	if st.session.State == models.SandboxIdle {
		st.session.State = models.SandboxActive
	}
	snapshot := st.session
	return &snapshot, nil
}

// Exec runs one snippet inside the thread's sandbox, lazily checking out a
// second-language executor the first time a thread's session uses it.
func (m *SandboxSessionManager) Exec(ctx context.Context, sandboxID string, params *ExecuteParams) (*ExecuteResult, error) {
	m.mu.RLock()
	st, ok := m.sessions[sandboxID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.New(models.ErrNotFound, "sandbox session not found: "+sandboxID)
	}

	st.mu.Lock()
	executor, ok := st.executors[params.Language]
	st.mu.Unlock()
	if !ok {
		created, err := m.driver.Create(ctx, params.Language)
		if err != nil {
			return nil, core.Wrap(models.ErrSandboxUnavail, "create language executor", err)
		}
		st.mu.Lock()
		if existing, raced := st.executors[params.Language]; raced {
			m.driver.Terminate(created)
			executor = existing
		} else {
			st.executors[params.Language] = created
			executor = created
		}
		st.mu.Unlock()
	}

	result, err := m.driver.Exec(ctx, executor, params)

	st.mu.Lock()
	st.session.LastActivity = time.Now()
	st.session.State = models.SandboxActive
	st.mu.Unlock()

	return result, err
}

// Release tears down a sandbox session, returns its executors to the
// driver, and records its package/file footprint as history so a later
// Acquire for the same thread can seed a fresh session from it.
func (m *SandboxSessionManager) Release(ctx context.Context, sandboxID, reason string) error {
	m.mu.Lock()
	st, ok := m.sessions[sandboxID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, sandboxID)
	if m.byThread[st.session.ThreadID] == sandboxID {
		delete(m.byThread, st.session.ThreadID)
	}
	m.byUser[st.session.UserID] = removeSandboxID(m.byUser[st.session.UserID], sandboxID)
	m.mu.Unlock()

	st.mu.Lock()
	for _, executor := range st.executors {
		m.driver.Terminate(executor)
	}
	st.session.State = models.SandboxTerminated
	hist := models.SandboxHistory{
		ThreadID:          st.session.ThreadID,
		InstalledPackages: append([]string(nil), st.session.InstalledPackages...),
		CreatedFiles:      append([]string(nil), st.session.CreatedFiles...),
		LastCleanupReason: reason,
	}
	st.mu.Unlock()

	m.mu.Lock()
	m.history[hist.ThreadID] = hist
	m.mu.Unlock()
	return nil
}

// History returns the last known package/file footprint for a thread, even
// after its session has been released.
func (m *SandboxSessionManager) History(ctx context.Context, threadID string) (*models.SandboxHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist, ok := m.history[threadID]
	if !ok {
		return nil, nil
	}
	return &hist, nil
}

// ReclaimOrphans evicts sessions past IdleTimeout or MaxDuration and returns
// the count reclaimed. Intended to run on policy.ReaperInterval.
func (m *SandboxSessionManager) ReclaimOrphans(ctx context.Context) (int, error) {
	now := time.Now()

	m.mu.RLock()
	candidates := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		candidates = append(candidates, id)
	}
	m.mu.RUnlock()

	var reclaimed int
	for _, id := range candidates {
		m.mu.RLock()
		st, ok := m.sessions[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		st.mu.Lock()
		idleFor := now.Sub(st.session.LastActivity)
		aliveFor := now.Sub(st.session.CreatedAt)
		expired := idleFor > m.policy.IdleTimeout || aliveFor > m.policy.MaxDuration
		st.mu.Unlock()

		if !expired {
			continue
		}
		reason := "idle timeout"
		if aliveFor > m.policy.MaxDuration {
			reason = "max duration exceeded"
		}
		if err := m.Release(ctx, id, reason); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// lruForUserLocked returns the user's least-recently-active sandbox_id, or
// "" if the user has none. Callers must hold m.mu.
func (m *SandboxSessionManager) lruForUserLocked(userID string) string {
	var (
		lruID   string
		lruTime time.Time
	)
	for _, id := range m.byUser[userID] {
		st, ok := m.sessions[id]
		if !ok {
			continue
		}
		st.mu.Lock()
		last := st.session.LastActivity
		st.mu.Unlock()
		if lruID == "" || last.Before(lruTime) {
			lruID, lruTime = id, last
		}
	}
	return lruID
}

func removeSandboxID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Reaper runs SandboxSessionManager.ReclaimOrphans on a ticker until ctx is
// cancelled, mirroring the Checkpointer's retention sweep.
type Reaper struct {
	manager  *SandboxSessionManager
	interval time.Duration
	onSweep  func(reclaimed int, err error)
}

// NewReaper builds a background orphan sweep for the given manager.
func NewReaper(manager *SandboxSessionManager, interval time.Duration, onSweep func(reclaimed int, err error)) *Reaper {
	if interval <= 0 {
		interval = manager.policy.ReaperInterval
	}
	return &Reaper{manager: manager, interval: interval, onSweep: onSweep}
}

// Run blocks, sweeping on r.interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.manager.ReclaimOrphans(ctx)
			if r.onSweep != nil {
				r.onSweep(n, err)
			}
		}
	}
}
