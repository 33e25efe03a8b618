package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/core"
	"github.com/agentcore/agentcore/pkg/models"
)

// fakeExecutor is a no-op RuntimeExecutor for testing the session manager
// without booting real containers.
type fakeExecutor struct {
	language  string
	runCount  int
	terminate bool
}

func (f *fakeExecutor) Run(ctx context.Context, params *ExecuteParams, workspace string) (*ExecuteResult, error) {
	f.runCount++
	return &ExecuteResult{Stdout: "ok"}, nil
}

func (f *fakeExecutor) Language() string { return f.language }

func (f *fakeExecutor) Close() error {
	f.terminate = true
	return nil
}

// fakeDriver is a SandboxDriver backed by in-memory fakeExecutors, so
// session manager tests run without Docker/Daytona.
type fakeDriver struct {
	mu         sync.Mutex
	created    int
	terminated int
	failCreate bool
}

func (d *fakeDriver) Create(ctx context.Context, language string) (RuntimeExecutor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreate {
		return nil, errors.New("boom")
	}
	d.created++
	return &fakeExecutor{language: language}, nil
}

func (d *fakeDriver) Exec(ctx context.Context, executor RuntimeExecutor, params *ExecuteParams) (*ExecuteResult, error) {
	return executor.Run(ctx, params, "")
}

func (d *fakeDriver) Terminate(executor RuntimeExecutor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated++
	_ = executor.Close()
}

func (d *fakeDriver) ListAll(ctx context.Context) map[string]PoolStats {
	return nil
}

func testManager(policy config.SandboxPolicyConfig) (*SandboxSessionManager, *fakeDriver) {
	driver := &fakeDriver{}
	return NewSandboxSessionManager(driver, policy), driver
}

func TestSandboxSessionManager_AcquireCreatesSession(t *testing.T) {
	m, driver := testManager(config.SandboxPolicyConfig{})

	session, err := m.Acquire(context.Background(), "user-1", "thread-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if session.State != models.SandboxActive {
		t.Errorf("State = %v, want active", session.State)
	}
	if driver.created != 1 {
		t.Errorf("driver.created = %d, want 1", driver.created)
	}
}

func TestSandboxSessionManager_AcquireReturnsSameSessionForThread(t *testing.T) {
	m, driver := testManager(config.SandboxPolicyConfig{})
	ctx := context.Background()

	first, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	second, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if first.SandboxID != second.SandboxID {
		t.Errorf("SandboxID changed across Acquire calls: %q vs %q", first.SandboxID, second.SandboxID)
	}
	if driver.created != 1 {
		t.Errorf("driver.created = %d, want 1 (second Acquire should reuse)", driver.created)
	}
}

func TestSandboxSessionManager_Acquire_CreateFailureRollsBack(t *testing.T) {
	m, driver := testManager(config.SandboxPolicyConfig{})
	driver.failCreate = true

	_, err := m.Acquire(context.Background(), "user-1", "thread-1")
	var ce *core.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *core.Error, got %v", err)
	}
	if ce.Kind != models.ErrSandboxUnavail {
		t.Errorf("Kind = %v, want %v", ce.Kind, models.ErrSandboxUnavail)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sessions) != 0 || len(m.byThread) != 0 {
		t.Error("failed acquire left bookkeeping behind")
	}
}

func TestSandboxSessionManager_MaxPerUserEvictsLRU(t *testing.T) {
	m, _ := testManager(config.SandboxPolicyConfig{MaxPerUser: 2})
	ctx := context.Background()

	first, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("Acquire(thread-1) error = %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := m.Acquire(ctx, "user-1", "thread-2"); err != nil {
		t.Fatalf("Acquire(thread-2) error = %v", err)
	}
	time.Sleep(time.Millisecond)

	third, err := m.Acquire(ctx, "user-1", "thread-3")
	if err != nil {
		t.Fatalf("Acquire(thread-3) error = %v", err)
	}
	if third == nil {
		t.Fatal("expected a session for thread-3")
	}

	m.mu.RLock()
	_, firstStillLive := m.sessions[first.SandboxID]
	m.mu.RUnlock()
	if firstStillLive {
		t.Error("expected thread-1's session to be evicted as LRU")
	}
}

func TestSandboxSessionManager_MaxPerUserRejectsWhenNoVictim(t *testing.T) {
	m, _ := testManager(config.SandboxPolicyConfig{MaxPerUser: 1})
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Acquire(thread-1) error = %v", err)
	}
	// Re-acquiring the same thread must not be blocked by its own slot.
	if _, err := m.Acquire(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("re-Acquire(thread-1) error = %v", err)
	}
}

func TestSandboxSessionManager_Exec(t *testing.T) {
	m, _ := testManager(config.SandboxPolicyConfig{})
	ctx := context.Background()

	session, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	result, err := m.Exec(ctx, session.SandboxID, &ExecuteParams{Language: defaultSessionLanguage, Code: "print(1)"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.Stdout != "ok" {
		t.Errorf("Stdout = %q, want ok", result.Stdout)
	}
}

func TestSandboxSessionManager_Exec_LazyLanguageCheckout(t *testing.T) {
	m, driver := testManager(config.SandboxPolicyConfig{})
	ctx := context.Background()

	session, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := m.Exec(ctx, session.SandboxID, &ExecuteParams{Language: "bash", Code: "echo hi"}); err != nil {
		t.Fatalf("Exec(bash) error = %v", err)
	}
	if driver.created != 2 {
		t.Errorf("driver.created = %d, want 2 (python at acquire, bash lazily)", driver.created)
	}
}

func TestSandboxSessionManager_Exec_UnknownSandbox(t *testing.T) {
	m, _ := testManager(config.SandboxPolicyConfig{})
	_, err := m.Exec(context.Background(), "missing", &ExecuteParams{Language: defaultSessionLanguage})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Kind != models.ErrNotFound {
		t.Fatalf("expected not_found *core.Error, got %v", err)
	}
}

func TestSandboxSessionManager_ReleaseRecordsHistory(t *testing.T) {
	m, driver := testManager(config.SandboxPolicyConfig{})
	ctx := context.Background()

	session, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := m.Release(ctx, session.SandboxID, "test cleanup"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if driver.terminated != 1 {
		t.Errorf("driver.terminated = %d, want 1", driver.terminated)
	}

	hist, err := m.History(ctx, "thread-1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if hist == nil || hist.LastCleanupReason != "test cleanup" {
		t.Fatalf("History() = %+v, want LastCleanupReason=test cleanup", hist)
	}

	// A subsequent Acquire for the same thread should get a fresh sandbox.
	second, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	if second.SandboxID == session.SandboxID {
		t.Error("expected a new sandbox id after release")
	}
}

func TestSandboxSessionManager_ReclaimOrphans_IdleTimeout(t *testing.T) {
	m, driver := testManager(config.SandboxPolicyConfig{IdleTimeout: time.Millisecond})
	ctx := context.Background()

	session, err := m.Acquire(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := m.ReclaimOrphans(ctx)
	if err != nil {
		t.Fatalf("ReclaimOrphans() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimOrphans() reclaimed = %d, want 1", n)
	}
	if driver.terminated != 1 {
		t.Errorf("driver.terminated = %d, want 1", driver.terminated)
	}

	m.mu.RLock()
	_, stillLive := m.sessions[session.SandboxID]
	m.mu.RUnlock()
	if stillLive {
		t.Error("expected idle session to be reclaimed")
	}
}

func TestSandboxSessionManager_ReclaimOrphans_NoneExpired(t *testing.T) {
	m, _ := testManager(config.SandboxPolicyConfig{IdleTimeout: time.Hour, MaxDuration: time.Hour})
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	n, err := m.ReclaimOrphans(ctx)
	if err != nil {
		t.Fatalf("ReclaimOrphans() error = %v", err)
	}
	if n != 0 {
		t.Errorf("ReclaimOrphans() reclaimed = %d, want 0", n)
	}
}

func TestNewSandboxSessionManager_Defaults(t *testing.T) {
	m, _ := testManager(config.SandboxPolicyConfig{})
	if m.policy.IdleTimeout != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", m.policy.IdleTimeout)
	}
	if m.policy.MaxDuration != 6*time.Hour {
		t.Errorf("MaxDuration = %v, want 6h", m.policy.MaxDuration)
	}
	if m.policy.MaxPerUser != 3 {
		t.Errorf("MaxPerUser = %d, want 3", m.policy.MaxPerUser)
	}
	if m.policy.ReaperInterval != 5*time.Minute {
		t.Errorf("ReaperInterval = %v, want 5m", m.policy.ReaperInterval)
	}
}
