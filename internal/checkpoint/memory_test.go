package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/agentcore/pkg/models"
)

func TestMemoryStoreSaveLoadLatest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := models.AgentState{Iteration: 1, Status: models.AgentRunning, TotalTokens: 42}
	cp, err := store.Save(ctx, "thread-1", 0, "", "", state)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if cp.BranchID != DefaultBranch {
		t.Fatalf("expected default branch, got %q", cp.BranchID)
	}

	loaded, err := store.Load(ctx, cp.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State.TotalTokens != 42 {
		t.Fatalf("expected 42 tokens, got %d", loaded.State.TotalTokens)
	}

	state2 := models.AgentState{Iteration: 2, Status: models.AgentCompleted, TotalTokens: 88}
	if _, err := store.Save(ctx, "thread-1", 1, cp.ID, "", state2); err != nil {
		t.Fatalf("save step 2: %v", err)
	}

	latest, err := store.Latest(ctx, "thread-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Step != 1 {
		t.Fatalf("expected latest step 1, got %d", latest.Step)
	}
}

func TestMemoryStoreLoadNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Load(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreHistoryOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Save(ctx, "thread-2", i, "", "", models.AgentState{Iteration: i}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	history, err := store.History(ctx, "thread-2", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Step != 2 || history[1].Step != 1 {
		t.Fatalf("expected steps [2,1], got [%d,%d]", history[0].Step, history[1].Step)
	}
}

func TestMemoryStoreDeleteThread(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	cp, err := store.Save(ctx, "thread-3", 0, "", "", models.AgentState{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.DeleteThread(ctx, "thread-3"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	if _, err := store.Load(ctx, cp.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	latest, err := store.Latest(ctx, "thread-3")
	if err != nil {
		t.Fatalf("latest after delete: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil latest after delete, got %+v", latest)
	}
}

func TestMemoryStoreEvictKeepsRecent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		cp, err := store.Save(ctx, "thread-4", i, "", "", models.AgentState{Iteration: i})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		store.mu.Lock()
		store.byID[cp.ID].CreatedAt = old
		store.mu.Unlock()
	}

	evicted, err := store.Evict(ctx, time.Now(), 2)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 3 {
		t.Fatalf("expected 3 evicted, got %d", evicted)
	}

	history, err := store.History(ctx, "thread-4", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 surviving checkpoints, got %d", len(history))
	}
	if history[0].Step != 4 || history[1].Step != 3 {
		t.Fatalf("expected steps [4,3] to survive, got [%d,%d]", history[0].Step, history[1].Step)
	}
}

func TestDiff(t *testing.T) {
	a := &models.Checkpoint{State: models.AgentState{Messages: []models.Message{{}}, TotalTokens: 10, Iteration: 1, Status: models.AgentRunning}}
	b := &models.Checkpoint{State: models.AgentState{Messages: []models.Message{{}, {}}, TotalTokens: 25, Iteration: 2, Status: models.AgentCompleted}}

	d := Diff(a, b)
	if d.MessagesAdded != 1 {
		t.Fatalf("expected 1 message added, got %d", d.MessagesAdded)
	}
	if d.TokensDelta != 15 {
		t.Fatalf("expected 15 token delta, got %d", d.TokensDelta)
	}
	if d.StatusFrom != models.AgentRunning || d.StatusTo != models.AgentCompleted {
		t.Fatalf("unexpected status transition: %+v", d)
	}
}
