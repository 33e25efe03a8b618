package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/pkg/models"
)

// MemoryStore is the dev/test Checkpointer backend: fast, unbounded by
// default, lost on restart.
type MemoryStore struct {
	mu          sync.Mutex
	byID        map[string]*models.Checkpoint
	byThread    map[string][]*models.Checkpoint // ordered by step ascending
}

// NewMemoryStore builds an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*models.Checkpoint),
		byThread: make(map[string][]*models.Checkpoint),
	}
}

func cloneCheckpoint(c *models.Checkpoint) *models.Checkpoint {
	out := *c
	out.State.Messages = append([]models.Message(nil), c.State.Messages...)
	out.State.ToolResults = append([]models.ToolResult(nil), c.State.ToolResults...)
	if c.State.InterruptReason != nil {
		ir := *c.State.InterruptReason
		out.State.InterruptReason = &ir
	}
	return &out
}

func (m *MemoryStore) Save(ctx context.Context, threadID string, step int, parentID, branchID string, state models.AgentState) (*models.Checkpoint, error) {
	if branchID == "" {
		branchID = DefaultBranch
	}
	cp := &models.Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Step:      step,
		ParentID:  parentID,
		BranchID:  branchID,
		State:     state,
		CreatedAt: time.Now(),
	}
	stored := cloneCheckpoint(cp)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[stored.ID] = stored
	m.byThread[threadID] = append(m.byThread[threadID], stored)
	return cloneCheckpoint(stored), nil
}

func (m *MemoryStore) Load(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byID[checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

func (m *MemoryStore) Latest(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byThread[threadID]
	if len(list) == 0 {
		return nil, nil
	}
	return cloneCheckpoint(list[len(list)-1]), nil
}

func (m *MemoryStore) History(ctx context.Context, threadID string, limit int) ([]*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byThread[threadID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*models.Checkpoint, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneCheckpoint(list[i]))
	}
	return out, nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.byThread[threadID] {
		delete(m.byID, cp.ID)
	}
	delete(m.byThread, threadID)
	return nil
}

func (m *MemoryStore) Evict(ctx context.Context, olderThan time.Time, keepPerThread int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted int64
	for threadID, list := range m.byThread {
		sort.Slice(list, func(i, j int) bool { return list[i].Step < list[j].Step })
		keepFrom := len(list) - keepPerThread
		survivors := make([]*models.Checkpoint, 0, len(list))
		for i, cp := range list {
			keptByRecency := i >= keepFrom
			keptByAge := cp.CreatedAt.After(olderThan)
			if keptByRecency || keptByAge {
				survivors = append(survivors, cp)
				continue
			}
			delete(m.byID, cp.ID)
			evicted++
		}
		m.byThread[threadID] = survivors
	}
	return evicted, nil
}

// marshalState is exported for backends (and tests) that need to round-trip
// AgentState through a blob column.
func marshalState(state models.AgentState) ([]byte, error) {
	return json.Marshal(state)
}

func unmarshalState(data []byte) (models.AgentState, error) {
	var state models.AgentState
	if len(data) == 0 {
		return state, nil
	}
	err := json.Unmarshal(data, &state)
	return state, err
}
