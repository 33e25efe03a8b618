package quota

import (
	"context"
	"sync"
	"time"

	"github.com/agentcore/agentcore/pkg/models"
)

// ledgerEntry pairs a QuotaLedger with its own lock so AtomicCheckAndIncrement
// only contends with other calls for the same user.
type ledgerEntry struct {
	mu     sync.Mutex
	ledger models.QuotaLedger
}

// MemoryQuotaRepository is the dev/test QuotaRepository backend. Ledger
// creation uses the same double-checked-locking idiom as ratelimit.Limiter's
// getBucket: an RLock'd read first, falling back to a write-locked
// create-if-still-missing.
type MemoryQuotaRepository struct {
	mu      sync.RWMutex
	ledgers map[string]*ledgerEntry
	logs    []*models.UsageLogEntry
}

// NewMemoryQuotaRepository builds an empty in-memory quota repository.
func NewMemoryQuotaRepository() *MemoryQuotaRepository {
	return &MemoryQuotaRepository{
		ledgers: make(map[string]*ledgerEntry),
	}
}

func (r *MemoryQuotaRepository) getEntry(userID string) *ledgerEntry {
	r.mu.RLock()
	entry, ok := r.ledgers[userID]
	r.mu.RUnlock()
	if ok {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok = r.ledgers[userID]; ok {
		return entry
	}
	entry = &ledgerEntry{
		ledger: models.QuotaLedger{
			UserID:   userID,
			Counters: make(map[models.Capability]models.QuotaCounter),
		},
	}
	r.ledgers[userID] = entry
	return entry
}

func (r *MemoryQuotaRepository) Get(ctx context.Context, userID string) (*models.QuotaLedger, error) {
	entry := r.getEntry(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneLedger(&entry.ledger), nil
}

func (r *MemoryQuotaRepository) AtomicCheckAndIncrement(ctx context.Context, userID string, capability models.Capability, amount, limit int, resetAfter time.Duration) (bool, models.QuotaCounter, error) {
	entry := r.getEntry(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	counter := entry.ledger.Counters[capability]
	now := time.Now()
	if counter.ResetAt.IsZero() || !now.Before(counter.ResetAt) {
		counter = models.QuotaCounter{Limit: limit, CurrentUsed: 0, ResetAt: now.Add(resetAfter)}
	}
	if counter.Limit == 0 {
		counter.Limit = limit
	}

	if counter.CurrentUsed+amount > counter.Limit {
		entry.ledger.Counters[capability] = counter
		return false, counter, nil
	}

	counter.CurrentUsed += amount
	entry.ledger.Counters[capability] = counter
	return true, counter, nil
}

func (r *MemoryQuotaRepository) IncrementTokens(ctx context.Context, userID string, amount int) error {
	entry := r.getEntry(userID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.ledger.MonthlyToken += amount
	return nil
}

func (r *MemoryQuotaRepository) AppendLog(ctx context.Context, e *models.UsageLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, e)
	return nil
}

// Logs returns a snapshot of the append-only usage log, for tests.
func (r *MemoryQuotaRepository) Logs() []*models.UsageLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.UsageLogEntry(nil), r.logs...)
}

func cloneLedger(l *models.QuotaLedger) *models.QuotaLedger {
	out := *l
	out.Counters = make(map[models.Capability]models.QuotaCounter, len(l.Counters))
	for k, v := range l.Counters {
		out.Counters[k] = v
	}
	return &out
}

// MemoryCredentialRepository is the dev/test CredentialRepository backend.
type MemoryCredentialRepository struct {
	mu    sync.RWMutex
	creds map[string]*models.ProviderCredential // keyed by userID+"/"+provider
}

// NewMemoryCredentialRepository builds an empty in-memory credential repository.
func NewMemoryCredentialRepository() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{creds: make(map[string]*models.ProviderCredential)}
}

func credentialKey(userID, provider string) string {
	return userID + "/" + provider
}

func (r *MemoryCredentialRepository) GetCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.creds[credentialKey(userID, provider)]
	if !ok {
		return nil, nil
	}
	clone := *cred
	return &clone, nil
}

func (r *MemoryCredentialRepository) PutCredential(ctx context.Context, cred *models.ProviderCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *cred
	r.creds[credentialKey(cred.UserID, cred.Provider)] = &clone
	return nil
}
