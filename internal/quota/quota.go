// Package quota implements the LLM Key/Quota Arbiter: credential resolution
// (per-user key or system pool fallback) and atomic per-capability quota
// enforcement ahead of every model call.
package quota

import (
	"context"
	"time"

	"github.com/agentcore/agentcore/pkg/models"
)

// CredentialRepository stores per-user, per-provider encrypted LLM credentials.
type CredentialRepository interface {
	GetCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error)
	PutCredential(ctx context.Context, cred *models.ProviderCredential) error
}

// QuotaRepository tracks per-user, per-capability usage counters and the
// append-only billing log. AtomicCheckAndIncrement must be safe under
// concurrent calls for the same user: it is the one operation the Arbiter's
// correctness depends on.
type QuotaRepository interface {
	// Get returns a user's ledger, or a zero-valued ledger if none exists yet.
	Get(ctx context.Context, userID string) (*models.QuotaLedger, error)

	// AtomicCheckAndIncrement rolls the counter's window if ResetAt has
	// passed, then admits the request only if CurrentUsed+amount <= limit,
	// incrementing atomically with the check. allowed reports the admission
	// decision; counter reflects the ledger state after the call either way.
	AtomicCheckAndIncrement(ctx context.Context, userID string, capability models.Capability, amount, limit int, resetAfter time.Duration) (allowed bool, counter models.QuotaCounter, err error)

	// IncrementTokens adds to the user's rolling monthly token counter.
	IncrementTokens(ctx context.Context, userID string, amount int) error

	// AppendLog records one billable call.
	AppendLog(ctx context.Context, entry *models.UsageLogEntry) error
}

// KeyCipher encrypts/decrypts the plaintext key material inside a
// ProviderCredential. Plaintext only exists transiently during resolution.
type KeyCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
