package quota

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/core"
	"github.com/agentcore/agentcore/pkg/models"
)

// Arbiter resolves which LLM credential a turn should use and enforces the
// per-user, per-capability quota ahead of every model call. It sits between
// the Dispatcher and the Engine: the Dispatcher installs its ResolveCredential
// result into the request context via agent.WithAPIKeyResolver, and calls
// CheckQuota before streaming a turn.
type Arbiter struct {
	credentials  CredentialRepository
	usage        QuotaRepository
	cipher       KeyCipher
	systemKeys   map[string]config.LLMProviderConfig
	capabilities map[string]config.QuotaCapabilityConfig
}

// NewArbiter builds an Arbiter from its repositories and the static system
// credential pool / capability limits loaded from config.
func NewArbiter(credentials CredentialRepository, usage QuotaRepository, cipher KeyCipher, llmCfg config.LLMConfig, quotaCfg config.QuotaConfig) *Arbiter {
	return &Arbiter{
		credentials:  credentials,
		usage:        usage,
		cipher:       cipher,
		systemKeys:   llmCfg.Providers,
		capabilities: quotaCfg.Capabilities,
	}
}

// ResolveCredential returns the key a turn should authenticate with: the
// user's own credential for provider if one is active, falling back to the
// system pool's configured key. Returns a no_key_configured *core.Error when
// neither is available.
func (a *Arbiter) ResolveCredential(ctx context.Context, userID, provider string) (*models.ResolvedCredential, error) {
	if a.credentials != nil {
		cred, err := a.credentials.GetCredential(ctx, userID, provider)
		if err != nil {
			return nil, core.Wrap(models.ErrInternal, "load provider credential", err)
		}
		if cred != nil && cred.IsActive {
			key := string(cred.EncryptedKey)
			if a.cipher != nil {
				plain, err := a.cipher.Decrypt(cred.EncryptedKey)
				if err != nil {
					return nil, core.Wrap(models.ErrInternal, "decrypt provider credential", err)
				}
				key = string(plain)
			}
			return &models.ResolvedCredential{Key: key, APIBase: cred.APIBase, Source: models.KeySourceUser}, nil
		}
	}

	if sys, ok := a.systemKeys[provider]; ok && sys.APIKey != "" {
		return &models.ResolvedCredential{Key: sys.APIKey, APIBase: sys.BaseURL, Source: models.KeySourceSystem}, nil
	}

	return nil, core.New(models.ErrNoKeyConfigured, "no credential configured for provider "+provider)
}

// StoreCredential encrypts and persists a user-supplied provider credential.
func (a *Arbiter) StoreCredential(ctx context.Context, userID, provider, plaintextKey, apiBase string) error {
	encrypted := []byte(plaintextKey)
	if a.cipher != nil {
		var err error
		encrypted, err = a.cipher.Encrypt([]byte(plaintextKey))
		if err != nil {
			return core.Wrap(models.ErrInternal, "encrypt provider credential", err)
		}
	}
	return a.credentials.PutCredential(ctx, &models.ProviderCredential{
		UserID:       userID,
		Provider:     provider,
		EncryptedKey: encrypted,
		APIBase:      apiBase,
		IsActive:     true,
	})
}

// CheckQuota admits or rejects one capability call of the given size. On
// rejection it returns a quota_exceeded *core.Error carrying the capability,
// limit, used, and reset_at fields the error taxonomy requires.
func (a *Arbiter) CheckQuota(ctx context.Context, userID string, capability models.Capability, amount int) error {
	capCfg, ok := a.capabilities[string(capability)]
	if !ok {
		// No configured limit for this capability: nothing to enforce.
		return nil
	}

	allowed, counter, err := a.usage.AtomicCheckAndIncrement(ctx, userID, capability, amount, int(capCfg.Limit), capCfg.ResetAfter)
	if err != nil {
		return core.Wrap(models.ErrInternal, "check quota", err)
	}
	if !allowed {
		return core.New(models.ErrQuotaExceeded, "quota exceeded for capability "+string(capability)).
			WithExtra("capability", string(capability)).
			WithExtra("limit", counter.Limit).
			WithExtra("used", counter.CurrentUsed).
			WithExtra("reset_at", counter.ResetAt)
	}
	return nil
}

// Account records one completed call: appends the billing/audit log entry
// and rolls the user's monthly token counter forward. Called after a model
// call completes, regardless of CheckQuota's earlier admission (quota
// enforcement and usage accounting are separate concerns).
func (a *Arbiter) Account(ctx context.Context, userID string, capability models.Capability, provider, model string, source models.KeySource, inputTokens, outputTokens int, estCostUSD float64) error {
	entry := &models.UsageLogEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Capability:   capability,
		Provider:     provider,
		Model:        model,
		KeySource:    source,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		EstCostUSD:   estCostUSD,
		CreatedAt:    time.Now(),
	}
	if err := a.usage.AppendLog(ctx, entry); err != nil {
		return core.Wrap(models.ErrInternal, "append usage log", err)
	}
	return a.usage.IncrementTokens(ctx, userID, inputTokens+outputTokens)
}
