package models

import "time"

// ThreadStatus tracks the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Owner identifies the principal that created a Thread. Exactly one of
// RegisteredUserID or AnonymousID is set.
type Owner struct {
	RegisteredUserID string `json:"registered_user_id,omitempty"`
	AnonymousID      string `json:"anonymous_id,omitempty"`
}

// IsRegistered reports whether the owner is a registered principal rather
// than an anonymous cookie identity.
func (o Owner) IsRegistered() bool {
	return o.RegisteredUserID != ""
}

// Valid reports whether exactly one of the two owner variants is set.
func (o Owner) Valid() bool {
	return (o.RegisteredUserID != "") != (o.AnonymousID != "")
}

// DefaultTitle is patched onto a Session at creation time; TitleIsAutogenerated
// stays true until the title job overwrites it.
const DefaultTitle = "New conversation"

// NewThreadSession constructs a Session (a Thread, in turn-dispatcher terms)
// ready for its first turn.
func NewThreadSession(id string, owner Owner, agentBinding string, now time.Time) *Session {
	return &Session{
		ID:                   id,
		AgentID:              agentBinding,
		Owner:                owner,
		Title:                DefaultTitle,
		Status:               ThreadActive,
		TitleIsAutogenerated: true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// ThreadConfig is the immutable per-turn binding resolved once by the
// Dispatcher: which agent persona, model, and tool surface governs a turn.
type ThreadConfig struct {
	AgentBinding      string        `json:"agent_binding"`
	SystemPrompt      string        `json:"system_prompt,omitempty"`
	Model             string        `json:"model"`
	Temperature       float64       `json:"temperature"`
	MaxTokens         int           `json:"max_tokens"`
	MaxIterations     int           `json:"max_iterations"`
	EnabledTools      []string      `json:"enabled_tools,omitempty"`
	EnabledMCPServers []string      `json:"enabled_mcp_servers,omitempty"`
	ModelTimeout      time.Duration `json:"model_timeout,omitempty"`
}

// AgentStatus tracks where an Engine run currently sits in its state machine.
type AgentStatus string

const (
	AgentRunning     AgentStatus = "running"
	AgentInterrupted AgentStatus = "interrupted"
	AgentCompleted   AgentStatus = "completed"
	AgentFailed      AgentStatus = "failed"
)

// PendingToolCall is an assistant tool call awaiting human approval.
type PendingToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input []byte          `json:"input"`
}

// AgentState is the Engine's persisted state, the payload carried by every Checkpoint.
type AgentState struct {
	Messages        []Message          `json:"messages"`
	Iteration       int                `json:"iteration"`
	Status          AgentStatus        `json:"status"`
	TotalTokens     int                `json:"total_tokens"`
	InterruptReason *PendingToolCall   `json:"interrupt_reason,omitempty"`
	ToolResults     []ToolResult       `json:"tool_results,omitempty"`
}

// Checkpoint is a durable snapshot of AgentState after one reason/act step.
type Checkpoint struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id"`
	Step      int        `json:"step"`
	ParentID  string     `json:"parent_id,omitempty"`
	BranchID  string     `json:"branch_id"`
	State     AgentState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// CheckpointDiff summarizes the delta between two checkpoints of the same thread.
type CheckpointDiff struct {
	MessagesAdded  int         `json:"messages_added"`
	TokensDelta    int         `json:"tokens_delta"`
	IterationDelta int         `json:"iteration_delta"`
	StatusFrom     AgentStatus `json:"status_from"`
	StatusTo       AgentStatus `json:"status_to"`
}

// SandboxState tracks the lifecycle of a long-lived per-thread sandbox.
type SandboxState string

const (
	SandboxStarting  SandboxState = "starting"
	SandboxActive    SandboxState = "active"
	SandboxIdle      SandboxState = "idle"
	SandboxEvicted   SandboxState = "evicted"
	SandboxTerminated SandboxState = "terminated"
)

// SandboxSession is a live isolated runtime bound to exactly one thread.
type SandboxSession struct {
	SandboxID         string       `json:"sandbox_id"`
	ThreadID          string       `json:"thread_id"`
	UserID            string       `json:"user_id"`
	State             SandboxState `json:"state"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivity      time.Time    `json:"last_activity"`
	InstalledPackages []string     `json:"installed_packages,omitempty"`
	CreatedFiles      []string     `json:"created_files,omitempty"`
}

// SandboxHistory survives session eviction so a recreated session can be
// re-populated with the packages/files a prior session accumulated.
type SandboxHistory struct {
	ThreadID          string   `json:"thread_id"`
	InstalledPackages []string `json:"installed_packages,omitempty"`
	CreatedFiles      []string `json:"created_files,omitempty"`
	LastCleanupReason string   `json:"last_cleanup_reason,omitempty"`
}

// Capability is a billable unit of LLM usage tracked by the quota ledger.
type Capability string

const (
	CapabilityText      Capability = "text"
	CapabilityImage     Capability = "image"
	CapabilityEmbedding Capability = "embedding"
)

// QuotaCounter is one capability's rolling-window usage counter.
type QuotaCounter struct {
	Limit       int       `json:"limit"`
	CurrentUsed int       `json:"current_used"`
	ResetAt     time.Time `json:"reset_at"`
}

// QuotaLedger holds a user's per-capability counters plus a rolling monthly
// token counter, mutated atomically by the Arbiter.
type QuotaLedger struct {
	UserID       string                     `json:"user_id"`
	Counters     map[Capability]QuotaCounter `json:"counters"`
	MonthlyToken int                        `json:"monthly_token"`
}

// KeySource records whether a credential came from the user or the system pool.
type KeySource string

const (
	KeySourceUser   KeySource = "user"
	KeySourceSystem KeySource = "system"
)

// ProviderCredential is a per-user encrypted LLM key. EncryptedKey is opaque
// to every layer above the Arbiter; plaintext never leaves credential
// resolution.
type ProviderCredential struct {
	UserID       string `json:"user_id"`
	Provider     string `json:"provider"`
	EncryptedKey []byte `json:"encrypted_key"`
	APIBase      string `json:"api_base,omitempty"`
	IsActive     bool   `json:"is_active"`
}

// ResolvedCredential is what the Arbiter hands back to the Engine: a
// plaintext key valid for the lifetime of one model call.
type ResolvedCredential struct {
	Key     string
	APIBase string
	Source  KeySource
}

// UsageLogEntry is an append-only per-call billing/audit record.
type UsageLogEntry struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Capability   Capability `json:"capability"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	KeySource    KeySource  `json:"key_source"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	EstCostUSD   float64    `json:"est_cost_usd"`
	CreatedAt    time.Time  `json:"created_at"`
}
