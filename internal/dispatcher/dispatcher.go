// Package dispatcher implements the turn dispatcher: the single entrypoint
// that turns one inbound user message (start_turn) or one human decision on
// a paused tool call (resume_turn) into a stream of TurnEvents. It owns
// thread lookup/creation, per-thread serialization, credential/quota
// arbitration ahead of every model call, and background title generation.
// It never touches the Engine's internals directly — only its public
// Process surface (agent.AgenticRuntime) and context helpers.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/internal/agent"
	"github.com/agentcore/agentcore/internal/checkpoint"
	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/core"
	"github.com/agentcore/agentcore/internal/jobs"
	"github.com/agentcore/agentcore/internal/quota"
	"github.com/agentcore/agentcore/internal/sessions"
	"github.com/agentcore/agentcore/internal/tools/sandbox"
	"github.com/agentcore/agentcore/pkg/models"
)

// maxHistoryForTitle bounds how much of the first user message feeds the
// fallback (non-LLM) title truncation.
const maxHistoryForTitle = 60

// ResumeDecision is what a human decided about a paused tool call.
type ResumeDecision string

const (
	DecisionApprove ResumeDecision = "approve"
	DecisionDeny    ResumeDecision = "deny"
	DecisionModify  ResumeDecision = "modify"
)

// Dispatcher wires together thread storage, the Quota/Credential Arbiter,
// the sandbox session manager, and the agentic Engine behind start_turn and
// resume_turn.
type Dispatcher struct {
	sessions  sessions.Store
	checkpts  checkpoint.Store
	arbiter   *quota.Arbiter
	sandboxes *sandbox.SandboxSessionManager
	runtime   *agent.AgenticRuntime
	agents    config.AgentsConfig
	jobStore  jobs.Store

	locks  sync.Mutex
	locked map[string]struct{}

	jobSem chan struct{}
}

// New builds a Dispatcher. sandboxes and jobStore may be nil — sandbox
// tool calls and title generation are then simply unavailable.
func New(store sessions.Store, checkpoints checkpoint.Store, arbiter *quota.Arbiter, sandboxes *sandbox.SandboxSessionManager, runtime *agent.AgenticRuntime, agents config.AgentsConfig, jobStore jobs.Store) *Dispatcher {
	return &Dispatcher{
		sessions:  store,
		checkpts:  checkpoints,
		arbiter:   arbiter,
		sandboxes: sandboxes,
		runtime:   runtime,
		agents:    agents,
		jobStore:  jobStore,
		locked:    make(map[string]struct{}),
		jobSem:    make(chan struct{}, 4),
	}
}

func (d *Dispatcher) tryLockThread(threadID string) bool {
	d.locks.Lock()
	defer d.locks.Unlock()
	if _, ok := d.locked[threadID]; ok {
		return false
	}
	d.locked[threadID] = struct{}{}
	return true
}

func (d *Dispatcher) unlockThread(threadID string) {
	d.locks.Lock()
	defer d.locks.Unlock()
	delete(d.locked, threadID)
}

// StartTurn begins a new turn: threadID may be empty to create a fresh
// thread. agentBinding overrides the thread's default binding when the
// thread is new. Returns the thread id (freshly minted if threadID was
// empty) and the event stream for this turn.
func (d *Dispatcher) StartTurn(ctx context.Context, owner models.Owner, threadID, agentBinding, userMessage string, attachments []models.Attachment) (string, <-chan *models.TurnEvent, error) {
	isNew := threadID == ""
	var session *models.Session
	var err error

	if isNew {
		session = models.NewThreadSession(uuid.NewString(), owner, agentBinding, time.Now())
		if err = d.sessions.Create(ctx, session); err != nil {
			return "", nil, core.Wrap(models.ErrInternal, "create thread", err)
		}
	} else {
		session, err = d.sessions.Get(ctx, threadID)
		if err != nil {
			return "", nil, core.Wrap(models.ErrNotFound, "load thread", err)
		}
		if session == nil {
			return "", nil, core.New(models.ErrNotFound, "thread not found: "+threadID)
		}
		if !ownerMatches(session.Owner, owner) {
			return "", nil, core.New(models.ErrPermissionDenied, "thread does not belong to caller")
		}
	}

	if !d.tryLockThread(session.ID) {
		return session.ID, singleEvent(models.NewError(models.ErrConflict, "a turn is already in progress on this thread", nil)), nil
	}

	msg := &models.Message{
		SessionID:   session.ID,
		Role:        models.RoleUser,
		Content:     userMessage,
		Direction:   models.DirectionInbound,
		Attachments: attachments,
	}

	out := make(chan *models.TurnEvent, 16)
	go func() {
		defer d.unlockThread(session.ID)
		defer close(out)

		if isNew {
			out <- models.NewSessionCreated(session.ID)
		}

		tc := d.resolveThreadConfig(session, agentBinding)
		runCtx := d.installTurnContext(ctx, session, tc)

		ownerID := ownerID(session.Owner)
		if d.arbiter != nil {
			if err := d.arbiter.CheckQuota(runCtx, ownerID, models.CapabilityText, 1); err != nil {
				out <- errorEvent(err)
				return
			}
		}

		chunks, err := d.runtime.Process(runCtx, session, msg)
		if err != nil {
			out <- errorEvent(err)
			return
		}

		d.pump(runCtx, session, chunks, out)

		if isNew {
			d.queueTitleJob(session, userMessage)
		}
	}()

	return session.ID, out, nil
}

// ResumeTurn applies a human decision to a tool call that was paused at
// checkpointID and continues the turn. modifiedInput is only used when
// decision is DecisionModify.
func (d *Dispatcher) ResumeTurn(ctx context.Context, owner models.Owner, threadID, checkpointID string, decision ResumeDecision, modifiedInput []byte, reason string) (<-chan *models.TurnEvent, error) {
	session, err := d.sessions.Get(ctx, threadID)
	if err != nil {
		return nil, core.Wrap(models.ErrNotFound, "load thread", err)
	}
	if session == nil {
		return nil, core.New(models.ErrNotFound, "thread not found: "+threadID)
	}
	if !ownerMatches(session.Owner, owner) {
		return nil, core.New(models.ErrPermissionDenied, "thread does not belong to caller")
	}

	cp, err := d.checkpts.Load(ctx, checkpointID)
	if err != nil {
		return nil, core.Wrap(models.ErrNotFound, "load checkpoint", err)
	}
	if cp.ThreadID != threadID {
		return nil, core.New(models.ErrNotFound, "checkpoint does not belong to thread")
	}
	if cp.State.InterruptReason == nil {
		return nil, core.New(models.ErrConflict, "checkpoint has no pending tool call")
	}

	if !d.tryLockThread(session.ID) {
		return singleEvent(models.NewError(models.ErrConflict, "a turn is already in progress on this thread", nil)), nil
	}

	pending := *cp.State.InterruptReason
	msg := resumeDecisionMessage(session.ID, pending, decision, modifiedInput, reason)

	out := make(chan *models.TurnEvent, 16)
	go func() {
		defer d.unlockThread(session.ID)
		defer close(out)

		tc := d.resolveThreadConfig(session, "")
		runCtx := d.installTurnContext(ctx, session, tc)

		ownerID := ownerID(session.Owner)
		if d.arbiter != nil {
			if err := d.arbiter.CheckQuota(runCtx, ownerID, models.CapabilityText, 1); err != nil {
				out <- errorEvent(err)
				return
			}
		}

		chunks, err := d.runtime.Process(runCtx, session, msg)
		if err != nil {
			out <- errorEvent(err)
			return
		}

		d.pump(runCtx, session, chunks, out)
	}()

	return out, nil
}

// resolveThreadConfig binds a thread to the named agent binding (falling
// back to the thread's own binding, then the configured default).
func (d *Dispatcher) resolveThreadConfig(session *models.Session, override string) models.ThreadConfig {
	name := override
	if name == "" {
		name = session.AgentID
	}

	binding := d.agents.Default
	if name != "" {
		if b, ok := d.agents.Bindings[name]; ok {
			binding = b
		}
	}
	if name == "" {
		name = "default"
	}

	return models.ThreadConfig{
		AgentBinding:      name,
		SystemPrompt:      binding.SystemPrompt,
		Model:             binding.Model,
		Temperature:       binding.Temperature,
		MaxTokens:         binding.MaxTokens,
		MaxIterations:     binding.MaxIterations,
		EnabledTools:      binding.EnabledTools,
		EnabledMCPServers: binding.EnabledMCPServers,
	}
}

func (d *Dispatcher) installTurnContext(ctx context.Context, session *models.Session, tc models.ThreadConfig) context.Context {
	runCtx := ctx
	if tc.SystemPrompt != "" {
		runCtx = agent.WithSystemPrompt(runCtx, tc.SystemPrompt)
	}
	if tc.Model != "" {
		runCtx = agent.WithModel(runCtx, tc.Model)
	}
	if d.arbiter != nil {
		ownerID := ownerID(session.Owner)
		runCtx = agent.WithAPIKeyResolver(runCtx, func(ctx context.Context, provider string) (string, error) {
			cred, err := d.arbiter.ResolveCredential(ctx, ownerID, provider)
			if err != nil {
				return "", err
			}
			return cred.Key, nil
		})
	}
	return runCtx
}

// pump translates one Engine run's ResponseChunk stream into TurnEvents,
// persisting an interrupt checkpoint the moment a tool call needs approval.
// Once an interrupt is emitted the Engine run is left to finish on its own
// (it resolves the pending approval internally and keeps going); pump
// drains the remaining chunks without translating them so the Engine
// goroutine never blocks on a full channel.
func (d *Dispatcher) pump(ctx context.Context, session *models.Session, chunks <-chan *agent.ResponseChunk, out chan<- *models.TurnEvent) {
	var text strings.Builder
	interrupted := false
	step := 0

	for chunk := range chunks {
		if interrupted {
			continue
		}

		if chunk.Error != nil {
			out <- errorEvent(chunk.Error)
			return
		}

		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			out <- models.NewTokenDelta(chunk.Text)
		}

		if chunk.ToolEvent != nil {
			ev := chunk.ToolEvent
			switch ev.Stage {
			case models.ToolEventStarted:
				out <- models.NewTurnToolCall(ev.ToolCallID, ev.ToolName, ev.Input)
			case models.ToolEventSucceeded:
				out <- models.NewTurnToolResult(ev.ToolCallID, true, ev.Output, "")
			case models.ToolEventFailed, models.ToolEventDenied:
				out <- models.NewTurnToolResult(ev.ToolCallID, false, "", ev.Error)
			case models.ToolEventApprovalRequired:
				step++
				state := models.AgentState{
					Messages:    nil,
					Iteration:   step,
					Status:      models.AgentInterrupted,
					TotalTokens: 0,
					InterruptReason: &models.PendingToolCall{
						ID:    ev.ToolCallID,
						Name:  ev.ToolName,
						Input: ev.Input,
					},
				}
				cp, err := d.checkpts.Save(ctx, session.ID, step, "", "", state)
				if err != nil {
					out <- errorEvent(core.Wrap(models.ErrInternal, "save interrupt checkpoint", err))
					interrupted = true
					continue
				}
				out <- models.NewInterrupt(cp.ID, []models.PendingToolCall{*state.InterruptReason})
				interrupted = true
			}
		}
	}

	if !interrupted {
		final := models.Message{
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   text.String(),
			CreatedAt: time.Now(),
		}
		out <- models.NewDone(final)
	}
}

func (d *Dispatcher) queueTitleJob(session *models.Session, firstMessage string) {
	title := truncateTitle(firstMessage)
	if title == "" {
		return
	}

	run := func() {
		session.Title = title
		session.TitleIsAutogenerated = false
		session.UpdatedAt = time.Now()
		_ = d.sessions.Update(context.Background(), session)
	}

	select {
	case d.jobSem <- struct{}{}:
		go func() {
			defer func() { <-d.jobSem }()
			run()
		}()
	default:
		go run()
	}
}

func truncateTitle(message string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= maxHistoryForTitle {
		return trimmed
	}
	return strings.TrimSpace(trimmed[:maxHistoryForTitle]) + "…"
}

func resumeDecisionMessage(sessionID string, pending models.PendingToolCall, decision ResumeDecision, modifiedInput []byte, reason string) *models.Message {
	var content string
	switch decision {
	case DecisionApprove:
		content = fmt.Sprintf("tool %s (%s) approved", pending.Name, pending.ID)
	case DecisionDeny:
		content = fmt.Sprintf("tool %s (%s) denied: %s", pending.Name, pending.ID, reason)
	case DecisionModify:
		content = fmt.Sprintf("tool %s (%s) approved with modified input: %s", pending.Name, pending.ID, string(modifiedInput))
	}
	return &models.Message{
		SessionID: sessionID,
		Role:      models.RoleTool,
		Content:   content,
		Direction: models.DirectionInbound,
		ToolResults: []models.ToolResult{{
			ToolCallID: pending.ID,
			Content:    content,
			IsError:    decision == DecisionDeny,
		}},
	}
}

func singleEvent(ev *models.TurnEvent) <-chan *models.TurnEvent {
	ch := make(chan *models.TurnEvent, 1)
	ch <- ev
	close(ch)
	return ch
}

func errorEvent(err error) *models.TurnEvent {
	return core.AsEvent(err)
}

func ownerMatches(a, b models.Owner) bool {
	if a.IsRegistered() || b.IsRegistered() {
		return a.RegisteredUserID == b.RegisteredUserID
	}
	return a.AnonymousID == b.AnonymousID
}

func ownerID(o models.Owner) string {
	if o.IsRegistered() {
		return o.RegisteredUserID
	}
	return o.AnonymousID
}
