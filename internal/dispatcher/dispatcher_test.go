package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/agent"
	"github.com/agentcore/agentcore/internal/checkpoint"
	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/quota"
	"github.com/agentcore/agentcore/internal/sessions"
	"github.com/agentcore/agentcore/pkg/models"
)

// scriptedProvider replays one response per call, mirroring the Engine's own
// test double so the Dispatcher can be exercised without a real LLM.
type scriptedProvider struct {
	responses [][]agent.CompletionChunk
	call      int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 10)
	idx := p.call
	p.call++
	go func() {
		defer close(ch)
		if idx >= len(p.responses) {
			return
		}
		for _, c := range p.responses[idx] {
			chunk := c
			ch <- &chunk
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

func newTestDispatcher(t *testing.T, provider agent.LLMProvider) *Dispatcher {
	t.Helper()
	store := sessions.NewMemoryStore()
	checkpoints := checkpoint.NewMemoryStore()

	llmCfg := config.LLMConfig{
		Providers: map[string]config.LLMProviderConfig{
			"anthropic": {APIKey: "system-key"},
		},
	}
	quotaCfg := config.QuotaConfig{}
	arbiter := quota.NewArbiter(quota.NewMemoryCredentialRepository(), quota.NewMemoryQuotaRepository(), nil, llmCfg, quotaCfg)

	runtime := agent.NewAgenticRuntime(provider, store, agent.DefaultLoopConfig())

	agentsCfg := config.AgentsConfig{
		Default: config.AgentBindingConfig{Model: "claude-test", MaxIterations: 4},
	}

	return New(store, checkpoints, arbiter, nil, runtime, agentsCfg, nil)
}

func waitForTerminal(t *testing.T, events <-chan *models.TurnEvent, timeout time.Duration) *models.TurnEvent {
	t.Helper()
	deadline := time.After(timeout)
	var last *models.TurnEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return last
			}
			last = ev
			if ev.Type.IsTerminal() {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for a terminal turn event")
		}
	}
}

func TestDispatcher_StartTurn_NewThreadEmitsSessionCreatedAndDone(t *testing.T) {
	provider := &scriptedProvider{
		responses: [][]agent.CompletionChunk{
			{{Text: "hi there"}, {Done: true}},
		},
	}
	d := newTestDispatcher(t, provider)

	owner := models.Owner{AnonymousID: "anon-1"}
	threadID, events, err := d.StartTurn(context.Background(), owner, "", "", "hello", nil)
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if threadID == "" {
		t.Fatal("expected a newly minted thread id")
	}

	first := <-events
	if first.Type != models.TurnSessionCreated {
		t.Fatalf("first event = %v, want session_created", first.Type)
	}

	final := waitForTerminal(t, events, 2*time.Second)
	if final == nil || final.Type != models.TurnDone {
		t.Fatalf("final event = %+v, want done", final)
	}
}

func TestDispatcher_StartTurn_UnknownThreadIsNotFound(t *testing.T) {
	provider := &scriptedProvider{}
	d := newTestDispatcher(t, provider)

	owner := models.Owner{AnonymousID: "anon-1"}
	_, _, err := d.StartTurn(context.Background(), owner, "missing-thread", "", "hello", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown thread id")
	}
}

func TestDispatcher_StartTurn_WrongOwnerIsDenied(t *testing.T) {
	provider := &scriptedProvider{
		responses: [][]agent.CompletionChunk{{{Text: "ok"}, {Done: true}}},
	}
	d := newTestDispatcher(t, provider)

	owner := models.Owner{AnonymousID: "anon-1"}
	threadID, events, err := d.StartTurn(context.Background(), owner, "", "", "hello", nil)
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	waitForTerminal(t, events, 2*time.Second)

	other := models.Owner{AnonymousID: "anon-2"}
	_, _, err = d.StartTurn(context.Background(), other, threadID, "", "hello again", nil)
	if err == nil {
		t.Fatal("expected a permission error for a mismatched owner")
	}
}

func TestDispatcher_StartTurn_ConcurrentCallsConflict(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{}
	provider.responses = nil
	d := newTestDispatcher(t, provider)
	d.runtime = agent.NewAgenticRuntime(&blockingProvider{block: block}, d.sessions, agent.DefaultLoopConfig())

	owner := models.Owner{AnonymousID: "anon-1"}
	threadID, _, err := d.StartTurn(context.Background(), owner, "", "", "hello", nil)
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	_, events, err := d.StartTurn(context.Background(), owner, threadID, "", "again", nil)
	if err != nil {
		t.Fatalf("second StartTurn() error = %v", err)
	}
	ev := <-events
	if ev.Type != models.TurnError || ev.Data["kind"] != string(models.ErrConflict) {
		t.Fatalf("event = %+v, want a conflict error", ev)
	}
	close(block)
}

// blockingProvider never completes until block is closed, used to hold a
// thread lock open so a concurrent call observes the conflict.
type blockingProvider struct {
	block chan struct{}
}

func (p *blockingProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk)
	go func() {
		defer close(ch)
		select {
		case <-p.block:
		case <-ctx.Done():
		}
		ch <- &agent.CompletionChunk{Done: true}
	}()
	return ch, nil
}

func (p *blockingProvider) Name() string         { return "blocking" }
func (p *blockingProvider) Models() []agent.Model { return nil }
func (p *blockingProvider) SupportsTools() bool   { return false }

func TestDispatcher_ResumeTurn_UnknownCheckpointIsNotFound(t *testing.T) {
	provider := &scriptedProvider{}
	d := newTestDispatcher(t, provider)

	owner := models.Owner{AnonymousID: "anon-1"}
	threadID, events, err := d.StartTurn(context.Background(), owner, "", "", "hello", nil)
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	for range events {
	}

	_, err = d.ResumeTurn(context.Background(), owner, threadID, "missing-checkpoint", DecisionApprove, nil, "")
	if err == nil {
		t.Fatal("expected a not_found error for an unknown checkpoint")
	}
}

func TestTruncateTitle(t *testing.T) {
	short := truncateTitle("hello")
	if short != "hello" {
		t.Errorf("truncateTitle(short) = %q, want %q", short, "hello")
	}

	long := truncateTitle("this is a very long first message that should be truncated down to a shorter title for the thread list view")
	if len([]rune(long)) > maxHistoryForTitle+1 {
		t.Errorf("truncateTitle(long) too long: %q", long)
	}
}
