// Package system provides system-level tools for health, usage, and diagnostics.
package system

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentcore/agentcore/internal/agent"
)

// ThreadStats summarizes checkpoint/thread activity across the Checkpointer.
type ThreadStats struct {
	TotalThreads      int            `json:"total_threads"`
	TotalCheckpoints  int            `json:"total_checkpoints"`
	ActiveSandboxes   int            `json:"active_sandboxes"`
	InterruptedTurns  int            `json:"interrupted_turns"`
	ByAgentBinding    map[string]int `json:"by_agent_binding"`
}

// DiagnosticProvider supplies the runtime counters reported by DiagnosticTool.
type DiagnosticProvider interface {
	GetThreadStats() ThreadStats
	GetQuotaPressure() (usersNearLimit int, usersOverLimit int, err error)
}

// DiagnosticTool provides diagnostic information to the agent.
type DiagnosticTool struct {
	provider DiagnosticProvider
}

// NewDiagnosticTool creates a new diagnostic tool.
func NewDiagnosticTool(provider DiagnosticProvider) *DiagnosticTool {
	return &DiagnosticTool{provider: provider}
}

// Name returns the tool name.
func (t *DiagnosticTool) Name() string { return "system_diagnostic" }

// Description returns the tool description.
func (t *DiagnosticTool) Description() string {
	return "Get system diagnostic information including thread/checkpoint stats and quota pressure."
}

// Schema returns the JSON schema for the tool parameters.
func (t *DiagnosticTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"section": map[string]interface{}{
				"type":        "string",
				"description": "Diagnostic section: 'threads', 'quota', or 'all' (default).",
				"default":     "all",
			},
		},
		"required": []string{},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute retrieves diagnostic information.
func (t *DiagnosticTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.provider == nil {
		return toolError("diagnostic provider unavailable"), nil
	}

	var input struct {
		Section string `json:"section"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	section := input.Section
	if section == "" {
		section = "all"
	}

	result := make(map[string]interface{})

	if section == "all" || section == "threads" {
		stats := t.provider.GetThreadStats()
		result["threads"] = map[string]interface{}{
			"total_threads":     stats.TotalThreads,
			"total_checkpoints": stats.TotalCheckpoints,
			"active_sandboxes":  stats.ActiveSandboxes,
			"interrupted_turns": stats.InterruptedTurns,
			"by_agent_binding":  stats.ByAgentBinding,
		}
	}

	if section == "all" || section == "quota" {
		nearLimit, overLimit, err := t.provider.GetQuotaPressure()
		if err != nil {
			result["quota"] = map[string]interface{}{
				"error": err.Error(),
			}
		} else {
			result["quota"] = map[string]interface{}{
				"users_near_limit": nearLimit,
				"users_over_limit": overLimit,
			}
		}
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &agent.ToolResult{Content: string(encoded)}, nil
}
