package security

import (
	"fmt"
	"strings"

	"github.com/agentcore/agentcore/internal/config"
)

// AuditServerConfig audits the gRPC/HTTP server bind address and the
// authentication and tool-approval configuration that guards it.
func AuditServerConfig(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding

	if cfg == nil {
		return findings
	}

	findings = append(findings, auditServerBind(cfg)...)
	findings = append(findings, auditServerAuth(cfg)...)
	findings = append(findings, auditToolPolicies(cfg)...)

	return findings
}

// auditServerBind flags a server bound to all interfaces without any
// authentication configured.
func auditServerBind(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding

	publicBind := cfg.Server.Host == "0.0.0.0" || cfg.Server.Host == "::"
	if !publicBind {
		return findings
	}

	hasAuth := strings.TrimSpace(cfg.Auth.JWTSecret) != "" || len(cfg.Auth.APIKeys) > 0
	if !hasAuth {
		findings = append(findings, AuditFinding{
			CheckID:     "server.public_bind_no_auth",
			Severity:    SeverityCritical,
			Title:       "Server bound to all interfaces without authentication",
			Detail:      fmt.Sprintf("server.host is %q with no auth.jwt_secret or auth.api_keys configured.", cfg.Server.Host),
			Remediation: "Bind to a loopback/private address or configure auth.jwt_secret and/or auth.api_keys.",
		})
	} else {
		findings = append(findings, AuditFinding{
			CheckID:     "server.public_bind",
			Severity:    SeverityInfo,
			Title:       "Server bound to all interfaces",
			Detail:      fmt.Sprintf("server.host is %q. Authentication is configured.", cfg.Server.Host),
			Remediation: "Confirm this is intentional for your deployment topology.",
		})
	}

	return findings
}

// auditServerAuth flags weak JWT secrets and API keys.
func auditServerAuth(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding

	if secret := strings.TrimSpace(cfg.Auth.JWTSecret); secret != "" && len(secret) < 32 {
		findings = append(findings, AuditFinding{
			CheckID:     "server.weak_jwt_secret",
			Severity:    SeverityCritical,
			Title:       "Weak JWT secret",
			Detail:      fmt.Sprintf("auth.jwt_secret is %d characters; at least 32 is recommended.", len(secret)),
			Remediation: "Generate a random secret of at least 32 bytes and set it via AGENTCORE_JWT_SECRET.",
		})
	}

	for i, key := range cfg.Auth.APIKeys {
		trimmed := strings.TrimSpace(key.Key)
		if trimmed != "" && len(trimmed) < 16 {
			findings = append(findings, AuditFinding{
				CheckID:     "server.weak_api_key",
				Severity:    SeverityWarn,
				Title:       "Weak API key",
				Detail:      fmt.Sprintf("auth.api_keys[%d].key is only %d characters.", i, len(trimmed)),
				Remediation: "Use API keys of at least 16 characters generated from a secure random source.",
			})
		}
	}

	return findings
}

// auditToolPolicies flags overly permissive tool approval configuration,
// since a wildcard allowlist or an "allowed" default bypasses the Tool
// Invoker's HITL approval gate entirely.
func auditToolPolicies(cfg *config.Config) []AuditFinding {
	var findings []AuditFinding

	approval := cfg.Tools.Execution.Approval

	for _, pattern := range approval.Allowlist {
		if pattern == "*" {
			findings = append(findings, AuditFinding{
				CheckID:     "tools.wildcard_allowlist",
				Severity:    SeverityWarn,
				Title:       "Wildcard tool allowlist",
				Detail:      "tools.execution.approval.allowlist contains \"*\", which bypasses HITL approval for every tool.",
				Remediation: "Scope the allowlist to specific tool names or patterns instead of \"*\".",
			})
			break
		}
	}

	if strings.EqualFold(approval.DefaultDecision, "allowed") {
		findings = append(findings, AuditFinding{
			CheckID:     "tools.default_decision_allowed",
			Severity:    SeverityWarn,
			Title:       "Tool approval default is \"allowed\"",
			Detail:      "tools.execution.approval.default_decision is \"allowed\", so unmatched tool calls run without approval.",
			Remediation: "Set default_decision to \"pending\" or \"denied\" unless every tool is explicitly allowlisted.",
		})
	}

	if cfg.Tools.Elevated.Enabled != nil && *cfg.Tools.Elevated.Enabled && len(cfg.Tools.Elevated.Tools) == 0 {
		findings = append(findings, AuditFinding{
			CheckID:     "tools.elevated_enabled_unscoped",
			Severity:    SeverityWarn,
			Title:       "Elevated tool execution enabled without a tool allowlist",
			Detail:      "tools.elevated.enabled is true but tools.elevated.tools is empty.",
			Remediation: "List the specific tool patterns elevated callers may bypass approval for.",
		})
	}

	return findings
}
