package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentcore/agentcore/internal/config"
)

func TestRunAudit_FilesystemWorldWritableStateDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o777); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}

	report, err := RunAudit(AuditOptions{
		StateDir:          dir,
		IncludeFilesystem: true,
	})
	if err != nil {
		t.Fatalf("RunAudit() error = %v", err)
	}

	if !hasCheckID(report.Findings, "fs.state_dir_world_writable") {
		t.Errorf("expected fs.state_dir_world_writable finding, got %+v", report.Findings)
	}
	if !report.HasCritical() {
		t.Error("expected report.HasCritical() to be true")
	}
}

func TestRunAudit_ConfigFileWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	if err := os.WriteFile(path, []byte("server:\n  host: 127.0.0.1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	report, err := RunAudit(AuditOptions{
		ConfigPath:        path,
		IncludeFilesystem: true,
	})
	if err != nil {
		t.Fatalf("RunAudit() error = %v", err)
	}

	if !hasCheckID(report.Findings, "fs.config_world_readable") {
		t.Errorf("expected fs.config_world_readable finding, got %+v", report.Findings)
	}
}

func TestRunAudit_Server(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "0.0.0.0"},
	}

	report, err := RunAudit(AuditOptions{
		Config:        cfg,
		IncludeServer: true,
	})
	if err != nil {
		t.Fatalf("RunAudit() error = %v", err)
	}

	if !hasCheckID(report.Findings, "server.public_bind_no_auth") {
		t.Errorf("expected server.public_bind_no_auth finding, got %+v", report.Findings)
	}
}

func TestRunAudit_ConfigContent(t *testing.T) {
	cfg := &config.Config{
		LLM: config.LLMConfig{
			Providers: map[string]config.LLMProviderConfig{
				"openai": {APIKey: "sk-abcdefghijklmnopqrstuvwx"},
			},
		},
	}

	report, err := RunAudit(AuditOptions{
		Config:        cfg,
		IncludeConfig: true,
	})
	if err != nil {
		t.Fatalf("RunAudit() error = %v", err)
	}

	if !hasCheckID(report.Findings, "config.hardcoded_api_key.openai") {
		t.Errorf("expected config.hardcoded_api_key.openai finding, got %+v", report.Findings)
	}
}

func TestRunAudit_NoChecksEnabled(t *testing.T) {
	report, err := RunAudit(AuditOptions{})
	if err != nil {
		t.Fatalf("RunAudit() error = %v", err)
	}
	if len(report.Findings) != 0 {
		t.Errorf("expected no findings when no checks enabled, got %+v", report.Findings)
	}
	if report.HasCritical() {
		t.Error("expected HasCritical() to be false")
	}
}

func TestComputeSummary(t *testing.T) {
	findings := []AuditFinding{
		{Severity: SeverityCritical},
		{Severity: SeverityHigh},
		{Severity: SeverityWarn},
		{Severity: SeverityMedium},
		{Severity: SeverityInfo},
	}

	summary := computeSummary(findings)
	if summary.Critical != 2 {
		t.Errorf("Critical = %d, want 2", summary.Critical)
	}
	if summary.Warn != 2 {
		t.Errorf("Warn = %d, want 2", summary.Warn)
	}
	if summary.Info != 1 {
		t.Errorf("Info = %d, want 1", summary.Info)
	}
}

func TestAuditor_Run(t *testing.T) {
	dir := t.TempDir()

	auditor := NewAuditor(AuditOptions{StateDir: dir})
	report, err := auditor.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report == nil {
		t.Fatal("Run() returned nil report")
	}
}

func TestCheckPath_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o777); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}

	findings, err := CheckPath(dir)
	if err != nil {
		t.Fatalf("CheckPath() error = %v", err)
	}
	if !hasCheckID(findings, "fs.state_dir_world_writable") {
		t.Errorf("expected fs.state_dir_world_writable finding, got %+v", findings)
	}
}

func TestCheckPath_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("server:\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	findings, err := CheckPath(path)
	if err != nil {
		t.Fatalf("CheckPath() error = %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("expected no findings for 0600 file, got %+v", findings)
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")
	if err := os.WriteFile(path, []byte("sssh"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := ValidatePermissions(path, SecureFileMode); err == nil {
		t.Error("expected error for 0644 file against 0600 max mode")
	}

	if err := os.Chmod(path, SecureFileMode); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	if err := ValidatePermissions(path, SecureFileMode); err != nil {
		t.Errorf("ValidatePermissions() error = %v, want nil", err)
	}
}

func TestIsSensitiveFile(t *testing.T) {
	cases := map[string]bool{
		"id_rsa":          true,
		"id_ed25519.pub":  true,
		"secret.key":      true,
		".env":            true,
		".env.production": true,
		"notes.txt":       false,
		"readme.md":       false,
	}

	for name, want := range cases {
		if got := isSensitiveFile(name); got != want {
			t.Errorf("isSensitiveFile(%q) = %v, want %v", name, got, want)
		}
	}
}
