package main

import (
	"testing"

	"conductor/pkg/config"
	"conductor/pkg/proto"
)

func TestResolveDir(t *testing.T) {
	tests := []struct {
		name       string
		projectDir string
		dir        string
		want       string
	}{
		{"relative dir joins project", "/work/demo", "repo", "/work/demo/repo"},
		{"absolute dir wins", "/work/demo", "/var/repo", "/var/repo"},
		{"dot project", ".", "logs", "logs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDir(tt.projectDir, tt.dir); got != tt.want {
				t.Errorf("resolveDir(%q, %q) = %q, want %q", tt.projectDir, tt.dir, got, tt.want)
			}
		})
	}
}

func TestUnlockSecretsWithoutFile(t *testing.T) {
	if err := unlockSecrets(t.TempDir(), false); err != nil {
		t.Fatalf("expected no error without a secrets file, got %v", err)
	}
}

func TestUnlockSecretsFromEnvironmentPassword(t *testing.T) {
	dir := t.TempDir()
	if err := config.EncryptSecretsFile(dir, "orchestra", map[string]string{"ANTHROPIC_API_KEY": "sk-test"}); err != nil {
		t.Fatalf("failed to write secrets file: %v", err)
	}
	t.Setenv("CONDUCTOR_PASSWORD", "orchestra")
	t.Cleanup(func() { config.SetDecryptedSecrets(nil) })

	if err := unlockSecrets(dir, false); err != nil {
		t.Fatalf("expected secrets to unlock, got %v", err)
	}

	got, ok := config.GetSecret("ANTHROPIC_API_KEY")
	if !ok || got != "sk-test" {
		t.Errorf("GetSecret = %q, %v; want %q, true", got, ok, "sk-test")
	}
}

func TestUnlockSecretsNonInteractiveSkipsWithoutPassword(t *testing.T) {
	dir := t.TempDir()
	if err := config.EncryptSecretsFile(dir, "orchestra", map[string]string{"OPENAI_API_KEY": "sk-other"}); err != nil {
		t.Fatalf("failed to write secrets file: %v", err)
	}
	t.Setenv("CONDUCTOR_PASSWORD", "")
	config.SetDecryptedSecrets(nil)

	if err := unlockSecrets(dir, false); err != nil {
		t.Fatalf("expected a silent skip, got %v", err)
	}
	if _, ok := config.GetSecret("OPENAI_API_KEY"); ok {
		t.Error("secrets should stay locked without a passphrase")
	}
}

func TestUnlockSecretsWrongPassword(t *testing.T) {
	dir := t.TempDir()
	if err := config.EncryptSecretsFile(dir, "right", map[string]string{"ANTHROPIC_API_KEY": "sk"}); err != nil {
		t.Fatalf("failed to write secrets file: %v", err)
	}
	t.Setenv("CONDUCTOR_PASSWORD", "wrong")

	if err := unlockSecrets(dir, false); err == nil {
		t.Fatal("expected decryption failure with the wrong password")
	}
}

func TestAgentPortOffset(t *testing.T) {
	want := map[proto.AgentID]int{
		proto.AgentCoordinator: 0,
		proto.AgentExecutor:    1,
		proto.AgentTester:      2,
		proto.AgentDocumenter:  3,
		proto.AgentStructurer:  4,
	}
	for id, offset := range want {
		if got := agentPortOffset(id); got != offset {
			t.Errorf("agentPortOffset(%s) = %d, want %d", id, got, offset)
		}
	}
}
