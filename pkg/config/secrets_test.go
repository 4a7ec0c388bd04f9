package config

import (
	"os"
	"testing"
)

func TestSecretsEncryptDecryptRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "secrets-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	secrets := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-test",
		"OPENAI_API_KEY":    "sk-oai-test",
	}

	if err := EncryptSecretsFile(dir, "correct horse", secrets); err != nil {
		t.Fatalf("EncryptSecretsFile failed: %v", err)
	}
	if !SecretsFileExists(dir) {
		t.Fatal("Expected secrets file on disk")
	}

	restored, err := DecryptSecretsFile(dir, "correct horse")
	if err != nil {
		t.Fatalf("DecryptSecretsFile failed: %v", err)
	}
	if restored["ANTHROPIC_API_KEY"] != "sk-ant-test" {
		t.Errorf("Secret did not round-trip, got %q", restored["ANTHROPIC_API_KEY"])
	}
	if len(restored) != 2 {
		t.Errorf("Expected 2 secrets, got %d", len(restored))
	}
}

func TestDecryptRejectsWrongPassword(t *testing.T) {
	dir, err := os.MkdirTemp("", "secrets-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if err := EncryptSecretsFile(dir, "right", map[string]string{"K": "v"}); err != nil {
		t.Fatalf("EncryptSecretsFile failed: %v", err)
	}

	if _, err := DecryptSecretsFile(dir, "wrong"); err == nil {
		t.Fatal("Expected decryption failure with wrong password")
	}
}

func TestGetSecretInMemory(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"GEMINI_API_KEY": "g-test"})
	defer SetDecryptedSecrets(nil)

	value, ok := GetSecret("GEMINI_API_KEY")
	if !ok || value != "g-test" {
		t.Errorf("Expected stored secret, got %q ok=%v", value, ok)
	}
	if _, ok := GetSecret("MISSING"); ok {
		t.Error("Expected miss for unknown secret")
	}

	SetSecret("OPENROUTER_API_KEY", "or-test")
	if value, ok := GetSecret("OPENROUTER_API_KEY"); !ok || value != "or-test" {
		t.Errorf("Expected set secret, got %q ok=%v", value, ok)
	}
}

func TestResolveAPIKeyPrecedence(t *testing.T) {
	defer SetDecryptedSecrets(nil)

	p := ProviderConfig{Type: ProviderOpenAI}

	t.Setenv(EnvOpenAIAPIKey, "from-env")
	if got := p.ResolveAPIKey(); got != "from-env" {
		t.Errorf("Expected env fallback, got %q", got)
	}

	SetDecryptedSecrets(map[string]string{EnvOpenAIAPIKey: "from-secrets"})
	if got := p.ResolveAPIKey(); got != "from-secrets" {
		t.Errorf("Expected secrets to beat env, got %q", got)
	}

	p.APIKey = "inline"
	if got := p.ResolveAPIKey(); got != "inline" {
		t.Errorf("Expected inline key to win, got %q", got)
	}
}
