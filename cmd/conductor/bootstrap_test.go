package main

import (
	"bufio"
	"strings"
	"testing"

	"conductor/pkg/config"
)

func scannerOver(input string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(input))
}

func TestPromptTargetReadsValue(t *testing.T) {
	got, err := promptTarget(scannerOver("Build a calculator in Python\n"), "")
	if err != nil {
		t.Fatalf("expected a target, got error %v", err)
	}
	if got != "Build a calculator in Python" {
		t.Errorf("promptTarget = %q", got)
	}
}

func TestPromptTargetInsistsOnValue(t *testing.T) {
	got, err := promptTarget(scannerOver("\n\nBuild it\n"), "")
	if err != nil {
		t.Fatalf("expected a target, got error %v", err)
	}
	if got != "Build it" {
		t.Errorf("promptTarget = %q, want %q", got, "Build it")
	}
}

func TestPromptTargetKeepsCurrentOnEnter(t *testing.T) {
	got, err := promptTarget(scannerOver("\n"), "existing target")
	if err != nil {
		t.Fatalf("expected the current target, got error %v", err)
	}
	if got != "existing target" {
		t.Errorf("promptTarget = %q, want the configured value", got)
	}
}

func TestPromptTargetFailsOnEOF(t *testing.T) {
	if _, err := promptTarget(scannerOver(""), ""); err == nil {
		t.Fatal("expected an error when input ends without a target")
	}
}

func TestPromptProviderChoices(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1\n", config.ProviderAnthropic},
		{"2\n", config.ProviderOpenAI},
		{"3\n", config.ProviderGoogle},
		{"4\n", config.ProviderOllama},
		{"google\n", config.ProviderGoogle},
		{"OLLAMA\n", config.ProviderOllama},
		{"\n", config.ProviderAnthropic},
		{"", config.ProviderAnthropic},
		{"99\n", config.ProviderAnthropic},
	}

	for _, tt := range tests {
		if got := promptProvider(scannerOver(tt.input)); got != tt.want {
			t.Errorf("promptProvider(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestApplyProviderChoiceUpdatesEveryModel(t *testing.T) {
	cfg := config.Defaults()
	applyProviderChoice(&cfg, config.ProviderGoogle)

	models := map[string]config.ModelParams{
		"coordinator": cfg.Agents.Coordinator.Model,
		"executor":    cfg.Agents.Executor.Model,
		"tester":      cfg.Agents.Tester.Model,
		"documenter":  cfg.Agents.Documenter.Model,
		"structurer":  cfg.Agents.Structurer.Model,
	}
	for name, m := range models {
		if m.Provider != config.ProviderGoogle {
			t.Errorf("%s provider = %q, want google", name, m.Provider)
		}
		if m.Model != config.DefaultStructurerModel {
			t.Errorf("%s model = %q, want %q", name, m.Model, config.DefaultStructurerModel)
		}
	}

	// Tuning fields survive the provider switch.
	if cfg.Agents.Executor.Model.MaxTokens != 4096 {
		t.Errorf("executor max_tokens = %d, want preserved default 4096", cfg.Agents.Executor.Model.MaxTokens)
	}
}
