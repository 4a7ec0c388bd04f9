package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"conductor/pkg/config"
)

// Providers offered by -init, in menu order. The per-provider model is
// the one the stock configuration already prefers for that vendor.
//
//nolint:gochecknoglobals // Static menu table
var initProviders = []struct {
	name  string
	model string
}{
	{config.ProviderAnthropic, config.DefaultCoordinatorModel},
	{config.ProviderOpenAI, config.DefaultWorkerModel},
	{config.ProviderGoogle, config.DefaultStructurerModel},
	{config.ProviderOllama, "llama3"},
}

// runInit walks the operator through first-time project setup: the
// build target, the provider, and the API key. It writes config.json
// and, when the operator opts in, secrets.json.enc.
func runInit(projectDir string) int {
	if err := runInteractiveSetup(projectDir, bufio.NewScanner(os.Stdin)); err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	return 0
}

func runInteractiveSetup(projectDir string, scanner *bufio.Scanner) error {
	fmt.Println("🚀 Conductor Project Setup")
	fmt.Println("This will configure the build target, the provider, and credentials.")
	fmt.Println()

	// Materializes config.json from defaults when missing.
	if err := config.LoadConfig(projectDir); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	target, err := promptTarget(scanner, cfg.Target)
	if err != nil {
		return err
	}
	cfg.Target = target

	providerName := promptProvider(scanner)
	applyProviderChoice(&cfg, providerName)

	if providerName == config.ProviderOllama {
		fmt.Println("✅ Ollama runs locally; no API key needed (set OLLAMA_HOST if it is not on localhost)")
	} else if err := promptAPIKey(projectDir, scanner, providerName); err != nil {
		return err
	}

	if err := config.UpdateConfig(&cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Project configured in %s\n", projectDir)
	fmt.Printf("   Target:   %s\n", target)
	fmt.Printf("   Provider: %s\n", providerName)
	fmt.Println("Run `conductor` to start the orchestrator.")
	return nil
}

// promptTarget insists on a non-empty build target; an existing
// configured target is offered as the default.
func promptTarget(scanner *bufio.Scanner, current string) (string, error) {
	if current != "" {
		fmt.Printf("🎯 Build target [%s]: ", current)
	} else {
		fmt.Print("🎯 Build target (e.g. \"a CLI todo app in Python\"): ")
	}

	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input, nil
		}
		if current != "" {
			return current, nil
		}
		fmt.Print("A build target is required. Please enter: ")
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	if current != "" {
		return current, nil
	}
	return "", fmt.Errorf("no build target provided")
}

// promptProvider picks the provider every agent model switches to.
// Accepts the menu number or the provider name; anything else keeps
// the first entry.
func promptProvider(scanner *bufio.Scanner) string {
	fmt.Println()
	fmt.Println("🤖 Provider:")
	for i, p := range initProviders {
		fmt.Printf("%d. %s (default model %s)\n", i+1, p.name, p.model)
	}
	fmt.Print("Choose provider [1]: ")

	choice := ""
	if scanner.Scan() {
		choice = strings.TrimSpace(scanner.Text())
	}
	for i, p := range initProviders {
		if choice == fmt.Sprintf("%d", i+1) || strings.EqualFold(choice, p.name) {
			return p.name
		}
	}
	return initProviders[0].name
}

// applyProviderChoice points every agent model at one provider and its
// stock model. Tuning fields (temperature, token budgets, timeouts)
// keep their existing values.
func applyProviderChoice(cfg *config.Config, provider string) {
	model := initProviders[0].model
	for _, p := range initProviders {
		if p.name == provider {
			model = p.model
			break
		}
	}

	sections := []*config.ModelParams{
		&cfg.Agents.Coordinator.Model,
		&cfg.Agents.Executor.Model,
		&cfg.Agents.Tester.Model,
		&cfg.Agents.Documenter.Model,
		&cfg.Agents.Structurer.Model,
	}
	for _, m := range sections {
		m.Provider = provider
		m.Model = model
	}
}

// promptAPIKey reads the provider key with hidden input and offers to
// store it encrypted; declining leaves the key to the environment.
func promptAPIKey(projectDir string, scanner *bufio.Scanner, provider string) error {
	envKey := config.APIKeyEnv(provider)

	fmt.Printf("🔑 %s (hidden, Enter to keep using the environment): ", envKey)
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	key := strings.TrimSpace(string(raw))
	zeroBytes(raw)
	if key == "" {
		fmt.Printf("✅ Key left to the %s environment variable\n", envKey)
		return nil
	}

	fmt.Print("Store the key encrypted in this project? [Y/n]: ")
	choice := ""
	if scanner.Scan() {
		choice = strings.ToLower(strings.TrimSpace(scanner.Text()))
	}
	if choice == "n" || choice == "no" {
		fmt.Printf("✅ Not stored. Export it before starting:\n   export %s=...\n", envKey)
		return nil
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}
	if err := config.EncryptSecretsFile(projectDir, password, map[string]string{envKey: key}); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	fmt.Println("✅ Credentials saved to secrets.json.enc (file permissions: 0600)")
	fmt.Println("💡 Store the password in CONDUCTOR_PASSWORD for passwordless startup.")
	return nil
}

// promptPassword reads a new project password with confirmation.
func promptPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Println()
		fmt.Print("Enter a password for this project: ")
		first, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		second, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if !bytes.Equal(first, second) {
			zeroBytes(first)
			zeroBytes(second)
			if attempt < maxAttempts {
				fmt.Println("❌ Passwords do not match. Please try again.")
				continue
			}
			return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
		}

		password := string(first)
		zeroBytes(first)
		zeroBytes(second)
		return password, nil
	}
	return "", fmt.Errorf("failed to get matching passwords")
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
