package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"conductor/pkg/proto"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// loadFromFile reads one JSON document, substitutes ${ENV_VAR}
// placeholders, decodes it, and applies CONDUCTOR_* env overrides.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	if err := json.Unmarshal([]byte(dataStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides walks the config by json tags and overrides leaf
// fields from CONDUCTOR_<PATH> variables, e.g. CONDUCTOR_TARGET or
// CONDUCTOR_WEBUI_PORT.
func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), "CONDUCTOR_")
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		fieldName := strings.Split(jsonTag, ",")[0]
		envKey := strings.ToUpper(prefix + fieldName)

		if field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
			continue
		}

		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		if val, err := parseInt(envValue); err == nil {
			field.SetInt(int64(val))
		}
	case reflect.Float64:
		if val, err := parseFloat(envValue); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		field.SetBool(envValue == "1" || strings.EqualFold(envValue, "true"))
	}
}

func parseInt(s string) (int, error) {
	var result int
	if _, err := fmt.Sscanf(s, "%d", &result); err != nil {
		return 0, fmt.Errorf("failed to parse int from '%s': %w", s, err)
	}
	return result, nil
}

func parseFloat(s string) (float64, error) {
	var result float64
	if _, err := fmt.Sscanf(s, "%f", &result); err != nil {
		return 0, fmt.Errorf("failed to parse float from '%s': %w", s, err)
	}
	return result, nil
}

// defaultConfig builds a complete runnable config. API keys stay out
// of the file; they resolve from secrets or the environment.
func defaultConfig() *Config {
	cfg := &Config{SchemaVersion: SchemaVersion}
	applyDefaults(cfg)
	return cfg
}

// Defaults returns a complete runnable configuration without touching
// the singleton or the disk. The -init bootstrap and tests start here.
func Defaults() Config {
	return *defaultConfig()
}

// applyDefaults fills every unset field so a zero Config becomes
// runnable and an operator-edited file never has to be complete.
func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8765"
	}

	if cfg.WebUI.Host == "" {
		cfg.WebUI.Host = "localhost"
	}
	if cfg.WebUI.Port == 0 {
		cfg.WebUI.Port = 8765
	}

	if cfg.Paths.LogsDir == "" {
		cfg.Paths.LogsDir = "logs"
	}
	if cfg.Paths.RepoDir == "" {
		cfg.Paths.RepoDir = "repo"
	}

	if cfg.Queues.SoftCap == 0 {
		cfg.Queues.SoftCap = 100
	}
	if cfg.Queues.PollTimeoutSec == 0 {
		cfg.Queues.PollTimeoutSec = 30
	}

	if cfg.Events.SubscriberBuffer == 0 {
		cfg.Events.SubscriberBuffer = 64
	}
	if cfg.Events.SendTimeoutMS == 0 {
		cfg.Events.SendTimeoutMS = 5000
	}
	if cfg.Events.PingIntervalSec == 0 {
		cfg.Events.PingIntervalSec = 30
	}

	if cfg.HistoryLength == 0 {
		cfg.HistoryLength = 20
	}

	applyCoordinatorDefaults(&cfg.Agents.Coordinator)
	applyWorkerDefaults(&cfg.Agents.Executor)
	applyWorkerDefaults(&cfg.Agents.Tester)
	applyWorkerDefaults(&cfg.Agents.Documenter)
	applyStructurerDefaults(&cfg.Agents.Structurer)

	if cfg.Thresholds == nil {
		cfg.Thresholds = map[proto.Role]Threshold{
			proto.RoleExecutor: {
				Threshold: 0.5,
				Weights:   map[string]float64{"syntax_score": 0.5, "readability": 0.5},
			},
			proto.RoleTester: {
				Threshold: 0.5,
				Weights:   map[string]float64{"tests_passed": 0.7, "coverage": 0.3},
			},
			proto.RoleDocumenter: {
				Threshold: 0.5,
				Weights:   map[string]float64{"readability": 1.0},
			},
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{
			ProviderAnthropic: {Type: ProviderAnthropic},
			ProviderOpenAI:    {Type: ProviderOpenAI},
			ProviderGoogle:    {Type: ProviderGoogle},
			ProviderOllama:    {Type: ProviderOllama},
		}
	}
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = name
			cfg.Providers[name] = p
		}
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "conductor"
	}
	if cfg.Metrics.AgentPortBase == 0 {
		cfg.Metrics.AgentPortBase = 9500
	}
}

func applyModelDefaults(m *ModelParams, provider, model string) {
	if m.Provider == "" {
		m.Provider = provider
	}
	if m.Model == "" {
		m.Model = model
	}
	if m.Temperature == 0 {
		m.Temperature = 0.7
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 4096
	}
	if m.RequestTimeoutSec == 0 {
		m.RequestTimeoutSec = 120
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = 3
	}
}

func applyCoordinatorDefaults(c *CoordinatorConfig) {
	applyModelDefaults(&c.Model, ProviderAnthropic, DefaultCoordinatorModel)
	if c.SleepIntervalSec == 0 {
		c.SleepIntervalSec = 15
	}
	if c.ActiveSleepIntervalSec == 0 {
		c.ActiveSleepIntervalSec = 10
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 10
	}
	if c.MaxRefinements == 0 {
		c.MaxRefinements = 3
	}
	if c.StructureTimeoutSec == 0 {
		c.StructureTimeoutSec = 300
	}
	if c.Delay.MaxMS == 0 {
		c.Delay = DelayRange{MinMS: 500, MaxMS: 2000}
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	applyModelDefaults(&w.Model, ProviderOpenAI, DefaultWorkerModel)
	if w.IdleSleepSec == 0 {
		w.IdleSleepSec = 5
	}
	if w.HeartbeatIntervalSec == 0 {
		w.HeartbeatIntervalSec = 15
	}
	if w.Delay.MaxMS == 0 {
		w.Delay = DelayRange{MinMS: 500, MaxMS: 2000}
	}
}

func applyStructurerDefaults(s *StructurerConfig) {
	applyModelDefaults(&s.Model, ProviderGoogle, DefaultStructurerModel)
	if s.Delay.MaxMS == 0 {
		s.Delay = DelayRange{MinMS: 500, MaxMS: 2000}
	}
	if s.PollIntervalSec == 0 {
		s.PollIntervalSec = 2
	}
}

// weightSumTolerance absorbs float drift in operator-entered weights.
const weightSumTolerance = 0.05

func validateConfig(cfg *Config) error {
	if cfg.WebUI.Port <= 0 || cfg.WebUI.Port > 65535 {
		return fmt.Errorf("webui.port must be in (0, 65535], got %d", cfg.WebUI.Port)
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return fmt.Errorf("server_url must start with http:// or https://")
	}
	if cfg.Queues.SoftCap <= 0 {
		return fmt.Errorf("queues.soft_cap must be positive")
	}
	if cfg.Queues.ClaimLeaseSec < 0 {
		return fmt.Errorf("queues.claim_lease_sec cannot be negative")
	}
	if cfg.Queues.PollTimeoutSec <= 0 {
		return fmt.Errorf("queues.poll_timeout_sec must be positive")
	}
	if cfg.HistoryLength <= 0 {
		return fmt.Errorf("history_length must be positive")
	}

	if err := validateModel("agents.coordinator.model", cfg.Agents.Coordinator.Model); err != nil {
		return err
	}
	if err := validateDelay("agents.coordinator.delay", cfg.Agents.Coordinator.Delay); err != nil {
		return err
	}
	for _, role := range proto.AllRoles() {
		w := cfg.Worker(role)
		if err := validateModel(fmt.Sprintf("agents.%s.model", role), w.Model); err != nil {
			return err
		}
		if err := validateDelay(fmt.Sprintf("agents.%s.delay", role), w.Delay); err != nil {
			return err
		}
	}
	if err := validateModel("agents.structurer.model", cfg.Agents.Structurer.Model); err != nil {
		return err
	}
	if err := validateDelay("agents.structurer.delay", cfg.Agents.Structurer.Delay); err != nil {
		return err
	}

	if err := validateThresholds(cfg.Thresholds); err != nil {
		return err
	}

	for name, p := range cfg.Providers {
		switch p.Type {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama,
			ProviderOpenRouter, ProviderGroq, ProviderTogether, ProviderCodestral, ProviderLocal:
		default:
			return fmt.Errorf("provider %s: unknown type %q", name, p.Type)
		}
		if p.BaseURL != "" && !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			return fmt.Errorf("provider %s: base_url must start with http:// or https://", name)
		}
	}
	return nil
}

func validateModel(section string, m ModelParams) error {
	if m.Provider == "" {
		return fmt.Errorf("%s: provider is required", section)
	}
	if m.Model == "" {
		return fmt.Errorf("%s: model is required", section)
	}
	if m.Temperature < 0 || m.Temperature > 2 {
		return fmt.Errorf("%s: temperature must be in [0, 2], got %g", section, m.Temperature)
	}
	if m.MaxTokens <= 0 {
		return fmt.Errorf("%s: max_tokens must be positive", section)
	}
	if m.RequestTimeoutSec <= 0 {
		return fmt.Errorf("%s: request_timeout_sec must be positive", section)
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("%s: max_attempts must be at least 1", section)
	}
	return nil
}

func validateDelay(section string, d DelayRange) error {
	if d.MinMS < 0 || d.MaxMS < 0 {
		return fmt.Errorf("%s: delay bounds cannot be negative", section)
	}
	if d.MinMS > d.MaxMS {
		return fmt.Errorf("%s: min_ms %d exceeds max_ms %d", section, d.MinMS, d.MaxMS)
	}
	return nil
}

// validateThresholds rejects configs whose acceptance rules cannot
// produce a meaningful score: unknown roles, empty or non-positive
// weights, or weights that do not sum to (0, 1+tolerance].
func validateThresholds(thresholds map[proto.Role]Threshold) error {
	for role, t := range thresholds {
		if _, ok := proto.ValidateRole(string(role)); !ok {
			return fmt.Errorf("confidence_thresholds: unknown role %q", role)
		}
		if t.Threshold <= 0 || t.Threshold > 1 {
			return fmt.Errorf("confidence_thresholds.%s: threshold must be in (0, 1], got %g", role, t.Threshold)
		}
		if len(t.Weights) == 0 {
			return fmt.Errorf("confidence_thresholds.%s: at least one metric weight is required", role)
		}
		var sum float64
		for metric, weight := range t.Weights {
			if weight <= 0 {
				return fmt.Errorf("confidence_thresholds.%s: weight for %s must be positive, got %g", role, metric, weight)
			}
			sum += weight
		}
		if sum > 1+weightSumTolerance {
			return fmt.Errorf("confidence_thresholds.%s: weights sum to %g, must not exceed 1", role, sum)
		}
	}
	return nil
}
