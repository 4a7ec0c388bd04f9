// Package config provides configuration loading, validation, and management
// for the orchestrator and its agents.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. GetConfig() returns the config BY VALUE; all mutation goes through
// the Update* functions, which validate first and persist before
// acknowledging. An invalid update leaves the previous config in place.
//
// The on-disk form is one JSON document at <projectDir>/config.json.
// ${ENV_VAR} placeholders in the raw document are substituted from the
// environment at load time, so API keys never have to live in the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

const (
	ConfigFilename = "config.json"
	SchemaVersion  = "1.0"

	// Provider type constants.
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGoogle     = "google"
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderGroq       = "groq"
	ProviderTogether   = "together"
	ProviderCodestral  = "codestral"
	ProviderLocal      = "local"

	// API key environment variable names, consulted when a provider
	// entry carries no key of its own.
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvGoogleAPIKey     = "GEMINI_API_KEY"
	EnvOpenRouterAPIKey = "OPENROUTER_API_KEY"
	EnvGroqAPIKey       = "GROQ_API_KEY"
	EnvTogetherAPIKey   = "TOGETHER_API_KEY"
	EnvCodestralAPIKey  = "CODESTRAL_API_KEY"
	EnvOllamaHost       = "OLLAMA_HOST"

	// Default endpoints for OpenAI-compatible providers.
	OpenRouterBaseURL   = "https://openrouter.ai/api/v1"
	GroqBaseURL         = "https://api.groq.com/openai/v1"
	TogetherBaseURL     = "https://api.together.xyz/v1"
	CodestralBaseURL    = "https://codestral.mistral.ai/v1"
	DefaultLocalBaseURL = "http://localhost:8000/v1"

	// Default models per agent.
	DefaultCoordinatorModel = "claude-sonnet-4-5"
	DefaultWorkerModel      = "gpt-4o"
	DefaultStructurerModel  = "gemini-2.5-flash"
)

// envKeyByProviderType maps a provider type to the environment variable
// consulted for its API key.
//
//nolint:gochecknoglobals // Static lookup table
var envKeyByProviderType = map[string]string{
	ProviderAnthropic:  EnvAnthropicAPIKey,
	ProviderOpenAI:     EnvOpenAIAPIKey,
	ProviderGoogle:     EnvGoogleAPIKey,
	ProviderOpenRouter: EnvOpenRouterAPIKey,
	ProviderGroq:       EnvGroqAPIKey,
	ProviderTogether:   EnvTogetherAPIKey,
	ProviderCodestral:  EnvCodestralAPIKey,
}

// APIKeyEnv returns the environment variable consulted for a provider
// type's key, empty for keyless providers like ollama.
func APIKeyEnv(providerType string) string {
	return envKeyByProviderType[providerType]
}

// ModelParams defines the provider call parameters for one agent.
type ModelParams struct {
	Provider          string   `json:"provider"`
	FallbackProviders []string `json:"fallback_providers,omitempty"`
	Model             string   `json:"model"`
	Temperature       float64  `json:"temperature"`
	MaxTokens         int      `json:"max_tokens"`
	RequestTimeoutSec int      `json:"request_timeout_sec"`
	MaxAttempts       int      `json:"max_attempts"`
}

// RequestTimeout returns the per-request deadline.
func (m ModelParams) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutSec) * time.Second
}

// DelayRange bounds the uniform random delay applied before each
// provider call to smooth over rate limits.
type DelayRange struct {
	MinMS int `json:"min_ms"`
	MaxMS int `json:"max_ms"`
}

// Min returns the lower delay bound.
func (d DelayRange) Min() time.Duration { return time.Duration(d.MinMS) * time.Millisecond }

// Max returns the upper delay bound.
func (d DelayRange) Max() time.Duration { return time.Duration(d.MaxMS) * time.Millisecond }

// CoordinatorConfig tunes the planning agent.
type CoordinatorConfig struct {
	Model                  ModelParams `json:"model"`
	Delay                  DelayRange  `json:"delay"`
	SleepIntervalSec       int         `json:"sleep_interval_sec"`
	ActiveSleepIntervalSec int         `json:"active_sleep_interval_sec"`
	MaxConcurrentTasks     int         `json:"max_concurrent_tasks"`
	MaxRefinements         int         `json:"max_refinements"`
	StructureTimeoutSec    int         `json:"structure_timeout_sec"`
	// ParallelFollowups lets the coordinator emit the documenter subtask
	// alongside the tester one instead of waiting for the tester verdict.
	// Default is sequential: document only code that passed its tests.
	ParallelFollowups bool `json:"parallel_followups"`
}

// SleepInterval returns the cycle pause when no subtasks are in flight.
func (c CoordinatorConfig) SleepInterval() time.Duration {
	return time.Duration(c.SleepIntervalSec) * time.Second
}

// ActiveSleepInterval returns the cycle pause while subtasks are in
// flight; shorter, so verdicts land promptly.
func (c CoordinatorConfig) ActiveSleepInterval() time.Duration {
	return time.Duration(c.ActiveSleepIntervalSec) * time.Second
}

// StructureTimeout bounds how long alignment waits for a structure
// snapshot to appear.
func (c CoordinatorConfig) StructureTimeout() time.Duration {
	return time.Duration(c.StructureTimeoutSec) * time.Second
}

// WorkerConfig tunes one role worker.
type WorkerConfig struct {
	Model                ModelParams `json:"model"`
	Delay                DelayRange  `json:"delay"`
	IdleSleepSec         int         `json:"idle_sleep_sec"`
	HeartbeatIntervalSec int         `json:"heartbeat_interval_sec"`
}

// IdleSleep returns how long the worker rests after an empty claim.
func (w WorkerConfig) IdleSleep() time.Duration {
	return time.Duration(w.IdleSleepSec) * time.Second
}

// HeartbeatInterval returns the lease renewal cadence while a claim is
// being processed.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSec) * time.Second
}

// StructurerConfig tunes the structure agent.
type StructurerConfig struct {
	Model           ModelParams `json:"model"`
	Delay           DelayRange  `json:"delay"`
	PollIntervalSec int         `json:"poll_interval_sec"`
}

// PollInterval returns how often the structurer sweeps the ledger for
// newly landed reports.
func (s StructurerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// AgentsConfig bundles the per-agent sections.
type AgentsConfig struct {
	Coordinator CoordinatorConfig `json:"coordinator"`
	Executor    WorkerConfig      `json:"executor"`
	Tester      WorkerConfig      `json:"tester"`
	Documenter  WorkerConfig      `json:"documenter"`
	Structurer  StructurerConfig  `json:"structurer"`
}

// QueueConfig tunes the ledger and the role queues.
type QueueConfig struct {
	// SoftCap pauses coordinator emission for a role whose pending
	// queue reaches it. Claims keep draining the queue normally.
	SoftCap int `json:"soft_cap"`
	// ClaimLeaseSec bounds how long a claim may sit without a
	// heartbeat before the subtask is re-enqueued. Zero derives the
	// lease per role as twice that worker's request timeout.
	ClaimLeaseSec  int `json:"claim_lease_sec"`
	PollTimeoutSec int `json:"poll_timeout_sec"`
}

// PollTimeout returns how long a claim call may wait for work.
func (q QueueConfig) PollTimeout() time.Duration {
	return time.Duration(q.PollTimeoutSec) * time.Second
}

// EventsConfig tunes push-channel fan-out.
type EventsConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer"`
	SendTimeoutMS    int `json:"send_timeout_ms"`
	PingIntervalSec  int `json:"ping_interval_sec"`
}

// SendTimeout returns the per-subscriber transmit deadline.
func (e EventsConfig) SendTimeout() time.Duration {
	return time.Duration(e.SendTimeoutMS) * time.Millisecond
}

// PingInterval returns the keepalive cadence for push subscribers.
func (e EventsConfig) PingInterval() time.Duration {
	return time.Duration(e.PingIntervalSec) * time.Second
}

// WebUIConfig contains web server settings.
type WebUIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Basic auth is applied when both values are set.
	AuthUser string `json:"auth_user,omitempty"`
	AuthPass string `json:"auth_pass,omitempty"`
}

// PathsConfig locates the on-disk artifacts.
type PathsConfig struct {
	LogsDir string `json:"logs_dir"`
	RepoDir string `json:"repo_dir"`
}

// Threshold is the acceptance rule for one role: a report is
// acceptable iff the weighted sum of its metrics meets the threshold.
type Threshold struct {
	Threshold float64            `json:"threshold"`
	Weights   map[string]float64 `json:"weights"`
}

// Score computes the weighted sum over the report metrics. Metrics
// missing from the report count as zero.
func (t Threshold) Score(metrics map[string]float64) float64 {
	var sum float64
	for name, weight := range t.Weights {
		sum += weight * metrics[name]
	}
	return sum
}

// Accepts reports whether the metrics clear the threshold.
func (t Threshold) Accepts(metrics map[string]float64) bool {
	return t.Score(metrics) >= t.Threshold
}

// ProviderConfig is one named provider entry. The name is free-form;
// Type selects the client implementation.
type ProviderConfig struct {
	Type         string `json:"type"`
	APIKey       string `json:"api_key,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
}

// ResolveAPIKey returns the configured key, falling back to the
// decrypted secrets store and then the provider's environment
// variable.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	envKey, ok := envKeyByProviderType[p.Type]
	if !ok {
		return ""
	}
	if secret, ok := GetSecret(envKey); ok {
		return secret
	}
	return os.Getenv(envKey)
}

// IsOpenAICompatible reports whether the provider speaks the OpenAI
// chat-completions wire protocol.
func (p ProviderConfig) IsOpenAICompatible() bool {
	switch p.Type {
	case ProviderOpenAI, ProviderOpenRouter, ProviderGroq, ProviderTogether, ProviderCodestral, ProviderLocal:
		return true
	default:
		return false
	}
}

// OllamaHost returns the Ollama endpoint from the environment, empty
// when unset (the client falls back to its default).
func OllamaHost() string {
	return os.Getenv(EnvOllamaHost)
}

// ResolveBaseURL returns the endpoint for an OpenAI-compatible provider:
// the configured override when present, otherwise the provider type's
// well-known endpoint. Empty means the SDK default (api.openai.com).
func (p ProviderConfig) ResolveBaseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	switch p.Type {
	case ProviderOpenRouter:
		return OpenRouterBaseURL
	case ProviderGroq:
		return GroqBaseURL
	case ProviderTogether:
		return TogetherBaseURL
	case ProviderCodestral:
		return CodestralBaseURL
	case ProviderLocal:
		return DefaultLocalBaseURL
	default:
		return ""
	}
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Namespace     string `json:"namespace"`
	PrometheusURL string `json:"prometheus_url,omitempty"`
	// AgentPortBase is where agent processes expose their own /metrics
	// scrape endpoint: base + the agent's fixed offset (coordinator 0,
	// executor 1, tester 2, documenter 3, structurer 4). Token counters
	// live in the agent processes, so a Prometheus that should feed
	// prometheus_url scrapes these ports, not the orchestrator's.
	AgentPortBase int `json:"agent_port_base"`
}

// Config is the process-wide configuration record.
type Config struct {
	SchemaVersion string                      `json:"schema_version"`
	Target        string                      `json:"target"`
	ServerURL     string                      `json:"server_url"`
	WebUI         WebUIConfig                 `json:"webui"`
	Paths         PathsConfig                 `json:"paths"`
	Queues        QueueConfig                 `json:"queues"`
	Events        EventsConfig                `json:"events"`
	Agents        AgentsConfig                `json:"agents"`
	Thresholds    map[proto.Role]Threshold    `json:"confidence_thresholds"`
	Providers     map[string]ProviderConfig   `json:"providers"`
	Metrics       MetricsConfig               `json:"metrics"`
	HistoryLength int                         `json:"history_length"`
}

// Worker returns the section for one role worker.
func (c *Config) Worker(role proto.Role) WorkerConfig {
	switch role {
	case proto.RoleExecutor:
		return c.Agents.Executor
	case proto.RoleTester:
		return c.Agents.Tester
	case proto.RoleDocumenter:
		return c.Agents.Documenter
	default:
		return WorkerConfig{}
	}
}

// ModelFor returns the provider call parameters for one agent.
func (c *Config) ModelFor(agent proto.AgentID) ModelParams {
	switch agent {
	case proto.AgentCoordinator:
		return c.Agents.Coordinator.Model
	case proto.AgentStructurer:
		return c.Agents.Structurer.Model
	default:
		if role, ok := agent.WorkerRole(); ok {
			return c.Worker(role).Model
		}
		return ModelParams{}
	}
}

// DelayFor returns the pre-call delay range for one agent.
func (c *Config) DelayFor(agent proto.AgentID) DelayRange {
	switch agent {
	case proto.AgentCoordinator:
		return c.Agents.Coordinator.Delay
	case proto.AgentStructurer:
		return c.Agents.Structurer.Delay
	default:
		if role, ok := agent.WorkerRole(); ok {
			return c.Worker(role).Delay
		}
		return DelayRange{}
	}
}

// ClaimLeaseFor returns the claim lease for one role: the configured
// value, or twice the role worker's request timeout when unset.
func (c *Config) ClaimLeaseFor(role proto.Role) time.Duration {
	if c.Queues.ClaimLeaseSec > 0 {
		return time.Duration(c.Queues.ClaimLeaseSec) * time.Second
	}
	return 2 * c.Worker(role).Model.RequestTimeout()
}

// Provider resolves a named provider entry.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if p, ok := c.Providers[name]; ok {
		if p.Type == "" {
			p.Type = name
		}
		return p, nil
	}
	// A bare type name works without an explicit entry, mirroring how
	// operators reference stock providers.
	switch name {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama,
		ProviderOpenRouter, ProviderGroq, ProviderTogether, ProviderCodestral, ProviderLocal:
		return ProviderConfig{Type: name}, nil
	}
	return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
}

// GetConfig returns a copy of the current config. Callers must treat
// nested maps and slices as read-only.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// GetProjectDir returns the directory LoadConfig was pointed at.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// SetConfigForTesting replaces the singleton without touching disk.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
}

// LoadConfig initializes the singleton from <dir>/config.json. A
// missing file is materialized from defaults and saved back. An
// unparseable file is an error; it is never overwritten.
func LoadConfig(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = dir
	path := filepath.Join(dir, ConfigFilename)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		if err := validateConfig(cfg); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		config = cfg
		getLogger().Info("No config at %s, created defaults", path)
		return saveConfigLocked()
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		return err
	}

	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = cfg
	// Save back so defaulted fields become visible to the operator.
	return saveConfigLocked()
}

// UpdateConfig atomically replaces the whole config. The previous
// record is restored if validation or persistence fails.
func UpdateConfig(newCfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	old := config
	applyDefaults(newCfg)
	if err := validateConfig(newCfg); err != nil {
		return fmt.Errorf("config update rejected: %w", err)
	}

	config = newCfg
	if err := saveConfigLocked(); err != nil {
		config = old
		return fmt.Errorf("config update not persisted: %w", err)
	}
	return nil
}

// UpdateConfigItem sets one key to a new value and persists. The key
// is a dotted JSON path, e.g. "target" or "agents.executor.model.model".
func UpdateConfigItem(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}
	if key == "" {
		return fmt.Errorf("config key is required")
	}

	// Route the edit through the JSON document so any field is
	// addressable without reflection over the struct.
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal current config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode current config: %w", err)
	}

	if err := setPath(doc, strings.Split(key, "."), value); err != nil {
		return err
	}

	edited, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to re-encode config: %w", err)
	}
	var newCfg Config
	if err := json.Unmarshal(edited, &newCfg); err != nil {
		return fmt.Errorf("value for %s has the wrong shape: %w", key, err)
	}

	old := config
	applyDefaults(&newCfg)
	if err := validateConfig(&newCfg); err != nil {
		return fmt.Errorf("config item update rejected: %w", err)
	}

	config = &newCfg
	if err := saveConfigLocked(); err != nil {
		config = old
		return fmt.Errorf("config item update not persisted: %w", err)
	}
	getLogger().Info("Config item %s updated", key)
	return nil
}

func setPath(doc map[string]any, path []string, value any) error {
	cur := doc
	for i, seg := range path {
		if seg == "" {
			return fmt.Errorf("empty segment in config key")
		}
		if i == len(path)-1 {
			cur[seg] = value
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			child := make(map[string]any)
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %s does not address an object", strings.Join(path[:i+1], "."))
		}
		cur = child
	}
	return nil
}

// SaveConfig persists the current config to disk.
func SaveConfig() error {
	mu.Lock()
	defer mu.Unlock()
	return saveConfigLocked()
}

// saveConfigLocked writes config.json. Callers must hold mu.
func saveConfigLocked() error {
	if config == nil {
		return fmt.Errorf("no config to save")
	}
	if projectDir == "" {
		return fmt.Errorf("project directory not set")
	}

	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(projectDir, ConfigFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
