package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/proto"
)

func factoryConfig() config.Config {
	cfg := config.Defaults()
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {Type: config.ProviderAnthropic, APIKey: "sk-test"},
		"openai":    {Type: config.ProviderOpenAI, APIKey: "sk-test"},
		"google":    {Type: config.ProviderGoogle, APIKey: "sk-test"},
		"ollama":    {Type: config.ProviderOllama},
		"groq":      {Type: config.ProviderGroq, APIKey: "sk-test"},
		"local":     {Type: config.ProviderLocal},
	}
	return cfg
}

func TestClientForEveryProviderType(t *testing.T) {
	cfg := factoryConfig()
	factory := NewFactory(cfg, nil, nil)

	for _, provider := range []string{"anthropic", "openai", "google", "ollama", "groq", "local"} {
		cfg.Agents.Executor.Model = config.ModelParams{
			Provider: provider, Model: "some-model", MaxTokens: 1024, MaxAttempts: 2,
		}
		factory = NewFactory(cfg, nil, nil)
		client, err := factory.ClientFor(proto.AgentExecutor)
		require.NoError(t, err, provider)
		assert.Equal(t, "some-model", client.ModelName(), provider)
	}
}

func TestClientForUnknownProvider(t *testing.T) {
	cfg := factoryConfig()
	cfg.Agents.Executor.Model = config.ModelParams{Provider: "carrier-pigeon", Model: "m"}
	_, err := NewFactory(cfg, nil, nil).ClientFor(proto.AgentExecutor)
	assert.Error(t, err)
}

func TestClientForMissingModel(t *testing.T) {
	cfg := factoryConfig()
	cfg.Agents.Executor.Model = config.ModelParams{Provider: "anthropic"}
	_, err := NewFactory(cfg, nil, nil).ClientFor(proto.AgentExecutor)
	assert.Error(t, err)
}

func TestClientForMissingAPIKey(t *testing.T) {
	t.Setenv(config.EnvAnthropicAPIKey, "")
	cfg := factoryConfig()
	cfg.Providers["anthropic"] = config.ProviderConfig{Type: config.ProviderAnthropic}
	cfg.Agents.Executor.Model = config.ModelParams{Provider: "anthropic", Model: "m"}

	_, err := NewFactory(cfg, nil, nil).ClientFor(proto.AgentExecutor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
}

func TestLocalProviderNeedsNoKey(t *testing.T) {
	cfg := factoryConfig()
	cfg.Agents.Tester.Model = config.ModelParams{Provider: "local", Model: "llama3"}
	client, err := NewFactory(cfg, nil, nil).ClientFor(proto.AgentTester)
	require.NoError(t, err)
	assert.Equal(t, "llama3", client.ModelName())
}
