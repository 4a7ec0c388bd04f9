// Package agent assembles provider clients: the raw vendor client for an
// agent's configured provider, wrapped with metrics, retry, and
// per-attempt timeout middleware.
package agent

import (
	"fmt"

	"conductor/pkg/agent/internal/llmimpl/anthropic"
	"conductor/pkg/agent/internal/llmimpl/google"
	"conductor/pkg/agent/internal/llmimpl/ollama"
	"conductor/pkg/agent/internal/llmimpl/openai"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Factory builds middleware-wrapped provider clients from configuration.
type Factory struct {
	cfg      config.Config
	recorder metrics.Recorder
	logger   *logx.Logger
}

// NewFactory creates a client factory. recorder may be nil when metrics
// are disabled.
func NewFactory(cfg config.Config, recorder metrics.Recorder, logger *logx.Logger) *Factory {
	return &Factory{cfg: cfg, recorder: recorder, logger: logger}
}

// ClientFor builds the provider client for one agent, using that agent's
// configured model parameters and pre-call delay range.
//
// The chain is Metrics -> Retry -> Timeout -> Raw: the timeout bounds
// each attempt, the retry layer backs off between attempts, and metrics
// observe the final outcome.
func (f *Factory) ClientFor(id proto.AgentID) (llm.Client, error) {
	params := f.cfg.ModelFor(id)
	if params.Model == "" {
		return nil, fmt.Errorf("agent %s has no model configured", id)
	}

	prov, err := f.cfg.Provider(params.Provider)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}

	raw, err := newRawClient(prov, params.Model)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}

	policy := resilience.Policy{
		MaxAttempts: params.MaxAttempts,
		Delay:       f.cfg.DelayFor(id),
	}
	return llm.Chain(raw,
		metrics.Middleware(f.recorder, string(id), prov.Type),
		resilience.Middleware(policy, f.logger),
		resilience.TimeoutMiddleware(params.RequestTimeout()),
	), nil
}

// newRawClient picks the vendor implementation for one provider entry.
func newRawClient(prov config.ProviderConfig, model string) (llm.Client, error) {
	switch {
	case prov.Type == config.ProviderAnthropic:
		key := prov.ResolveAPIKey()
		if key == "" {
			return nil, fmt.Errorf("no API key for provider %s", prov.Type)
		}
		return anthropic.New(key, model), nil

	case prov.Type == config.ProviderGoogle:
		key := prov.ResolveAPIKey()
		if key == "" {
			return nil, fmt.Errorf("no API key for provider %s", prov.Type)
		}
		return google.New(key, model), nil

	case prov.Type == config.ProviderOllama:
		host := prov.BaseURL
		if host == "" {
			host = config.OllamaHost()
		}
		return ollama.New(host, model), nil

	case prov.IsOpenAICompatible():
		key := prov.ResolveAPIKey()
		if key == "" && prov.Type != config.ProviderLocal {
			return nil, fmt.Errorf("no API key for provider %s", prov.Type)
		}
		return openai.New(key, prov.ResolveBaseURL(), model), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %q", prov.Type)
	}
}
