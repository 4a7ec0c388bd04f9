// Package metrics records provider-call metrics. The Prometheus vectors
// here back the token accounting endpoint and the /metrics scrape.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
)

// Recorder observes completed provider calls.
type Recorder interface {
	ObserveRequest(agent, provider, model string, usage llm.Usage, err error, duration time.Duration)
}

// PrometheusRecorder implements Recorder on Prometheus counter and
// histogram vectors.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the provider-call vectors with reg.
// The kernel passes the default registerer; tests pass a fresh registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_requests_total",
				Help: "Provider calls by agent, provider, model, and outcome",
			},
			[]string{"agent", "provider", "model", "outcome", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_tokens_total",
				Help: "Tokens attributed to provider calls",
			},
			[]string{"agent", "provider", "model", "kind"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_llm_request_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent", "provider", "model"},
		),
	}
}

// ObserveRequest records one finished provider call.
func (p *PrometheusRecorder) ObserveRequest(agent, provider, model string, usage llm.Usage, err error, duration time.Duration) {
	outcome, errorType := "success", ""
	if err != nil {
		outcome = "error"
		errorType = llmerrors.TypeOf(err).String()
	}

	p.requestsTotal.WithLabelValues(agent, provider, model, outcome, errorType).Inc()
	p.requestDuration.WithLabelValues(agent, provider, model).Observe(duration.Seconds())

	if err == nil {
		p.tokensTotal.WithLabelValues(agent, provider, model, "prompt").Add(float64(usage.PromptTokens))
		p.tokensTotal.WithLabelValues(agent, provider, model, "completion").Add(float64(usage.CompletionTokens))
	}
}

// observingClient wraps a provider client with request observation.
type observingClient struct {
	client   llm.Client
	recorder Recorder
	agent    string
	provider string
}

// Middleware returns a metrics layer for one agent/provider pairing.
// A nil recorder yields a pass-through.
func Middleware(recorder Recorder, agent, provider string) llm.Middleware {
	return func(next llm.Client) llm.Client {
		if recorder == nil {
			return next
		}
		return &observingClient{client: next, recorder: recorder, agent: agent, provider: provider}
	}
}

func (o *observingClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := o.client.Complete(ctx, in)
	o.recorder.ObserveRequest(o.agent, o.provider, o.client.ModelName(), resp.Usage, err, time.Since(start))
	return resp, err
}

func (o *observingClient) ModelName() string { return o.client.ModelName() }
