// Package metrics aggregates provider token counts for the operator
// cost endpoint. Two sources implement the same report: a Prometheus
// HTTP API query service for deployments that scrape the process, and
// an in-process gatherer fallback for everything else.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// tokensMetric is the counter family written by the provider middleware.
const tokensMetric = "conductor_llm_tokens_total"

// TokenUsage aggregates provider tokens for one agent.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// TokenReport is the body served at the token accounting endpoint.
type TokenReport struct {
	Agents map[string]*TokenUsage `json:"agents"`
	Total  TokenUsage             `json:"total"`
	Source string                 `json:"source"`
}

// Source produces a token report.
type Source interface {
	TokenReport(ctx context.Context) (*TokenReport, error)
}

// QueryService queries an external Prometheus for token counts.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus
// base URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// TokenReport aggregates prompt and completion tokens per agent across
// every provider and model, plus a grand total.
func (q *QueryService) TokenReport(ctx context.Context) (*TokenReport, error) {
	report := &TokenReport{
		Agents: make(map[string]*TokenUsage),
		Source: "prometheus",
	}

	// Discover the agents that have recorded any tokens.
	agentsQuery := fmt.Sprintf(`group by (agent) (%s)`, tokensMetric)
	agentsResult, _, err := q.queryAPI.Query(ctx, agentsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}

	var agents []string
	if vector, ok := agentsResult.(model.Vector); ok {
		for _, sample := range vector {
			if agent, ok := sample.Metric["agent"]; ok {
				agents = append(agents, string(agent))
			}
		}
	}

	for _, agent := range agents {
		usage := &TokenUsage{}

		promptQuery := fmt.Sprintf(`sum(%s{agent=%q, kind="prompt"})`, tokensMetric, agent)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for agent %s: %w", agent, err)
		}
		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			usage.PromptTokens = int64(vector[0].Value)
		}

		completionQuery := fmt.Sprintf(`sum(%s{agent=%q, kind="completion"})`, tokensMetric, agent)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for agent %s: %w", agent, err)
		}
		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			usage.CompletionTokens = int64(vector[0].Value)
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		report.Agents[agent] = usage

		report.Total.PromptTokens += usage.PromptTokens
		report.Total.CompletionTokens += usage.CompletionTokens
	}
	report.Total.TotalTokens = report.Total.PromptTokens + report.Total.CompletionTokens

	return report, nil
}
