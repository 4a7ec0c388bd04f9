package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// GathererSource reads token counts straight from the process-local
// registry. Used when no Prometheus URL is configured.
type GathererSource struct {
	gatherer prometheus.Gatherer
}

// NewGathererSource wraps a metric gatherer, normally the default
// registry the provider middleware writes to.
func NewGathererSource(g prometheus.Gatherer) *GathererSource {
	return &GathererSource{gatherer: g}
}

// TokenReport walks the gathered families and sums the token counter
// per agent and kind.
func (s *GathererSource) TokenReport(_ context.Context) (*TokenReport, error) {
	families, err := s.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	report := &TokenReport{
		Agents: make(map[string]*TokenUsage),
		Source: "in-process",
	}

	for _, family := range families {
		if family.GetName() != tokensMetric {
			continue
		}
		for _, m := range family.GetMetric() {
			var agent, kind string
			for _, label := range m.GetLabel() {
				switch label.GetName() {
				case "agent":
					agent = label.GetValue()
				case "kind":
					kind = label.GetValue()
				}
			}
			if agent == "" {
				continue
			}

			usage, ok := report.Agents[agent]
			if !ok {
				usage = &TokenUsage{}
				report.Agents[agent] = usage
			}

			value := int64(m.GetCounter().GetValue())
			switch kind {
			case "prompt":
				usage.PromptTokens += value
				report.Total.PromptTokens += value
			case "completion":
				usage.CompletionTokens += value
				report.Total.CompletionTokens += value
			}
		}
	}

	for _, usage := range report.Agents {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	report.Total.TotalTokens = report.Total.PromptTokens + report.Total.CompletionTokens

	return report, nil
}
