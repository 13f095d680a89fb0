package exec

import (
	"sort"
	"sync"

	"github.com/dygram/dygram-go/model"
)

// UsageTracker accumulates token usage and dollar cost per model from
// provider-reported usage. Static pricing; unknown models count tokens
// at zero cost.
type UsageTracker struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

// ModelUsage is the accumulated usage of one model.
type ModelUsage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// modelPricing holds USD prices per 1K tokens.
type modelPricing struct {
	inputPer1K  float64
	outputPer1K float64
}

// Static pricing table. Prices drift; treat costs as estimates.
var pricing = map[string]modelPricing{
	"claude-sonnet-4-5-20250929": {0.003, 0.015},
	"claude-opus-4-1-20250805":   {0.015, 0.075},
	"claude-3-5-haiku-20241022":  {0.0008, 0.004},
	"gpt-4o":                     {0.0025, 0.01},
	"gpt-4o-mini":                {0.00015, 0.0006},
	"gemini-2.5-flash":           {0.0003, 0.0025},
	"gemini-2.5-pro":             {0.00125, 0.01},
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{models: map[string]*ModelUsage{}}
}

// Add records one request's usage.
func (t *UsageTracker) Add(modelID string, usage model.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu, ok := t.models[modelID]
	if !ok {
		mu = &ModelUsage{}
		t.models[modelID] = mu
	}
	mu.InputTokens += usage.InputTokens
	mu.OutputTokens += usage.OutputTokens
	if p, ok := pricing[modelID]; ok {
		mu.CostUSD += float64(usage.InputTokens)/1000*p.inputPer1K +
			float64(usage.OutputTokens)/1000*p.outputPer1K
	}
}

// Totals returns the aggregate across all models.
func (t *UsageTracker) Totals() ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total ModelUsage
	for _, mu := range t.models {
		total.InputTokens += mu.InputTokens
		total.OutputTokens += mu.OutputTokens
		total.CostUSD += mu.CostUSD
	}
	return total
}

// PerModel returns a copy of the usage per model id.
func (t *UsageTracker) PerModel() map[string]ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelUsage, len(t.models))
	keys := make([]string, 0, len(t.models))
	for k := range t.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = *t.models[k]
	}
	return out
}
