package cost

import "github.com/substratehq/substrate/internal/adapter"

// modelPricing is USD per million tokens, by direction.
type modelPricing struct {
	inputPerM  float64
	outputPerM float64
}

// agentPricing maps adapter ids to their default model's metered price.
// Unknown agents estimate at zero, which disables budget gating for them.
var agentPricing = map[string]modelPricing{
	string(adapter.IDClaudeCode): {inputPerM: 3.00, outputPerM: 15.00},
	string(adapter.IDCodex):      {inputPerM: 1.25, outputPerM: 10.00},
	string(adapter.IDGemini):     {inputPerM: 1.25, outputPerM: 10.00},
}

// EstimateUSD predicts a prompt's metered cost for the given agent using
// the shared token heuristic. The engine uses it for pre-dispatch budget
// gating.
func EstimateUSD(agentID, prompt string) float64 {
	pricing, ok := agentPricing[agentID]
	if !ok {
		return 0
	}
	est := adapter.Estimate(prompt)
	return float64(est.Input)/1e6*pricing.inputPerM +
		float64(est.Output)/1e6*pricing.outputPerM
}
