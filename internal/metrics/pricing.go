package metrics

import "strings"

// Price is the list price of a model family in USD per million tokens.
type Price struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// prices is keyed by the family name found in model ids.
var prices = map[string]Price{
	"opus":   {Input: 15.00, Output: 75.00, CacheWrite: 18.75, CacheRead: 1.50},
	"sonnet": {Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30},
	"haiku":  {Input: 0.80, Output: 4.00, CacheWrite: 1.00, CacheRead: 0.08},
}

// PriceFor returns the price for a model id such as "claude-sonnet-4-5".
func PriceFor(model string) (Price, bool) {
	lower := strings.ToLower(model)
	for family, p := range prices {
		if strings.Contains(lower, family) {
			return p, true
		}
	}
	return Price{}, false
}

// EstimateCost estimates the USD cost of usage on the given model.
// Unknown models cost zero.
func EstimateCost(model string, u Usage) float64 {
	p, ok := PriceFor(model)
	if !ok {
		return 0
	}
	const perMillion = 1_000_000.0
	return float64(u.InputTokens)*p.Input/perMillion +
		float64(u.OutputTokens)*p.Output/perMillion +
		float64(u.CacheCreationTokens)*p.CacheWrite/perMillion +
		float64(u.CacheReadTokens)*p.CacheRead/perMillion
}
