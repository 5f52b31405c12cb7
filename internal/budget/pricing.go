package budget

import "math"

// Rate is a price in credits per 1K tokens.
type Rate struct {
	Input  float64
	Output float64
}

// reservationMultiplier pads estimates to absorb retries and prompt overrun.
const reservationMultiplier = 1.5

// defaultRate applies to models missing from the table.
var defaultRate = Rate{Input: 30, Output: 150}

var prices = map[string]map[string]Rate{
	"anthropic": {
		"claude-sonnet-4-5": {Input: 30, Output: 150},
		"claude-haiku-4-5":  {Input: 8, Output: 40},
		"claude-opus-4-6":   {Input: 150, Output: 750},
	},
	"openai": {
		"gpt-4o":      {Input: 25, Output: 100},
		"gpt-4o-mini": {Input: 2, Output: 6},
	},
	"google": {
		"gemini-2.5-flash": {Input: 1, Output: 3},
		"gemini-2.5-pro":   {Input: 12, Output: 50},
	},
}

// RateFor returns the price of provider/model.
func RateFor(provider, model string) Rate {
	if m, ok := prices[provider]; ok {
		if r, ok := m[model]; ok {
			return r
		}
	}
	return defaultRate
}

// Estimate returns the credits to reserve for a call that may emit up to
// maxTokens from a prompt of promptChars characters (about four per token).
func Estimate(provider, model string, maxTokens, promptChars int) int64 {
	r := RateFor(provider, model)
	inTokens := float64(promptChars) / 4
	credits := (inTokens*r.Input + float64(maxTokens)*r.Output) / 1000 * reservationMultiplier
	return max(int64(math.Ceil(credits)), 1)
}

// Cost returns the credits owed for the reported token usage.
func Cost(provider, model string, inputTokens, outputTokens int) int64 {
	r := RateFor(provider, model)
	return int64(math.Ceil((float64(inputTokens)*r.Input + float64(outputTokens)*r.Output) / 1000))
}
