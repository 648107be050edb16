package model

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Pricing defines USD cost per 1M tokens for input/output.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// defaultPricing provides hardcoded USD pricing per 1M text tokens.
var defaultPricing = map[string]Pricing{
	"gemini-2.0-flash":      {InputPerM: 0.10, OutputPerM: 0.40},
	"gemini-2.0-flash-lite": {InputPerM: 0.075, OutputPerM: 0.30},
	"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
}

// ResolvePricing returns pricing for a model. Experimental and dated variants
// ("-exp", "-001") resolve to their base model; unknown models cost zero.
func ResolvePricing(model string) Pricing {
	name := strings.TrimPrefix(strings.ToLower(model), "models/")
	if p, ok := defaultPricing[name]; ok {
		return p
	}
	for _, suffix := range []string{"-exp", "-001", "-002"} {
		if p, ok := defaultPricing[strings.TrimSuffix(name, suffix)]; ok {
			return p
		}
	}
	return Pricing{}
}

// ComputeCost converts token usage to USD cost using per-1M Pricing.
func ComputeCost(usage *schema.TokenUsage, p Pricing) (inputCost, outputCost, total float64) {
	if usage == nil {
		return 0, 0, 0
	}
	inputCost = p.InputPerM * float64(usage.PromptTokens) / 1_000_000.0
	outputCost = p.OutputPerM * float64(usage.CompletionTokens) / 1_000_000.0
	total = inputCost + outputCost
	return
}
