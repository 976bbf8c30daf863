package utils

import (
	"strings"

	"github.com/modelgate/modelgate/src/models"
)

// EstimateTokenCount estimates token count from text (rough approximation).
// More accurate: ~1 token per 4 characters for English.
func EstimateTokenCount(text string) int {
	text = strings.TrimSpace(text)

	tokenCount := len(text) / 4

	// Buffer for special tokens
	if tokenCount < 10 {
		tokenCount = 10
	}

	return tokenCount
}

// EstimateRequestTokens estimates the input token count of a request,
// including the expected output budget when the caller set one. This is
// the figure the rate limiter and router filters work with.
func EstimateRequestTokens(req *models.InferenceRequest) int {
	tokens := EstimateTokenCount(req.Payload.Text())
	if req.MaxTokens > 0 {
		tokens += req.MaxTokens
	}
	return tokens
}

// Cost computes the dollar cost of a usage record against a
// descriptor's per-token rates.
func Cost(d models.ModelDescriptor, usage models.TokenUsage) float64 {
	return float64(usage.InputTokens)*d.CostPerInputToken +
		float64(usage.OutputTokens)*d.CostPerOutputToken
}

// WorstCaseCost is the upper-bound cost of a request against a
// descriptor, used for max-cost candidate filtering before the actual
// usage is known.
func WorstCaseCost(d models.ModelDescriptor, req *models.InferenceRequest) float64 {
	inputTokens := EstimateTokenCount(req.Payload.Text())
	outputTokens := req.MaxTokens
	if outputTokens == 0 {
		// Assume symmetrical output when the caller set no budget.
		outputTokens = inputTokens
	}
	return Cost(d, models.TokenUsage{InputTokens: inputTokens, OutputTokens: outputTokens})
}
