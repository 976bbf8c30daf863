package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelgate/modelgate/src/models"
)

func TestEstimateTokenCount(t *testing.T) {
	assert.Equal(t, 10, EstimateTokenCount("short"), "short text gets the minimum buffer")
	assert.Equal(t, 100, EstimateTokenCount(strings.Repeat("a", 400)))
}

func TestEstimateRequestTokens_IncludesOutputBudget(t *testing.T) {
	req := &models.InferenceRequest{
		Payload:   models.Payload{Kind: models.PayloadRaw, Raw: []byte(strings.Repeat("x", 400))},
		MaxTokens: 50,
	}
	assert.Equal(t, 150, EstimateRequestTokens(req))
}

func TestCost(t *testing.T) {
	d := models.ModelDescriptor{
		CostPerInputToken:  0.000001,
		CostPerOutputToken: 0.000002,
	}
	usage := models.TokenUsage{InputTokens: 1000, OutputTokens: 500}
	assert.InDelta(t, 0.002, Cost(d, usage), 1e-9)
}

func TestWorstCaseCost_AssumesSymmetricalOutput(t *testing.T) {
	d := models.ModelDescriptor{
		CostPerInputToken:  0.001,
		CostPerOutputToken: 0.001,
	}
	req := &models.InferenceRequest{
		Payload: models.Payload{Kind: models.PayloadRaw, Raw: []byte(strings.Repeat("x", 400))},
	}
	// 100 input + 100 assumed output tokens
	assert.InDelta(t, 0.2, WorstCaseCost(d, req), 1e-9)
}
