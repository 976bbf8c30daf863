package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/modelgate/modelgate/src/models"
	"github.com/modelgate/modelgate/src/utils"
)

// CompatAdapter serves chat requests through any OpenAI-compatible
// endpoint (Groq, Ollama, vLLM and the like) via langchaingo. Clients
// are built per model name on first use and reused after.
type CompatAdapter struct {
	name    string
	apiKey  string
	baseURL string
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]llms.Model
}

func NewCompatAdapter(name, apiKey, baseURL string, timeout time.Duration) *CompatAdapter {
	return &CompatAdapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: timeout,
		clients: make(map[string]llms.Model),
	}
}

func (a *CompatAdapter) Name() string {
	return a.name
}

func (a *CompatAdapter) clientFor(model string) (llms.Model, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if llm, ok := a.clients[model]; ok {
		return llm, nil
	}

	opts := []openai.Option{
		openai.WithToken(a.apiKey),
		openai.WithModel(model),
	}
	if a.baseURL != "" {
		opts = append(opts, openai.WithBaseURL(a.baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", model, err)
	}
	a.clients[model] = llm
	return llm, nil
}

func (a *CompatAdapter) Invoke(ctx context.Context, model models.ModelDescriptor, req *models.InferenceRequest) (*models.InferenceResult, error) {
	llm, err := a.clientFor(modelName(model))
	if err != nil {
		return nil, models.NewPermanentError(a.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()

	temperature := float64(req.Temperature)
	if temperature == 0 {
		temperature = 0.7
	}

	callOptions := []llms.CallOption{
		llms.WithTemperature(temperature),
	}
	if req.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(req.MaxTokens))
	}

	output, err := llms.GenerateFromSinglePrompt(ctx, llm, req.Payload.Text(), callOptions...)
	if err != nil {
		return nil, a.classify(err)
	}

	// langchaingo does not surface usage counts on this path, so the
	// accounting falls back to estimates.
	usage := models.TokenUsage{
		InputTokens:  utils.EstimateTokenCount(req.Payload.Text()),
		OutputTokens: utils.EstimateTokenCount(output),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &models.InferenceResult{
		RequestID: req.RequestID,
		ModelID:   model.ID,
		Provider:  a.name,
		Output:    output,
		Usage:     usage,
		CostUSD:   utils.Cost(model, usage),
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}, nil
}

// classify inspects the error text since langchaingo flattens HTTP
// status into the message. 4xx other than 408/429 is caller-side.
func (a *CompatAdapter) classify(err error) error {
	msg := err.Error()
	for _, code := range []string{"400", "401", "403", "404", "422"} {
		if strings.Contains(msg, "status code: "+code) {
			return models.NewPermanentError(a.name, err)
		}
	}
	return models.NewTransientError(a.name, err)
}
