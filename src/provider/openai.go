package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/modelgate/modelgate/src/models"
	"github.com/modelgate/modelgate/src/utils"
)

// OpenAIAdapter serves chat, completion and embedding requests through
// the OpenAI API (or any endpoint speaking its protocol).
type OpenAIAdapter struct {
	name    string
	client  *openai.Client
	timeout time.Duration
}

func NewOpenAIAdapter(name, apiKey, baseURL string, timeout time.Duration) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{
		name:    name,
		client:  openai.NewClientWithConfig(cfg),
		timeout: timeout,
	}
}

func (a *OpenAIAdapter) Name() string {
	return a.name
}

func (a *OpenAIAdapter) Invoke(ctx context.Context, model models.ModelDescriptor, req *models.InferenceRequest) (*models.InferenceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()

	if req.Payload.Kind == models.PayloadEmbedding {
		return a.embed(ctx, model, req, start)
	}
	return a.chat(ctx, model, req, start)
}

func (a *OpenAIAdapter) chat(ctx context.Context, model models.ModelDescriptor, req *models.InferenceRequest, start time.Time) (*models.InferenceResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Payload.Messages)+1)
	for _, m := range req.Payload.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if req.Payload.Kind == models.PayloadVision && req.Payload.ImageURL != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: req.Payload.Input},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: req.Payload.ImageURL}},
			},
		})
	}
	if len(messages) == 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Payload.Text(),
		})
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelName(model),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewTransientError(a.name, errors.New("no choices returned"))
	}

	usage := models.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	return a.result(model, req, resp.Choices[0].Message.Content, usage, start), nil
}

func (a *OpenAIAdapter) embed(ctx context.Context, model models.ModelDescriptor, req *models.InferenceRequest, start time.Time) (*models.InferenceResult, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{req.Payload.Input},
		Model: openai.EmbeddingModel(modelName(model)),
	})
	if err != nil {
		return nil, a.classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, models.NewTransientError(a.name, errors.New("no embedding returned"))
	}

	usage := models.TokenUsage{
		InputTokens: resp.Usage.PromptTokens,
		TotalTokens: resp.Usage.TotalTokens,
	}
	return a.result(model, req, fmt.Sprintf("%v", resp.Data[0].Embedding), usage, start), nil
}

func (a *OpenAIAdapter) result(model models.ModelDescriptor, req *models.InferenceRequest, output string, usage models.TokenUsage, start time.Time) *models.InferenceResult {
	return &models.InferenceResult{
		RequestID: req.RequestID,
		ModelID:   model.ID,
		Provider:  a.name,
		Output:    output,
		Usage:     usage,
		CostUSD:   utils.Cost(model, usage),
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
}

// classify maps SDK errors onto the transient/permanent taxonomy.
// Auth, malformed-request and content-policy failures are caller-side
// problems; everything else counts against provider health.
func (a *OpenAIAdapter) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode >= 500,
			apiErr.HTTPStatusCode == 429,
			apiErr.HTTPStatusCode == 408:
			return models.NewTransientError(a.name, err)
		default:
			return models.NewPermanentError(a.name, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewTransientError(a.name, err)
	}

	// Connection resets and other transport failures
	return models.NewTransientError(a.name, err)
}

// modelName strips the "provider/" prefix the catalog uses for
// globally unique IDs, leaving the name the API expects.
func modelName(model models.ModelDescriptor) string {
	id := model.ID
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[i+1:]
		}
	}
	return id
}
