package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/specforge/config"
)

// OpenAIBackend implements Backend with the chat completions API.
type OpenAIBackend struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIBackend builds a backend for any OpenAI-compatible endpoint.
func NewOpenAIBackend(cfg config.LLMConfig) *OpenAIBackend {
	return &OpenAIBackend{
		client:    openai.NewClientWithConfig(clientConfig(cfg.APIKey, cfg.BaseURL)),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Complete sends a single chat completion. A shape hint switches the response format to JSON.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	prompt := req.Prompt
	if req.ShapeHint != "" {
		prompt += "\n\nRespond with JSON matching this schema:\n" + req.ShapeHint
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	creq := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	} else if b.maxTokens > 0 {
		creq.MaxTokens = b.maxTokens
	}
	if req.ShapeHint != "" {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := b.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("empty choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder implements Embedder with the embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIEmbedder reuses the llm credentials with the embedding section's model.
func NewOpenAIEmbedder(llmCfg config.LLMConfig, cfg config.EmbeddingConfig) *OpenAIEmbedder {
	cfg = cfg.Normalize()
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientConfig(llmCfg.APIKey, llmCfg.BaseURL)),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: empty input")
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, Classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("embed: empty response")}
	}
	return resp.Data[0].Embedding, nil
}

func clientConfig(apiKey, baseURL string) openai.ClientConfig {
	cc := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cc.BaseURL = baseURL
	}
	return cc
}
