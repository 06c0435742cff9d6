package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-profile-insights/config"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/meguminnnnnnnnn/go-openai"
	"google.golang.org/genai"
)

// NewProvider builds the provider selected by cfg.LLMProvider.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	if strings.TrimSpace(cfg.LLMAPIKey) == "" {
		return nil, ErrNotConfigured
	}
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(ctx, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL, cfg.MaxOutputTokens)
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL), nil
	case config.ProviderGemini:
		return NewGeminiProvider(ctx, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	chatModel model.ChatModel
	model     string
}

func NewOpenAIProvider(ctx context.Context, apiKey, modelName, baseURL string, maxTokens int) (*OpenAIProvider, error) {
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Model:     modelName,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("init openai chat model: %w", err)
	}
	return &OpenAIProvider{chatModel: chatModel, model: modelName}, nil
}

func (p *OpenAIProvider) Name() string { return config.ProviderOpenAI + ":" + p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := p.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)}, model.WithMaxTokens(maxTokens))
	if err != nil {
		return "", p.classify(err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", ErrMalformedResponse
	}
	return resp.Content, nil
}

// classify maps chat model errors. Error payloads carry the provider's
// message; anything that is neither a payload nor a transport failure means
// the reply could not be read (bad JSON, empty choices).
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &RemoteError{Provider: p.Name(), StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &RemoteError{Provider: p.Name(), StatusCode: reqErr.HTTPStatusCode, Message: statusMessage(reqErr.HTTPStatusCode)}
	}
	if isTransport(err) {
		return &TransportError{Provider: p.Name(), Err: err}
	}
	return fmt.Errorf("%s: %w: %v", p.Name(), ErrMalformedResponse, err)
}

// AnthropicProvider uses the Anthropic messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, modelName, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client, model: modelName}
}

func (p *AnthropicProvider) Name() string { return config.ProviderAnthropic + ":" + p.model }

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &RemoteError{Provider: p.Name(), StatusCode: apiErr.StatusCode, Message: payloadMessage(apiErr.RawJSON(), apiErr.StatusCode)}
		}
		return "", classifyCallError(p.Name(), err)
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", ErrMalformedResponse
	}
	return strings.Join(parts, "\n"), nil
}

// GeminiProvider uses the Gemini API backend of the genai client.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, modelName, baseURL string) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: modelName}, nil
}

func (p *GeminiProvider) Name() string { return config.ProviderGemini + ":" + p.model }

func (p *GeminiProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", &RemoteError{Provider: p.Name(), StatusCode: apiErr.Code, Message: apiErr.Message}
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return "", &RemoteError{Provider: p.Name(), StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
		}
		return "", classifyCallError(p.Name(), err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrMalformedResponse
	}

	var parts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	if len(parts) == 0 {
		return "", ErrMalformedResponse
	}
	return strings.Join(parts, ""), nil
}

// classifyCallError separates failures that never reached the provider
// from errors the provider reported.
func classifyCallError(provider string, err error) error {
	if isTransport(err) {
		return &TransportError{Provider: provider, Err: err}
	}
	return &RemoteError{Provider: provider, Message: err.Error()}
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// payloadMessage extracts error.message from an error body, falling back
// to the status text.
func payloadMessage(raw string, status int) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return statusMessage(status)
}

func statusMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}
