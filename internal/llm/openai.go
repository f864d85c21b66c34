package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultBaseURL is Cerebras' OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.cerebras.ai/v1"

// Backend streams completion tokens for a request.
type Backend interface {
	Stream(ctx context.Context, req Request, onToken func(string) error) error
}

// OpenAIBackend talks to any OpenAI-compatible chat completions API.
type OpenAIBackend struct {
	Client openai.Client
	APIKey string
	Model  string
}

// NewOpenAIBackend builds a backend. httpClient may be nil.
func NewOpenAIBackend(baseURL, apiKey, model string, httpClient *http.Client) *OpenAIBackend {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIBackend{Client: openai.NewClient(opts...), APIKey: apiKey, Model: model}
}

func (b *OpenAIBackend) Stream(ctx context.Context, req Request, onToken func(string) error) error {
	if b.APIKey == "" {
		return fmt.Errorf("llm api key missing")
	}
	params := openai.ChatCompletionNewParams{
		Model:    b.Model,
		Messages: convMessages(req),
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	stream := b.Client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if s := chunk.Choices[0].Delta.Content; s != "" {
			if err := onToken(s); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("llm stream: %w", err)
	}
	return nil
}

func convMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
