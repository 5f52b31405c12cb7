package generation

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI completes prompts with the chat completions API.
type OpenAI struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAI creates an OpenAI provider. The SDK's own retries are disabled;
// redelivery is the job queue's business.
func NewOpenAI(apiKey, baseURL, defaultModel string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if defaultModel == "" {
		defaultModel = string(openai.ChatModelGPT4oMini)
	}
	return &OpenAI{client: openai.NewClient(opts...), defaultModel: defaultModel}
}

// Complete implements Client.
func (p *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserPrompt),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return Response{}, classify("openai", status, err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, classify("openai", 0, errors.New("no choices in response"))
	}

	return withParsed(Response{
		Provider: "openai",
		Model:    completion.Model,
		Content:  completion.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}), nil
}
