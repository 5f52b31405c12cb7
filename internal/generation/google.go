package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// Google completes prompts with the Gemini API. The SDK client is created
// on first use.
type Google struct {
	apiKey       string
	baseURL      string
	defaultModel string

	mu     sync.Mutex
	client *genai.Client
}

// NewGoogle creates a Google provider.
func NewGoogle(apiKey, baseURL, defaultModel string) *Google {
	if defaultModel == "" {
		defaultModel = "gemini-2.5-flash"
	}
	return &Google{apiKey: apiKey, baseURL: baseURL, defaultModel: defaultModel}
}

func (p *Google) initClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cfg := &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("generation: create google client: %w", err)
	}
	p.client = client
	return client, nil
}

// Complete implements Client.
func (p *Google) Complete(ctx context.Context, req Request) (Response, error) {
	client, err := p.initClient(ctx)
	if err != nil {
		return Response{}, classify("google", 0, err)
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.SystemPrompt)}}
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(req.UserPrompt), cfg)
	if err != nil {
		return Response{}, classify("google", googleStatus(err), err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Response{}, classify("google", 0, errors.New("empty response"))
	}

	out := Response{Provider: "google", Model: model, Content: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return withParsed(out), nil
}

func googleStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
