// Package generation is the client side of the external text-generation
// service. Providers implement Client; Router adds fallback and circuit
// breaking across them.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrProvider        = errors.New("generation: provider error")
	ErrTimeout         = errors.New("generation: timeout")
	ErrRateLimited     = errors.New("generation: rate limited")
	ErrSchemaInvalid   = errors.New("generation: schema invalid")
	ErrUnknownProvider = errors.New("generation: unknown provider")
)

// Request is one completion call.
type Request struct {
	Provider     string
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	// CorrelationIDs tag the call for tracing (experiment_id, stage, step_id).
	CorrelationIDs map[string]string
}

// Usage is the token accounting of a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completion result. Parsed is set when Content held a JSON
// object.
type Response struct {
	Provider string
	Model    string
	Content  string
	Parsed   map[string]any
	Usage    Usage
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// classify maps a provider failure onto the package sentinels. status is the
// HTTP status when the provider reported one, else 0.
func classify(provider string, status int, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, provider, err)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %w", ErrRateLimited, provider, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s: %w", ErrTimeout, provider, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrProvider, provider, err)
	}
}

// withParsed fills resp.Parsed when the content carries a JSON object.
func withParsed(resp Response) Response {
	if m, err := ParseJSON(resp.Content); err == nil {
		resp.Parsed = m
	}
	return resp
}
