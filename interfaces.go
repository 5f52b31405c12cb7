package jikken

import "context"

// Generator produces completions.
// When provided via WithGenerator, replaces the configured OpenAI/Google router
// (and its circuit breaking). App.New() wraps it in an adapter for internal use.
type Generator interface {
	Complete(ctx context.Context, req GenerationRequest) (GenerationResponse, error)
}

// Connector delivers approved proposals over one or more channels.
// Connectors registered via WithConnector take precedence over the webhook
// connector; the log connector serves any channel nobody else claims.
// Send must be safe to call once per proposal; the engine never calls it
// twice for the same (connector, proposal).
type Connector interface {
	Name() string
	Supports(channel string) bool
	Send(ctx context.Context, p Proposal) (Delivery, error)
}

// EngagementSource reports how recipients engaged with a delivered action.
// ok is false when the source has no data yet; no engagement metric is
// recorded for that action.
type EngagementSource interface {
	Engagement(ctx context.Context, a Action) (value float64, ok bool, err error)
}

// ObjectStore holds generated artifact content.
// When provided via WithObjectStore, replaces the MinIO or in-memory store.
type ObjectStore interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}
