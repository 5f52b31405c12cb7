package pipeline

import (
	"context"

	"github.com/ashita-ai/jikken/internal/model"
)

// EngagementSource reports how recipients engaged with a delivered action.
// ok is false when the source has no data for the action.
type EngagementSource interface {
	Name() string
	Engagement(ctx context.Context, a model.OutboundAction) (value float64, ok bool, err error)
}

// NoEngagement never reports engagement.
type NoEngagement struct{}

// Name implements EngagementSource.
func (NoEngagement) Name() string { return "none" }

// Engagement implements EngagementSource.
func (NoEngagement) Engagement(context.Context, model.OutboundAction) (float64, bool, error) {
	return 0, false, nil
}

// EngagementFunc adapts a function to EngagementSource.
type EngagementFunc func(ctx context.Context, a model.OutboundAction) (float64, bool, error)

// Name implements EngagementSource.
func (EngagementFunc) Name() string { return "func" }

// Engagement implements EngagementSource.
func (f EngagementFunc) Engagement(ctx context.Context, a model.OutboundAction) (float64, bool, error) {
	return f(ctx, a)
}
