package outbound

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
)

// LogConnector records deliveries locally instead of sending them. It is the
// default fallback in development.
type LogConnector struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []model.OutboundProposal
}

// NewLogConnector creates a LogConnector.
func NewLogConnector(logger *slog.Logger) *LogConnector {
	return &LogConnector{logger: logger}
}

// Name implements Connector.
func (l *LogConnector) Name() string { return "log" }

// Supports implements Connector. Every channel is supported.
func (l *LogConnector) Supports(string) bool { return true }

// Send implements Connector.
func (l *LogConnector) Send(ctx context.Context, p model.OutboundProposal) (Result, error) {
	l.mu.Lock()
	l.sent = append(l.sent, p)
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "outbound: logged delivery",
		"proposal_id", p.ID, "experiment_id", p.ExperimentID, "channel", p.Channel)
	return Result{ExternalID: "log-" + uuid.NewString(), Response: map[string]any{"logged": true}}, nil
}

// Sent returns the proposals delivered so far.
func (l *LogConnector) Sent() []model.OutboundProposal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.OutboundProposal, len(l.sent))
	copy(out, l.sent)
	return out
}
