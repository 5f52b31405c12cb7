// Package outbound delivers approved proposals through channel connectors.
//
// Delivery is at most once per (connector, proposal): Sender records the
// action under a deterministic idempotency key before calling the connector,
// and a redelivered job finds that record and does not send again.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/idempotency"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

// ErrNoConnector is returned when no connector supports a channel.
var ErrNoConnector = errors.New("outbound: no connector for channel")

// Result is what a connector reports for a successful delivery.
type Result struct {
	ExternalID string
	Response   map[string]any
}

// Connector delivers proposals over one or more channels.
type Connector interface {
	Name() string
	Supports(channel string) bool
	Send(ctx context.Context, p model.OutboundProposal) (Result, error)
}

// Registry resolves a channel to a connector. Registration order decides ties.
type Registry struct {
	mu         sync.RWMutex
	connectors []Connector
	fallback   Connector
}

// NewRegistry creates a registry. fallback may be nil; when set it serves
// every channel no registered connector supports.
func NewRegistry(fallback Connector, connectors ...Connector) *Registry {
	return &Registry{connectors: connectors, fallback: fallback}
}

// Register appends a connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors = append(r.connectors, c)
}

// For returns the connector for channel.
func (r *Registry) For(channel string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connectors {
		if c.Supports(channel) {
			return c, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoConnector, channel)
}

// Names lists registered connector names, fallback last.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors)+1)
	for _, c := range r.connectors {
		names = append(names, c.Name())
	}
	if r.fallback != nil && !slices.Contains(names, r.fallback.Name()) {
		names = append(names, r.fallback.Name())
	}
	return names
}

// ActionStore is the persistence Sender needs.
type ActionStore interface {
	CreateOutboundAction(ctx context.Context, a model.OutboundAction) (model.OutboundAction, bool, error)
	GetOutboundActionByKey(ctx context.Context, key string) (model.OutboundAction, error)
	FinishOutboundAction(ctx context.Context, id uuid.UUID, status model.OutboundStatus, externalID string, response map[string]any) error
}

// Sender records and performs deliveries.
type Sender struct {
	store    ActionStore
	registry *Registry
	logger   *slog.Logger
}

// NewSender creates a Sender.
func NewSender(store ActionStore, registry *Registry, logger *slog.Logger) *Sender {
	return &Sender{store: store, registry: registry, logger: logger}
}

// SendKey is the idempotency key of delivering proposal through connector.
func SendKey(connector string, proposalID uuid.UUID) string {
	return idempotency.Key("outbound.send", connector, proposalID)
}

// Existing returns the action already recorded for p, if any.
func (s *Sender) Existing(ctx context.Context, p model.OutboundProposal) (model.OutboundAction, bool, error) {
	conn, err := s.registry.For(p.Channel)
	if err != nil {
		return model.OutboundAction{}, false, err
	}
	a, err := s.store.GetOutboundActionByKey(ctx, SendKey(conn.Name(), p.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return model.OutboundAction{}, false, nil
	}
	if err != nil {
		return model.OutboundAction{}, false, fmt.Errorf("outbound: lookup action: %w", err)
	}
	return a, true, nil
}

// Send delivers p once. When an action for the same connector and proposal
// already exists it is returned unchanged and the connector is not called.
// A failed delivery is recorded on the action; the returned error covers
// only connector resolution and persistence.
func (s *Sender) Send(ctx context.Context, p model.OutboundProposal) (model.OutboundAction, error) {
	conn, err := s.registry.For(p.Channel)
	if err != nil {
		return model.OutboundAction{}, err
	}
	key := SendKey(conn.Name(), p.ID)

	action, created, err := s.store.CreateOutboundAction(ctx, model.OutboundAction{
		ExperimentID:   p.ExperimentID,
		TeamID:         p.TeamID,
		ProposalID:     p.ID,
		Connector:      conn.Name(),
		Channel:        p.Channel,
		Status:         model.OutboundSending,
		IdempotencyKey: key,
	})
	if err != nil {
		return model.OutboundAction{}, fmt.Errorf("outbound: record action: %w", err)
	}
	if !created {
		s.logger.Debug("outbound: action exists, not resending",
			"proposal_id", p.ID, "connector", conn.Name(), "status", action.Status)
		return action, nil
	}

	res, sendErr := conn.Send(ctx, p)
	if sendErr != nil {
		action.Status = model.OutboundFailed
		action.Response = map[string]any{"error": sendErr.Error()}
		s.logger.Warn("outbound: delivery failed",
			"proposal_id", p.ID, "connector", conn.Name(), "channel", p.Channel, "error", sendErr)
	} else {
		action.Status = model.OutboundSent
		action.ExternalID = res.ExternalID
		action.Response = res.Response
		if action.Response == nil {
			action.Response = map[string]any{}
		}
		s.logger.Info("outbound: delivered",
			"proposal_id", p.ID, "connector", conn.Name(), "channel", p.Channel, "external_id", res.ExternalID)
	}
	// Persist with a context that outlives a cancelled job so the record of
	// an external side effect is not lost.
	if err := s.store.FinishOutboundAction(context.WithoutCancel(ctx), action.ID, action.Status, action.ExternalID, action.Response); err != nil {
		return action, fmt.Errorf("outbound: finish action %s: %w", action.ID, err)
	}
	return action, nil
}
