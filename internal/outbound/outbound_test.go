package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage/memstore"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeConnector struct {
	name     string
	channels []string
	calls    atomic.Int32
	err      error
}

func (f *fakeConnector) Name() string { return f.name }
func (f *fakeConnector) Supports(ch string) bool {
	for _, c := range f.channels {
		if c == ch {
			return true
		}
	}
	return false
}
func (f *fakeConnector) Send(context.Context, model.OutboundProposal) (Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{ExternalID: "ext-1", Response: map[string]any{"ok": true}}, nil
}

func proposal(channel string) model.OutboundProposal {
	return model.OutboundProposal{
		ID:           uuid.New(),
		ExperimentID: uuid.New(),
		TeamID:       uuid.New(),
		Channel:      channel,
		Target:       map[string]any{"to": "founder@example.com"},
		Content:      map[string]any{"subject": "Hello"},
		Status:       model.ProposalApproved,
	}
}

func TestRegistryLookup(t *testing.T) {
	email := &fakeConnector{name: "smtp", channels: []string{"email"}}
	fallback := NewLogConnector(discard())

	r := NewRegistry(nil, email)
	c, err := r.For("email")
	require.NoError(t, err)
	assert.Equal(t, "smtp", c.Name())
	_, err = r.For("sms")
	require.ErrorIs(t, err, ErrNoConnector)

	r = NewRegistry(fallback, email)
	c, err = r.For("sms")
	require.NoError(t, err)
	assert.Equal(t, "log", c.Name())
	assert.Equal(t, []string{"smtp", "log"}, r.Names())
}

func TestSenderSendsOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	conn := &fakeConnector{name: "smtp", channels: []string{"email"}}
	s := NewSender(store, NewRegistry(nil, conn), discard())
	p := proposal("email")

	first, err := s.Send(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, model.OutboundSent, first.Status)
	assert.Equal(t, "ext-1", first.ExternalID)
	assert.Equal(t, SendKey("smtp", p.ID), first.IdempotencyKey)

	existing, ok, err := s.Existing(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, existing.ID)

	again, err := s.Send(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, model.OutboundSent, again.Status)
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestSenderConcurrentSendsProduceOneAction(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	conn := &fakeConnector{name: "smtp", channels: []string{"email"}}
	s := NewSender(store, NewRegistry(nil, conn), discard())
	p, _, err := store.CreateProposal(ctx, proposal("email"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.Send(ctx, p)
			assert.NoError(t, err)
			ids[i] = a.ID
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), conn.calls.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	actions, err := store.ListOutboundActions(ctx, p.ExperimentID, p.Iteration)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestSenderRecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	conn := &fakeConnector{name: "smtp", channels: []string{"email"}, err: errors.New("mailbox full")}
	s := NewSender(store, NewRegistry(nil, conn), discard())
	p := proposal("email")

	a, err := s.Send(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, model.OutboundFailed, a.Status)
	assert.Equal(t, "mailbox full", a.Response["error"])

	// A failed delivery is not retried through the same connector.
	_, err = s.Send(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestSenderNoConnector(t *testing.T) {
	s := NewSender(memstore.New(), NewRegistry(nil), discard())
	_, ok, err := s.Existing(context.Background(), proposal("carrier-pigeon"))
	require.ErrorIs(t, err, ErrNoConnector)
	assert.False(t, ok)
	_, err = s.Send(context.Background(), proposal("carrier-pigeon"))
	require.ErrorIs(t, err, ErrNoConnector)
}

func TestWebhookConnector(t *testing.T) {
	var gotSig string
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		assert.Equal(t, Sign([]byte("s3cret"), body), gotSig)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id": "msg-42"}`)
	}))
	defer srv.Close()

	w := NewWebhookConnector(srv.URL, "s3cret")
	assert.True(t, w.Supports("webhook"))
	assert.False(t, w.Supports("email"))

	p := proposal("webhook")
	res, err := w.Send(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "msg-42", res.ExternalID)
	assert.Equal(t, p.ID.String(), got.ProposalID)
	assert.Equal(t, "Hello", got.Content["subject"])
	assert.Contains(t, gotSig, "sha256=")
}

func TestWebhookTargetURLAndErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	w := NewWebhookConnector("", "", "webhook", "slack")
	p := proposal("slack")
	_, err := w.Send(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no url")

	p.Target["url"] = srv.URL
	_, err = w.Send(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Equal(t, int32(1), hits.Load())
}

func TestLogConnector(t *testing.T) {
	l := NewLogConnector(discard())
	assert.True(t, l.Supports("anything"))
	res, err := l.Send(context.Background(), proposal("email"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExternalID)
	assert.Len(t, l.Sent(), 1)
}
