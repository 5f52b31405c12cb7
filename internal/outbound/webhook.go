package outbound

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/jikken/internal/model"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// and prefixed with "sha256=".
const SignatureHeader = "X-Webhook-Signature"

// WebhookConnector POSTs proposals as JSON to an HTTP endpoint. The URL is
// taken from the proposal target's "url" field when present.
type WebhookConnector struct {
	defaultURL string
	secret     []byte
	channels   []string
	httpClient *http.Client
}

// NewWebhookConnector creates a webhook connector for channels. With no
// channels it supports only "webhook".
func NewWebhookConnector(defaultURL, secret string, channels ...string) *WebhookConnector {
	if len(channels) == 0 {
		channels = []string{"webhook"}
	}
	return &WebhookConnector{
		defaultURL: defaultURL,
		secret:     []byte(secret),
		channels:   channels,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Name implements Connector.
func (w *WebhookConnector) Name() string { return "webhook" }

// Supports implements Connector.
func (w *WebhookConnector) Supports(channel string) bool {
	for _, c := range w.channels {
		if c == channel {
			return true
		}
	}
	return false
}

type webhookPayload struct {
	ProposalID   string         `json:"proposal_id"`
	ExperimentID string         `json:"experiment_id"`
	Iteration    int            `json:"iteration"`
	Channel      string         `json:"channel"`
	Target       map[string]any `json:"target"`
	Content      map[string]any `json:"content"`
}

// Send implements Connector.
func (w *WebhookConnector) Send(ctx context.Context, p model.OutboundProposal) (Result, error) {
	url := w.defaultURL
	if u, ok := p.Target["url"].(string); ok && u != "" {
		url = u
	}
	if url == "" {
		return Result{}, fmt.Errorf("webhook: no url for proposal %s", p.ID)
	}

	body, err := json.Marshal(webhookPayload{
		ProposalID:   p.ID.String(),
		ExperimentID: p.ExperimentID.String(),
		Iteration:    p.Iteration,
		Channel:      p.Channel,
		Target:       p.Target,
		Content:      p.Content,
	})
	if err != nil {
		return Result{}, fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("webhook: status %d: %s", resp.StatusCode, string(respBody))
	}

	res := Result{Response: map[string]any{"status_code": resp.StatusCode}}
	var decoded map[string]any
	if json.Unmarshal(respBody, &decoded) == nil {
		res.Response["body"] = decoded
		if id, ok := decoded["id"].(string); ok {
			res.ExternalID = id
		}
	}
	return res, nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
