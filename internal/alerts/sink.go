package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// Sink delivers one envelope to one destination. Delivery must be safe to
// retry; the dispatcher re-invokes Deliver on transient failure.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env *domain.AlertEnvelope) error
}

// LogSink writes envelopes to the structured log. It never fails and is the
// default destination in development.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, env *domain.AlertEnvelope) error {
	s.Log.Info().
		Str("alert_id", env.ID).
		Str("kind", env.Kind).
		Str("symbol", env.Symbol).
		Stringer("severity", env.Severity).
		Float64("value_usd", env.ValueUSD).
		Float64("value_tokens", env.ValueTokens).
		Msg("alert")
	return nil
}

// WebhookSink POSTs the envelope as JSON. Non-2xx responses are delivery
// failures so the dispatcher retries them.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, env *domain.AlertEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", env.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", s.URL, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", s.URL, resp.StatusCode)
	}
	return nil
}

// RedisSink publishes envelopes to a per-symbol pub/sub channel so
// downstream consumers can subscribe to just the symbols they care about.
type RedisSink struct {
	Client redis.UniversalClient
}

func (s *RedisSink) Name() string { return "redis" }

// ChannelFor is the pub/sub channel naming scheme: alerts:{SYMBOL}.
func ChannelFor(symbol string) string {
	return "alerts:" + symbol
}

func (s *RedisSink) Deliver(ctx context.Context, env *domain.AlertEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", env.ID, err)
	}
	if err := s.Client.Publish(ctx, ChannelFor(env.Symbol), body).Err(); err != nil {
		return fmt.Errorf("publish alert %s: %w", env.ID, err)
	}
	return nil
}
