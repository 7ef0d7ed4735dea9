package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/frostguard/frostguard/internal/events"
)

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration

	// MaxPerMinute bounds outbound requests. Zero means 30.
	MaxPerMinute int
}

// WebhookSink POSTs events as JSON to a configured endpoint. A token-bucket
// limiter bounds the outbound rate so a flapping upstream cannot hammer the
// receiver.
type WebhookSink struct {
	name    string
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookSink creates a webhook sink with the given instance name.
func NewWebhookSink(name string, cfg WebhookConfig) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 30
	}
	return &WebhookSink{
		name:    name,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.MaxPerMinute)/60.0), cfg.MaxPerMinute),
	}
}

func (s *WebhookSink) Name() string { return s.name }

// Validate checks the static configuration.
func (s *WebhookSink) Validate() error {
	if s.cfg.URL == "" {
		return fmt.Errorf("webhook sink %s: url is required", s.name)
	}
	return nil
}

// Probe sends a HEAD request to the endpoint. Any HTTP answer counts as
// reachable; only transport errors fail the probe.
func (s *WebhookSink) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("webhook sink %s: %w", s.name, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook sink %s: probe failed: %w", s.name, err)
	}
	resp.Body.Close()
	return nil
}

// Send POSTs the event. It waits for limiter headroom up to the context
// deadline.
func (s *WebhookSink) Send(ctx context.Context, ev events.Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := ev.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
