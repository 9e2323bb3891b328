// Package webhookpub is the HTTP webhook north-bound adapter: a bus
// subscriber that POSTs a rendered body to a configured URL per
// matching frame, retrying 5xx/network failures with jittered
// exponential backoff while treating any 4xx response as non-retryable.
// Its bus subscription is a live one; frames are not replayed from the
// WAL.
package webhookpub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/fanout/template"
	"github.com/edgegw/gateway/internal/frame"
	"go.uber.org/zap"
)

// Config is the webhook{url, method, body_template, headers, retry}
// block of a north-bound target.
type Config struct {
	URL          string
	Method       string
	BodyTemplate string
	Headers      map[string]string
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.BodyTemplate == "" {
		c.BodyTemplate = `{"tag":"{{tag}}","value":"{{value}}","timestamp":"{{timestamp}}"}`
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Publisher subscribes to the bus and delivers a webhook call per
// matching frame.
type Publisher struct {
	cfg    Config
	client *http.Client
	b      *bus.Bus
	sub    *bus.Subscription
	log    *zap.Logger
}

func New(cfg Config, b *bus.Bus, filter bus.Filter, log *zap.Logger) *Publisher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		b:      b,
		sub:    b.Subscribe("webhookpub:"+cfg.URL, filter, 1024),
		log:    log,
	}
}

// Run pumps frames from the bus to the webhook until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-p.sub.Ch:
			if !ok {
				return nil
			}
			p.deliver(ctx, f)
		}
	}
}

// deliver retries transient failures (network errors, timeouts, 5xx)
// with jittered exponential backoff up to MaxAttempts. Any 4xx response
// is treated as a permanent rejection of this specific body and is not
// retried - a malformed payload will never succeed by
// resending it.
func (p *Publisher) deliver(ctx context.Context, f frame.Frame) {
	body := template.Render(p.cfg.BodyTemplate, template.FromFrame(f))
	backoff := p.cfg.BaseBackoff

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		status, err := p.attempt(ctx, body)
		if err == nil && status < 400 {
			return
		}
		if err == nil && status >= 400 && status < 500 {
			p.log.Warn("webhookpub: non-retryable client error", zap.Int("status", status), zap.String("url", p.cfg.URL))
			return
		}
		if attempt == p.cfg.MaxAttempts {
			p.log.Error("webhookpub: delivery failed after retries", zap.Int("attempts", attempt), zap.Error(err), zap.Int("status", status))
			return
		}
		jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

func (p *Publisher) attempt(ctx context.Context, body string) (status int, err error) {
	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, p.cfg.URL, bytes.NewBufferString(body))
	if err != nil {
		return 0, fmt.Errorf("webhookpub: build request: %w", err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Close unsubscribes from the bus.
func (p *Publisher) Close() {
	p.b.Unsubscribe(p.sub.ID)
}
