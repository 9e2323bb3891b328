// Package mqttpub is the MQTT north-bound adapter: a bus subscriber
// that republishes telemetry/alert frames onto an MQTT broker via
// eclipse/paho.mqtt.golang, reconnecting with jittered exponential
// backoff. Its bus subscription is a live one: frames the bus drops for
// a full subscription buffer are lost, a frame whose publish fails or
// times out is counted in Stats' dropped total, and neither is replayed
// from the WAL.
package mqttpub

import (
	"context"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/fanout/template"
	"github.com/edgegw/gateway/internal/frame"
	"go.uber.org/zap"
)

// Config is the MQTT publisher's settings; cmd/edgegwd fills BrokerURL,
// ClientID and TopicTemplate from its command-line flags.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicTemplate  string // e.g. "gateway/{{device_name}}/{{tag_name}}"
	QoS            byte
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopicTemplate == "" {
		c.TopicTemplate = "gateway/{{device_name}}/{{tag_name}}"
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 2 * time.Minute
	}
	return c
}

// Publisher subscribes to the bus and republishes every matching frame
// onto the configured MQTT broker.
type Publisher struct {
	cfg    Config
	client mqtt.Client
	b      *bus.Bus
	sub    *bus.Subscription
	log    *zap.Logger

	mu        sync.Mutex
	published uint64
	dropped   uint64
}

// New constructs (but does not yet connect) a Publisher subscribed to
// b for frames matching filter.
func New(cfg Config, b *bus.Bus, filter bus.Filter, log *zap.Logger) *Publisher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false). // we drive reconnect ourselves for jittered backoff
		SetConnectTimeout(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	p := &Publisher{
		cfg: cfg,
		log: log,
		b:   b,
	}
	p.client = mqtt.NewClient(opts)
	p.sub = b.Subscribe("mqttpub:"+cfg.ClientID, filter, 1024)
	return p
}

// Run connects (with jittered exponential backoff on failure) and then
// pumps frames from the bus until ctx is cancelled. A connection found
// lost before a publish is re-established the same way first.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.connectWithBackoff(ctx); err != nil {
		return err
	}
	defer p.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-p.sub.Ch:
			if !ok {
				return nil
			}
			if !p.client.IsConnected() {
				if err := p.connectWithBackoff(ctx); err != nil {
					return nil
				}
			}
			p.publishOne(f)
		}
	}
}

func (p *Publisher) connectWithBackoff(ctx context.Context) error {
	backoff := p.cfg.ReconnectMin
	for {
		tok := p.client.Connect()
		if tok.WaitTimeout(5*time.Second) && tok.Error() == nil {
			return nil
		}
		p.log.Warn("mqttpub: connect failed, backing off", zap.Duration("backoff", backoff))
		jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		backoff *= 2
		if backoff > p.cfg.ReconnectMax {
			backoff = p.cfg.ReconnectMax
		}
	}
}

func (p *Publisher) publishOne(f frame.Frame) {
	topic := template.Render(p.cfg.TopicTemplate, template.FromFrame(f))
	payload := f.Value.String()

	tok := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !tok.WaitTimeout(2 * time.Second) {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.log.Warn("mqttpub: publish timed out", zap.String("topic", topic))
		return
	}
	if err := tok.Error(); err != nil {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.log.Warn("mqttpub: publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
}

// Stats reports a point-in-time snapshot of publish/drop counts.
func (p *Publisher) Stats() (published, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.dropped
}

// Close unsubscribes from the bus and disconnects the MQTT client.
func (p *Publisher) Close() {
	p.b.Unsubscribe(p.sub.ID)
	p.client.Disconnect(250)
}
