package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/loopgate/internal/buildinfo"
	"github.com/nugget/loopgate/internal/config"
	"github.com/nugget/loopgate/internal/events"
)

// eventBuffer is the bus subscription depth. A stalled broker drops
// events rather than blocking the loop.
const eventBuffer = 256

// client is the part of [autopaho.ConnectionManager] the publisher
// uses.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Status is the retained document on the status topic.
type Status struct {
	InstanceID string         `json:"instance_id"`
	Version    string         `json:"version"`
	UptimeSec  int64          `json:"uptime_sec"`
	Today      TotalsSnapshot `json:"today"`
	Updated    time.Time      `json:"updated"`
}

// Publisher manages the MQTT connection, forwards bus events to the
// broker, and runs a periodic loop that refreshes the status document.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	totals     *DailyTotals
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		totals:     NewDailyTotals(nil),
		logger:     logger.With("component", "mqtt"),
	}
}

// Totals exposes today's run counters.
func (p *Publisher) Totals() *DailyTotals {
	return p.totals
}

// Start connects to the MQTT broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes a birth message. Before
// returning it marks the gateway offline and disconnects.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// The connection outlives ctx long enough for Stop to publish the
	// offline message.
	connCtx := context.WithoutCancel(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(connCtx, cm, "online")
			p.publishStatus(connCtx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so nothing published during the
	// handshake is lost.
	ch := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(ch)

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx, cm, ch)

	stopCtx, stopCancel := context.WithTimeout(connCtx, 5*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		p.logger.Warn("mqtt disconnect failed", "error", err)
	}
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
// Calling Stop more than once is safe.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm = nil
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return p.cfg.ClientName + "-" + id
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.cfg.TopicPrefix + "/events/" + kind
}

// wants reports whether events of this kind are forwarded.
func (p *Publisher) wants(kind string) bool {
	return len(p.cfg.EventKinds) == 0 || slices.Contains(p.cfg.EventKinds, kind)
}

// --- Publishing ---

func (p *Publisher) publishAvailability(ctx context.Context, c client, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) status() Status {
	return Status{
		InstanceID: p.instanceID,
		Version:    buildinfo.Version,
		UptimeSec:  int64(buildinfo.Uptime().Seconds()),
		Today:      p.totals.Snapshot(),
		Updated:    time.Now().UTC(),
	}
}

func (p *Publisher) publishStatus(ctx context.Context, c client) {
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}

func (p *Publisher) forward(ctx context.Context, c client, e events.Event) {
	if !p.wants(e.Kind) {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

// --- Main loop ---

// run forwards events from ch and refreshes the status document until
// ctx is cancelled or ch is closed. A completed run also triggers an
// immediate status refresh.
func (p *Publisher) run(ctx context.Context, c client, ch <-chan events.Event) {
	interval := time.Duration(p.cfg.StatusIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.totals.Observe(e)
			p.forward(ctx, c, e)
			if e.Kind == events.KindRequestComplete {
				p.publishStatus(ctx, c)
			}
		case <-ticker.C:
			p.publishStatus(ctx, c)
		}
	}
}
