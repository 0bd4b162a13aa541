package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/supporthub/internal/config"
	"github.com/nugget/supporthub/internal/events"
	"github.com/nugget/supporthub/internal/ticket"
)

// ErrNotConnected is returned when publishing before Start.
var ErrNotConnected = errors.New("mqtt publisher not started")

// StatsSource provides runtime data for the stats document. The
// concrete adapter is wired in main.go to avoid coupling this package
// to the session store or gateway.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// Model returns the configured reasoning model name.
	Model() string
	// ActiveSessions returns the count of retained conversation sessions.
	ActiveSessions() int
}

// Stats is the retained document published to <prefix>/stats.
type Stats struct {
	Version        string        `json:"version"`
	Model          string        `json:"model"`
	UptimeSeconds  int64         `json:"uptime_seconds"`
	ActiveSessions int           `json:"active_sessions"`
	Today          DailySnapshot `json:"today"`
	LastMessage    string        `json:"last_message,omitempty"`
	PublishedAt    string        `json:"published_at"`
}

// Publisher manages the MQTT connection, publishes ticket events and
// runs a periodic loop that pushes the stats document to the broker.
type Publisher struct {
	cfg      config.MQTTConfig
	counters *DailyCounters
	stats    StatsSource
	bus      *events.Bus
	logger   *slog.Logger
	cm       atomic.Pointer[autopaho.ConnectionManager]

	lastMessage time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, counters *DailyCounters, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if counters == nil {
		counters = NewDailyCounters(nil)
	}
	return &Publisher{
		cfg:      cfg,
		counters: counters,
		stats:    stats,
		logger:   logger.With("component", "mqtt"),
	}
}

// SetEventBus feeds message events into the daily counters. Call
// before Start.
func (p *Publisher) SetEventBus(b *events.Bus) {
	p.bus = b
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" to the availability topic and closes the
// connection. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// TicketCreated publishes t to the tickets topic at QoS 1. It satisfies
// ticket.Notifier.
func (p *Publisher) TicketCreated(ctx context.Context, t ticket.Ticket) error {
	p.counters.OnTicket()
	cm := p.cm.Load()
	if cm == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket %s: %w", t.ID, err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.ticketTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish ticket %s: %w", t.ID, err)
	}
	p.logger.Debug("mqtt ticket published", "ticket_id", t.ID, "topic", p.ticketTopic())
	return nil
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) ticketTopic() string {
	return p.cfg.TopicPrefix + "/tickets/created"
}

func (p *Publisher) statsTopic() string {
	return p.cfg.TopicPrefix + "/stats"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
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

// --- Periodic stats loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var evCh <-chan events.Event
	if p.bus != nil {
		evCh = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(evCh)
	}

	p.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		case e, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			p.observe(e)
		}
	}
}

// observe folds a chat event into the daily counters.
func (p *Publisher) observe(e events.Event) {
	if e.Source != events.SourceChat || e.Kind != events.KindMessageProcessed {
		return
	}
	in, _ := e.Data["tokens_in"].(int)
	out, _ := e.Data["tokens_out"].(int)
	p.counters.OnMessage(in, out)
	p.lastMessage = e.Timestamp
}

func (p *Publisher) buildStats(now time.Time) Stats {
	s := Stats{
		Today:       p.counters.Snapshot(),
		PublishedAt: now.UTC().Format(time.RFC3339),
	}
	if p.stats != nil {
		s.Version = p.stats.Version()
		s.Model = p.stats.Model()
		s.UptimeSeconds = int64(p.stats.Uptime() / time.Second)
		s.ActiveSessions = p.stats.ActiveSessions()
	}
	if !p.lastMessage.IsZero() {
		s.LastMessage = p.lastMessage.UTC().Format(time.RFC3339)
	}
	return s
}

func (p *Publisher) publishStats(ctx context.Context) {
	cm := p.cm.Load()
	if cm == nil {
		return
	}
	payload, err := json.Marshal(p.buildStats(time.Now()))
	if err != nil {
		p.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt stats published", "topic", p.statsTopic())
}
