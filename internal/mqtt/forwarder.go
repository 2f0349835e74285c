package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mnemo/internal/config"
	"github.com/nugget/mnemo/internal/events"
)

// eventBufferSize is the bus subscription buffer. Events beyond it are
// dropped by the bus while the broker is slow.
const eventBufferSize = 256

// publisher is the subset of [autopaho.ConnectionManager] the forwarder
// needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder publishes bus events to an MQTT broker.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	counter    *DailyCounter
	logger     *slog.Logger

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	stopConn context.CancelFunc
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start]
// to begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		counter:    NewDailyCounter(nil),
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. The connection itself stays up until [Forwarder.Stop] so
// the offline status can still be published during shutdown.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	connCtx, stopConn := context.WithCancel(context.WithoutCancel(ctx))

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(connCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(f.cfg.ClientID, f.instanceID),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		stopConn()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.mu.Lock()
	f.cm, f.stopConn = cm, stopConn
	f.mu.Unlock()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		// autopaho keeps retrying in the background.
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := f.bus.Subscribe(eventBufferSize)
	defer f.bus.Unsubscribe(ch)
	f.pump(ctx, cm, ch)
	return nil
}

// Stop publishes "offline" and disconnects. It is a no-op if Start
// never connected.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	cm, stopConn := f.cm, f.stopConn
	f.mu.Unlock()
	if cm == nil {
		return nil
	}
	defer stopConn()

	f.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// pump forwards events from ch until ctx ends or ch is closed.
func (f *Forwarder) pump(ctx context.Context, pub publisher, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.forward(ctx, pub, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, pub publisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := f.eventTopic(e.Kind)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}

	if f.counter.Observe(e) {
		f.publishStats(ctx, pub)
	}
}

func (f *Forwarder) publishStats(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(f.counter.Snapshot())
	if err != nil {
		f.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		f.logger.Debug("mqtt stats publish failed", "error", err)
	}
}

func (f *Forwarder) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

func (f *Forwarder) baseTopic() string {
	return strings.TrimSuffix(f.cfg.TopicPrefix, "/")
}

func (f *Forwarder) availabilityTopic() string {
	return f.baseTopic() + "/availability"
}

func (f *Forwarder) statsTopic() string {
	return f.baseTopic() + "/stats"
}

func (f *Forwarder) eventTopic(kind string) string {
	return f.baseTopic() + "/events/" + kind
}
