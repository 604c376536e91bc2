//go:build !no_mqtt

// Package mqtt mirrors discovery sessions onto an MQTT broker: live session
// events, the final report, and the persisted address map, plus a command
// topic to trigger a scan remotely.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"canmap/internal/session"
	"canmap/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// message is a prepared publish.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// buildEventMessage maps a session event onto its topic. Transient events
// (probes, identify pulses) are fire-and-forget; the session state and the
// final report are retained so late subscribers catch up.
func buildEventMessage(prefix string, e session.Event) (message, bool) {
	switch e.Type {
	case session.EventSessionState:
		state, ok := e.Data.(string)
		if !ok {
			return message{}, false
		}
		return message{Topic: prefix + "/session/state", Payload: []byte(state), Retained: true}, true
	case session.EventProbe:
		return message{Topic: prefix + "/scan/probe", Payload: mustJSON(e.Data)}, true
	case session.EventClusterFound:
		return message{Topic: prefix + "/scan/cluster", Payload: mustJSON(e.Data)}, true
	case session.EventIdentify:
		return message{Topic: prefix + "/identify", Payload: mustJSON(e.Data)}, true
	case session.EventPlanUpdate:
		return message{Topic: prefix + "/plan", Payload: mustJSON(e.Data)}, true
	case session.EventReport:
		return message{Topic: prefix + "/report", Payload: mustJSON(e.Data), Retained: true}, true
	}
	return message{}, false
}

// buildAssignmentMessages publishes the address map: the full list on one
// retained topic plus one retained topic per address.
func buildAssignmentMessages(prefix string, assignments []*store.Assignment) []message {
	msgs := []message{{
		Topic:    prefix + "/devices",
		Payload:  mustJSON(assignments),
		Retained: true,
	}}
	for _, a := range assignments {
		msgs = append(msgs, message{
			Topic:    fmt.Sprintf("%s/devices/%d", prefix, a.Address),
			Payload:  mustJSON(a),
			Retained: true,
		})
	}
	return msgs
}

// Bridge connects the discovery engine to an MQTT broker.
type Bridge struct {
	client pahomqtt.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	onScan func()
}

// NewBridge creates and connects a bridge. The broker's last-will marks the
// bridge offline if the process dies.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "canmap"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(message{Topic: b.prefix + "/bridge/state", Payload: []byte("online"), Retained: true})
			b.subscribeScanCommand()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// OnScanCommand registers the callback for the <prefix>/scan/set topic.
func (b *Bridge) OnScanCommand(fn func()) {
	b.mu.Lock()
	b.onScan = fn
	b.mu.Unlock()
}

// Attach subscribes to a session's events and mirrors them to the broker.
// Returns the unsubscribe function; each session gets its own attachment.
func (b *Bridge) Attach(events *session.EventBus) func() {
	return events.OnAll(func(e session.Event) {
		msg, ok := buildEventMessage(b.prefix, e)
		if !ok {
			return
		}
		b.publish(msg)
	})
}

// PublishAssignments mirrors the persisted address map.
func (b *Bridge) PublishAssignments(assignments []*store.Assignment) {
	for _, msg := range buildAssignmentMessages(b.prefix, assignments) {
		b.publish(msg)
	}
}

// Stop publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.publish(message{Topic: b.prefix + "/bridge/state", Payload: []byte("offline"), Retained: true})
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) subscribeScanCommand() {
	topic := b.prefix + "/scan/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.mu.Lock()
		fn := b.onScan
		b.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) publish(msg message) {
	token := b.client.Publish(msg.Topic, 1, msg.Retained, msg.Payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", msg.Topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", msg.Topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
