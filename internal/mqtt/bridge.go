//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tuya-go-home/internal/coordinator"
	"tuya-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Controller is the part of the coordinator the bridge drives.
type Controller interface {
	Context() context.Context
	Events() *coordinator.EventBus
	Devices() ([]*store.Device, error)
	Device(id string) (*store.Device, error)
	Status(ctx context.Context, id string) (map[string]any, error)
	Set(ctx context.Context, id string, dps map[string]any) error
}

// Bridge mirrors device state and availability to MQTT and forwards
// data point writes from MQTT to the devices.
type Bridge struct {
	client pahomqtt.Client
	coord  Controller
	topics topics
	logger *slog.Logger

	mu    sync.Mutex
	unsub func()
}

func newBridge(coord Controller, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		coord:  coord,
		topics: topics{prefix: cfg.TopicPrefix},
		logger: logger.With("component", "mqtt"),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "tuya-go-home"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "tuya"
	}
	b := newBridge(coord, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topics.bridgeState(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.mu.Lock()
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.mu.Unlock()
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.mu.Unlock()
	if token := b.client.Publish(b.topics.bridgeState(), 1, true, "offline"); !token.WaitTimeout(2 * time.Second) {
		b.logger.Warn("MQTT offline publish timeout")
	}
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs after every (re)connect: broker state is rebuilt from the
// store and command subscriptions are renewed.
func (b *Bridge) onConnect() {
	b.publish(b.topics.bridgeState(), []byte("online"), true)

	devices, err := b.coord.Devices()
	if err != nil {
		b.logger.Error("list devices for MQTT sync", "err", err)
	}
	for _, dev := range devices {
		b.publishAvailability(dev.ID, dev.Online)
		if len(dev.DPS) > 0 {
			b.publish(b.topics.state(dev.ID), mustJSON(dev.DPS), true)
		}
	}

	b.subscribe(b.topics.setFilter(), b.handleSet)
	b.subscribe(b.topics.getFilter(), b.handleGet)
}

func (b *Bridge) subscribe(filter string, handle func(id string, payload []byte)) {
	token := b.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		id, ok := b.topics.deviceID(msg.Topic())
		if !ok {
			return
		}
		handle(id, msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", filter)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", filter, "err", err)
		}
	}()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch data := event.Data.(type) {
	case coordinator.StatusEvent:
		b.publish(b.topics.state(data.DeviceID), mustJSON(data.State), true)
	case coordinator.ConnectionEvent:
		b.publishAvailability(data.DeviceID, event.Type == coordinator.EventDeviceConnected)
	}
}

func (b *Bridge) publishAvailability(id string, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	b.publish(b.topics.availability(id), []byte(state), true)
}

func (b *Bridge) handleSet(id string, payload []byte) {
	dps, err := parseDPS(payload)
	if err != nil {
		b.logger.Warn("invalid set payload", "device", id, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()
	if err := b.coord.Set(ctx, id, dps); err != nil {
		b.logger.Warn("set failed", "device", id, "err", err)
	}
}

func (b *Bridge) handleGet(id string, _ []byte) {
	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()
	// The reply reaches MQTT through the status event.
	if _, err := b.coord.Status(ctx, id); err != nil {
		b.logger.Warn("status query failed", "device", id, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
