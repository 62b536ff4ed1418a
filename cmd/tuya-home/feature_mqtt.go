//go:build !no_mqtt

package main

import (
	"log/slog"
	"os"

	mqttbridge "tuya-go-home/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// bridgeConfig maps the mqtt section onto the bridge. An empty client id
// becomes tuya-home-<hostname>.
func (c *Config) bridgeConfig() mqttbridge.Config {
	clientID := c.MQTT.ClientID
	if clientID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		clientID = "tuya-home-" + host
	}
	return mqttbridge.Config{
		Broker:      c.MQTT.Broker,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		ClientID:    clientID,
		TopicPrefix: c.MQTT.TopicPrefix,
	}
}

// initMQTT starts the bridge when enabled. A broker that cannot be set up
// is logged and the daemon runs without MQTT.
func initMQTT(ctrl mqttbridge.Controller, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		logger.Debug("mqtt disabled")
		return &mqttStopper{}
	}
	bcfg := cfg.bridgeConfig()
	bridge, err := mqttbridge.NewBridge(ctrl, bcfg, logger)
	if err != nil {
		logger.Error("mqtt bridge", "broker", bcfg.Broker, "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	logger.Info("mqtt bridge started", "broker", bcfg.Broker, "client_id", bcfg.ClientID, "prefix", bcfg.TopicPrefix)
	return &mqttStopper{bridge: bridge}
}
