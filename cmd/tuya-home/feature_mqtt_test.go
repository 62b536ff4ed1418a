//go:build !no_mqtt

package main

import (
	"strings"
	"testing"
)

func TestBridgeConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
mqtt:
  enabled: true
  broker: tcp://broker.lan:1883
  username: home
  password: secret
  client_id: kitchen-hub
`))
	if err != nil {
		t.Fatal(err)
	}
	bc := cfg.bridgeConfig()
	if bc.Broker != "tcp://broker.lan:1883" || bc.Username != "home" || bc.Password != "secret" {
		t.Errorf("credentials: %+v", bc)
	}
	if bc.ClientID != "kitchen-hub" {
		t.Errorf("client id: got %q", bc.ClientID)
	}
	if bc.TopicPrefix != "tuya" {
		t.Errorf("prefix: got %q, want default tuya", bc.TopicPrefix)
	}

	cfg.MQTT.ClientID = ""
	if id := cfg.bridgeConfig().ClientID; !strings.HasPrefix(id, "tuya-home-") || id == "tuya-home-" {
		t.Errorf("derived client id: got %q", id)
	}
}

func TestInitMQTTDisabled(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Log.Level = "error"
	m := initMQTT(nil, cfg, newLogger(cfg))
	if m.bridge != nil {
		t.Error("bridge created while disabled")
	}
	m.Stop()
}
