//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// topics builds and parses the bridge's topic layout:
//
//	<prefix>/bridge/state
//	<prefix>/<id>/state
//	<prefix>/<id>/availability
//	<prefix>/<id>/set
//	<prefix>/<id>/get
type topics struct {
	prefix string
}

func (t topics) bridgeState() string { return t.prefix + "/bridge/state" }
func (t topics) state(id string) string { return t.prefix + "/" + id + "/state" }
func (t topics) availability(id string) string { return t.prefix + "/" + id + "/availability" }
func (t topics) setFilter() string { return t.prefix + "/+/set" }
func (t topics) getFilter() string { return t.prefix + "/+/get" }

// deviceID extracts <id> from a set or get topic.
func (t topics) deviceID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return "", false
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" || id == "bridge" || strings.ContainsAny(id, "+#") || strings.Contains(action, "/") {
		return "", false
	}
	if action != "set" && action != "get" {
		return "", false
	}
	return id, true
}

// parseDPS decodes a set payload. Both {"1":true} and {"dps":{"1":true}}
// are accepted; numbers keep their literal form.
func parseDPS(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode dps: %w", err)
	}
	if inner, ok := m["dps"].(map[string]any); ok && len(m) == 1 {
		m = inner
	}
	if len(m) == 0 {
		return nil, errors.New("no data points")
	}
	return m, nil
}
