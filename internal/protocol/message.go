package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is the logical content of a frame. Data holds a decoded JSON
// object; Raw holds payloads that are not one. At most one is set.
type Message struct {
	Cmd        Command
	Seq        uint32
	ReturnCode uint32
	Data       map[string]any
	Raw        []byte
	Version    Version
}

// NewMessage returns an outgoing message with a structured payload.
func NewMessage(v Version, cmd Command, data map[string]any) *Message {
	return &Message{Cmd: cmd, Data: data, Version: v}
}

// Payload serializes the message body. A nil Data with no Raw bytes is an
// empty payload; an empty non-nil Data map is "{}".
func (m *Message) Payload() ([]byte, error) {
	if m.Data != nil {
		b, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", m.Cmd, err)
		}
		return b, nil
	}
	return bytes.Clone(m.Raw), nil
}

// Err returns a *ResponseError when the device reported failure.
func (m *Message) Err() error {
	if m.ReturnCode == 0 {
		return nil
	}
	return &ResponseError{
		Cmd:     m.Cmd,
		Seq:     m.Seq,
		Code:    m.ReturnCode,
		Message: string(bytes.TrimRight(m.Raw, "\x00 \r\n")),
	}
}

// DPS returns the data point map of a status payload, looking at both the
// flat {"dps":{...}} layout and the 3.4 {"data":{"dps":{...}}} layout.
func (m *Message) DPS() map[string]any {
	if m.Data == nil {
		return nil
	}
	if dps, ok := m.Data["dps"].(map[string]any); ok {
		return dps
	}
	if inner, ok := m.Data["data"].(map[string]any); ok {
		if dps, ok := inner["dps"].(map[string]any); ok {
			return dps
		}
	}
	return nil
}

// DecodeMessage builds the message carried by f once its payload has been
// opened into plain.
func DecodeMessage(v Version, f *Frame, plain []byte) *Message {
	m := &Message{Cmd: f.Cmd, Seq: f.Seq, ReturnCode: f.ReturnCode, Version: v}
	if f.Cmd.isHandshake() {
		if len(plain) > 0 {
			m.Raw = bytes.Clone(plain)
		}
		return m
	}
	m.Data, m.Raw = ParsePayload(plain)
	return m
}

// ParsePayload decodes a JSON object, tolerating trailing NUL and
// whitespace. Numbers decode as json.Number. Anything else comes back
// verbatim as raw bytes; an empty payload yields neither.
func ParsePayload(b []byte) (map[string]any, []byte) {
	trimmed := bytes.TrimRight(b, "\x00 \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var data map[string]any
		if err := dec.Decode(&data); err == nil && dec.InputOffset() == int64(len(trimmed)) {
			return data, nil
		}
	}
	return nil, bytes.Clone(b)
}
