// Package fakedevice simulates the device end of a Tuya LAN connection for
// tests of the session and the layers above it.
package fakedevice

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"sync"

	"tuya-go-home/internal/protocol"
)

var errHangup = errors.New("fakedevice: hangup")

// Device answers client frames the way real firmware does: it echoes the
// request sequence number, prefixes replies with a return code and pushes
// a STATUS frame after every data point write.
type Device struct {
	ID      string
	Key     []byte
	Version protocol.Version

	// RemoteNonce is the device nonce used in the 3.4 handshake.
	RemoteNonce []byte
	// BadDigest corrupts the proof of the client nonce.
	BadDigest bool

	logger *slog.Logger

	mu         sync.Mutex
	dps        map[string]any
	silent     map[protocol.Command]bool
	hangup     map[protocol.Command]bool
	requests   []*protocol.Message
	localNonce []byte
	sessionKey []byte
	engine     *protocol.Engine
	dec        *protocol.Decoder

	writeMu sync.Mutex
	conn    io.Writer
}

// New returns a device with an empty data point table.
func New(id string, key []byte, v protocol.Version) *Device {
	return &Device{
		ID:          id,
		Key:         key,
		Version:     v,
		RemoteNonce: []byte("device-nonce-016"),
		logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		dps:         make(map[string]any),
		silent:      make(map[protocol.Command]bool),
		hangup:      make(map[protocol.Command]bool),
	}
}

// SetDPS replaces the data point table.
func (d *Device) SetDPS(dps map[string]any) {
	d.mu.Lock()
	d.dps = maps.Clone(dps)
	d.mu.Unlock()
}

// DPS returns a copy of the data point table.
func (d *Device) DPS() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.dps)
}

// Silence makes the device ignore cmd.
func (d *Device) Silence(cmd protocol.Command) {
	d.mu.Lock()
	d.silent[cmd] = true
	d.mu.Unlock()
}

// HangupOn makes the device drop the connection when it receives cmd,
// even if the frame does not validate under its own key or revision.
func (d *Device) HangupOn(cmd protocol.Command) {
	d.mu.Lock()
	d.hangup[cmd] = true
	d.mu.Unlock()
}

func (d *Device) hangsUp(cmd protocol.Command) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hangup[cmd]
}

// Requests returns every decoded client message in arrival order.
func (d *Device) Requests() []*protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*protocol.Message(nil), d.requests...)
}

// SessionKey returns the key derived by the last completed handshake.
func (d *Device) SessionKey() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.sessionKey)
}

// Serve handles one client connection until reading fails.
func (d *Device) Serve(conn io.ReadWriter) error {
	engine, err := protocol.NewEngine(d.Version, d.Key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.engine = engine
	d.dec = protocol.NewRequestDecoder(engine.Checksum())
	d.sessionKey = nil
	d.mu.Unlock()

	d.writeMu.Lock()
	d.conn = conn
	d.writeMu.Unlock()

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := d.feed(buf[:n]); ferr != nil {
				if errors.Is(ferr, errHangup) {
					if c, ok := conn.(io.Closer); ok {
						c.Close()
					}
					return nil
				}
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (d *Device) feed(p []byte) error {
	d.dec.Feed(p)
	for {
		f, err := d.dec.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil
		}
		var ce *protocol.ChecksumError
		if errors.As(err, &ce) {
			if d.hangsUp(ce.Cmd) {
				return errHangup
			}
			d.logger.Debug("fake device dropped frame", "err", err)
			continue
		}
		if err != nil {
			return err
		}
		if d.hangsUp(f.Cmd) {
			return errHangup
		}
		d.handle(f)
	}
}

func (d *Device) handle(f *protocol.Frame) {
	d.mu.Lock()
	engine := d.engine
	silent := d.silent[f.Cmd]
	d.mu.Unlock()

	plain, err := engine.Open(f.Cmd, f.Payload)
	if err != nil {
		d.logger.Debug("fake device cannot open payload", "cmd", f.Cmd, "err", err)
		d.replyError(f.Seq, f.Cmd, "data format error")
		return
	}
	msg := protocol.DecodeMessage(d.Version, f, plain)
	d.mu.Lock()
	d.requests = append(d.requests, msg)
	d.mu.Unlock()
	if silent {
		return
	}

	switch f.Cmd {
	case protocol.CmdSessKeyNegStart:
		d.negotiationStart(f.Seq, plain)
	case protocol.CmdSessKeyNegFinish:
		d.negotiationFinish(plain)
	case protocol.CmdDPQuery, protocol.CmdDPQueryNew:
		if msg.Data == nil {
			d.replyError(f.Seq, f.Cmd, "json obj data unvalid")
			return
		}
		d.reply(f.Seq, f.Cmd, 0, d.statusPayload())
	case protocol.CmdControl, protocol.CmdControlNew:
		dps := msg.DPS()
		if dps == nil {
			d.replyError(f.Seq, f.Cmd, "json obj data unvalid")
			return
		}
		d.mu.Lock()
		maps.Copy(d.dps, dps)
		d.mu.Unlock()
		d.reply(f.Seq, f.Cmd, 0, nil)
		if err := d.Push(dps); err != nil {
			d.logger.Debug("fake device push failed", "err", err)
		}
	case protocol.CmdHeartBeat, protocol.CmdUpdateDPS:
		d.reply(f.Seq, f.Cmd, 0, nil)
	default:
		d.replyError(f.Seq, f.Cmd, "data format error")
	}
}

func (d *Device) negotiationStart(seq uint32, local []byte) {
	d.mu.Lock()
	d.localNonce = bytes.Clone(local)
	d.mu.Unlock()

	resp := protocol.NegotiationResponse(d.Key, local, d.RemoteNonce)
	if d.BadDigest {
		resp[len(resp)-1] ^= 0xFF
	}
	d.reply(seq, protocol.CmdSessKeyNegResp, 0, resp)
}

func (d *Device) negotiationFinish(digest []byte) {
	if !hmac.Equal(digest, protocol.HandshakeDigest(d.Key, d.RemoteNonce)) {
		d.logger.Error("fake device: bad finish digest")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key, err := protocol.DeriveSessionKey(d.Key, d.localNonce, d.RemoteNonce)
	if err != nil {
		d.logger.Error("fake device: derive session key", "err", err)
		return
	}
	engine, err := protocol.NewEngine(protocol.Version34, key)
	if err != nil {
		return
	}
	d.sessionKey = key
	d.engine = engine
	d.dec.SetChecksum(engine.Checksum())
}

func (d *Device) statusPayload() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, _ := (&protocol.Message{Data: map[string]any{"devId": d.ID, "dps": maps.Clone(d.dps)}}).Payload()
	return b
}

// Push sends an unsolicited STATUS frame carrying dps.
func (d *Device) Push(dps map[string]any) error {
	data := map[string]any{"devId": d.ID, "dps": dps}
	if d.Version == protocol.Version34 {
		data = map[string]any{"protocol": 4, "t": 1700000000, "data": map[string]any{"dps": dps}}
	}
	b, err := (&protocol.Message{Data: data}).Payload()
	if err != nil {
		return err
	}
	return d.reply(0, protocol.CmdStatus, 0, b)
}

func (d *Device) replyError(seq uint32, cmd protocol.Command, text string) {
	if err := d.reply(seq, cmd, 1, []byte(text)); err != nil {
		d.logger.Debug("fake device error reply failed", "err", err)
	}
}

func (d *Device) reply(seq uint32, cmd protocol.Command, code uint32, plain []byte) error {
	d.mu.Lock()
	engine := d.engine
	d.mu.Unlock()

	payload, err := engine.Seal(cmd, plain)
	if err != nil {
		return err
	}
	raw, err := protocol.EncodeFrame(&protocol.Frame{
		Seq:           seq,
		Cmd:           cmd,
		HasReturnCode: true,
		ReturnCode:    code,
		Payload:       payload,
	}, engine.Checksum())
	if err != nil {
		return err
	}
	return d.WriteRaw(raw)
}

// WriteRaw writes bytes to the connected client unchanged.
func (d *Device) WriteRaw(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("fakedevice: not serving")
	}
	_, err := d.conn.Write(b)
	return err
}
