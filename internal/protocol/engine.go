package protocol

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	tagSize = 3
	// versionHeaderSize is the tag plus 12 bytes that are zero when sent
	// and ignored when received.
	versionHeaderSize = tagSize + 12
	// signedHeaderSize is "3.1" plus 16 hex digits of MD5.
	signedHeaderSize = tagSize + 16
)

// Engine seals and opens payloads for one revision and key.
type Engine struct {
	version Version
	key     []byte
	cipher  *Cipher
}

// NewEngine binds v to key. The engine retains key without copying it.
func NewEngine(v Version, key []byte) (*Engine, error) {
	if !v.Supported() {
		return nil, &UnsupportedVersionError{Version: v.String()}
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Engine{version: v, key: key, cipher: c}, nil
}

func (e *Engine) Version() Version { return e.version }

// Checksum is the frame checksum that goes with this engine's key.
func (e *Engine) Checksum() Checksum { return e.version.Checksum(e.key) }

// Seal turns a plaintext payload into the bytes carried by a frame.
func (e *Engine) Seal(cmd Command, plain []byte) ([]byte, error) {
	p := versionTable[e.version]
	switch p.header {
	case headerSigned:
		if cmd != CmdControl || len(plain) == 0 {
			return bytes.Clone(plain), nil
		}
		ct, err := e.cipher.EncryptECB(plain, true)
		if err != nil {
			return nil, err
		}
		b64 := base64.StdEncoding.EncodeToString(ct)
		out := make([]byte, 0, signedHeaderSize+len(b64))
		out = append(out, p.tag...)
		out = append(out, e.signature(b64)...)
		return append(out, b64...), nil

	case headerOuter:
		if len(plain) == 0 {
			return nil, nil
		}
		ct, err := e.cipher.EncryptECB(plain, true)
		if err != nil {
			return nil, err
		}
		if cmd.noProtocolHeader() {
			return ct, nil
		}
		return append(versionHeader(p.tag), ct...), nil

	case headerInner:
		body := plain
		if !cmd.noProtocolHeader() {
			body = append(versionHeader(p.tag), plain...)
		}
		return e.cipher.EncryptECB(body, true)
	}
	return nil, &UnsupportedVersionError{Version: e.version.String()}
}

// Open inverts Seal for payloads received from a device.
func (e *Engine) Open(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	p := versionTable[e.version]
	switch p.header {
	case headerSigned:
		if !bytes.HasPrefix(payload, []byte(p.tag)) {
			return bytes.Clone(payload), nil
		}
		if len(payload) < signedHeaderSize {
			return nil, &DecryptionError{Cmd: cmd, Reason: "truncated signed header"}
		}
		got := string(payload[tagSize:signedHeaderSize])
		b64 := string(payload[signedHeaderSize:])
		if want := e.signature(b64); got != want {
			return nil, &PayloadIntegrityError{Cmd: cmd, Expected: want, Actual: got}
		}
		ct, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, &DecryptionError{Cmd: cmd, Reason: "invalid base64: " + err.Error()}
		}
		return e.decrypt(cmd, ct)

	case headerOuter:
		if bytes.HasPrefix(payload, []byte(p.tag)) {
			if len(payload) < versionHeaderSize {
				return nil, &DecryptionError{Cmd: cmd, Reason: "truncated version header"}
			}
			payload = payload[versionHeaderSize:]
		}
		return e.decrypt(cmd, payload)

	case headerInner:
		plain, err := e.decrypt(cmd, payload)
		if err != nil {
			return nil, err
		}
		if !cmd.isHandshake() && bytes.HasPrefix(plain, []byte(p.tag)) && len(plain) >= versionHeaderSize {
			plain = plain[versionHeaderSize:]
		}
		return plain, nil
	}
	return nil, &UnsupportedVersionError{Version: e.version.String()}
}

func (e *Engine) decrypt(cmd Command, ct []byte) ([]byte, error) {
	plain, err := e.cipher.DecryptECB(ct, true)
	if err != nil {
		var de *DecryptionError
		if errors.As(err, &de) {
			return nil, &DecryptionError{Cmd: cmd, Reason: de.Reason}
		}
		return nil, fmt.Errorf("decrypt %s: %w", cmd, err)
	}
	return plain, nil
}

// signature is the 3.1 control payload MD5, hex digits 8 through 23.
func (e *Engine) signature(b64 string) string {
	sum := md5.Sum([]byte("data=" + b64 + "||lpv=" + versionTable[e.version].tag + "||" + string(e.key)))
	return hex.EncodeToString(sum[:])[8:24]
}

func versionHeader(tag string) []byte {
	h := make([]byte, versionHeaderSize)
	copy(h, tag)
	return h
}
