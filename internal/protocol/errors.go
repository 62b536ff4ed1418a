package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every structured error below unwraps to one of these so
// callers can branch with errors.Is and inspect details with errors.As.
var (
	ErrIncomplete         = errors.New("tuya: incomplete frame")
	ErrFraming            = errors.New("tuya: framing error")
	ErrChecksum           = errors.New("tuya: checksum mismatch")
	ErrDecryption         = errors.New("tuya: decryption failed")
	ErrPayloadIntegrity   = errors.New("tuya: payload integrity check failed")
	ErrUnsupportedVersion = errors.New("tuya: unsupported protocol version")
	ErrEncoding           = errors.New("tuya: encoding error")
	ErrKeyLength          = errors.New("tuya: local key must be 16 bytes")
	ErrNonceDigest        = errors.New("tuya: nonce digest mismatch")
	ErrResponse           = errors.New("tuya: device returned an error")
)

// FramingError reports stream corruption: a bad suffix or an impossible
// length field. The connection cannot be resynchronised after one.
type FramingError struct {
	Seq    uint32
	Cmd    Command
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("tuya: framing: %s (seq=%d cmd=%s)", e.Reason, e.Seq, e.Cmd)
}

func (e *FramingError) Unwrap() error { return ErrFraming }

// ChecksumError reports a frame whose CRC32 or HMAC did not validate.
// The frame was dropped; the stream is still usable.
type ChecksumError struct {
	Seq      uint32
	Cmd      Command
	Expected []byte
	Actual   []byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("tuya: checksum mismatch seq=%d cmd=%s: expected %X, got %X",
		e.Seq, e.Cmd, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksum }

// DecryptionError reports ciphertext that could not be decrypted: bad block
// alignment, invalid padding or undecodable base64.
type DecryptionError struct {
	Cmd    Command
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("tuya: decrypt %s: %s", e.Cmd, e.Reason)
}

func (e *DecryptionError) Unwrap() error { return ErrDecryption }

// PayloadIntegrityError reports a payload whose embedded signature (the
// 3.1 MD5 prefix) did not match the recomputed value.
type PayloadIntegrityError struct {
	Cmd      Command
	Expected string
	Actual   string
}

func (e *PayloadIntegrityError) Error() string {
	return fmt.Sprintf("tuya: payload signature mismatch for %s: expected %s, got %s",
		e.Cmd, e.Expected, e.Actual)
}

func (e *PayloadIntegrityError) Unwrap() error { return ErrPayloadIntegrity }

// UnsupportedVersionError reports a protocol revision this package does not
// implement, either requested by the caller or left over after probing.
type UnsupportedVersionError struct {
	Version string
	Reason  string
}

func (e *UnsupportedVersionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tuya: unsupported protocol version %q: %s", e.Version, e.Reason)
	}
	return fmt.Sprintf("tuya: unsupported protocol version %q", e.Version)
}

func (e *UnsupportedVersionError) Unwrap() error { return ErrUnsupportedVersion }

// EncodingError reports a frame that cannot be serialized.
type EncodingError struct {
	Size int
	Max  int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("tuya: payload of %d bytes exceeds maximum of %d", e.Size, e.Max)
}

func (e *EncodingError) Unwrap() error { return ErrEncoding }

// ResponseError is a non-zero return code sent back by the device.
type ResponseError struct {
	Cmd     Command
	Seq     uint32
	Code    uint32
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tuya: device returned code %d for %s (seq=%d): %s", e.Code, e.Cmd, e.Seq, e.Message)
	}
	return fmt.Sprintf("tuya: device returned code %d for %s (seq=%d)", e.Code, e.Cmd, e.Seq)
}

func (e *ResponseError) Unwrap() error { return ErrResponse }
