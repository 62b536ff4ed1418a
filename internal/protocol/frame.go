package protocol

// Tuya LAN frame codec.
//
//	prefix(4) seq(4) cmd(4) length(4) [retcode(4)] payload checksum(4|32) suffix(4)
//
// All integers are big-endian. length counts everything after the length
// field. The checksum covers prefix through payload.

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"strconv"
)

const (
	framePrefix uint32 = 0x000055AA
	frameSuffix uint32 = 0x0000AA55

	headerSize  = 16
	suffixSize  = 4
	retCodeSize = 4
	crcSize     = 4
	hmacSize    = sha256.Size

	// MaxPayloadSize bounds the payload of a single frame.
	MaxPayloadSize = 0xFFFF
	maxBodyLength  = retCodeSize + MaxPayloadSize + hmacSize + suffixSize
)

var prefixBytes = []byte{0x00, 0x00, 0x55, 0xAA}

// Frame is one decoded wire frame.
type Frame struct {
	Seq           uint32
	Cmd           Command
	HasReturnCode bool
	ReturnCode    uint32
	Payload       []byte
}

// Checksum selects CRC32 (the zero value) or keyed HMAC-SHA256.
type Checksum struct {
	key []byte
}

func CRC32Checksum() Checksum { return Checksum{} }

// HMACChecksum retains key without copying it, so zeroing the caller's
// slice also invalidates the checksum.
func HMACChecksum(key []byte) Checksum { return Checksum{key: key} }

// IsHMAC reports whether c is the HMAC-SHA256 scheme.
func (c Checksum) IsHMAC() bool { return c.key != nil }

// Size is the number of checksum bytes on the wire.
func (c Checksum) Size() int {
	if c.key != nil {
		return hmacSize
	}
	return crcSize
}

// Sum computes the checksum of data.
func (c Checksum) Sum(data []byte) []byte {
	if c.key != nil {
		mac := hmac.New(sha256.New, c.key)
		mac.Write(data)
		return mac.Sum(nil)
	}
	out := make([]byte, crcSize)
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(data))
	return out
}

// EncodeFrame serializes f.
func EncodeFrame(f *Frame, cs Checksum) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, &EncodingError{Size: len(f.Payload), Max: MaxPayloadSize}
	}
	rc := 0
	if f.HasReturnCode {
		rc = retCodeSize
	}
	length := rc + len(f.Payload) + cs.Size() + suffixSize

	buf := make([]byte, headerSize+length)
	binary.BigEndian.PutUint32(buf[0:4], framePrefix)
	binary.BigEndian.PutUint32(buf[4:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(f.Cmd))
	binary.BigEndian.PutUint32(buf[12:16], uint32(length))
	off := headerSize
	if f.HasReturnCode {
		binary.BigEndian.PutUint32(buf[off:off+4], f.ReturnCode)
		off += retCodeSize
	}
	off += copy(buf[off:], f.Payload)
	off += copy(buf[off:], cs.Sum(buf[:off]))
	binary.BigEndian.PutUint32(buf[off:], frameSuffix)
	return buf, nil
}

// Decoder reassembles frames from a byte stream with arbitrary
// segmentation. It is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	cs      Checksum
	retCode bool
	err     error
}

// NewDecoder returns a decoder for frames sent by a device. Payloads whose
// first four bytes have the top 24 bits clear are split into a return code
// and the remaining payload.
func NewDecoder(cs Checksum) *Decoder {
	return &Decoder{cs: cs, retCode: true}
}

// NewRequestDecoder returns a decoder for frames sent by a client, which
// never carry return codes.
func NewRequestDecoder(cs Checksum) *Decoder {
	return &Decoder{cs: cs}
}

// SetChecksum switches the scheme used for frames decoded from now on.
func (d *Decoder) SetChecksum(cs Checksum) { d.cs = cs }

// Feed appends stream bytes.
func (d *Decoder) Feed(p []byte) { d.buf = append(d.buf, p...) }

// Buffered reports the number of retained bytes.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops buffered bytes and clears a previous framing error.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.err = nil
}

// Next returns the next complete frame. It returns ErrIncomplete when more
// bytes are needed, a *ChecksumError for a dropped frame (call Next again),
// or a *FramingError, after which every call returns the same error.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.sync()
	if len(d.buf) < headerSize {
		return nil, ErrIncomplete
	}

	seq := binary.BigEndian.Uint32(d.buf[4:8])
	cmd := Command(binary.BigEndian.Uint32(d.buf[8:12]))
	length := binary.BigEndian.Uint32(d.buf[12:16])
	csSize := d.cs.Size()
	if length < uint32(csSize+suffixSize) || length > maxBodyLength {
		d.err = &FramingError{Seq: seq, Cmd: cmd, Reason: "invalid length " + strconv.FormatUint(uint64(length), 10)}
		return nil, d.err
	}
	total := headerSize + int(length)
	if len(d.buf) < total {
		return nil, ErrIncomplete
	}

	raw := d.buf[:total]
	if binary.BigEndian.Uint32(raw[total-suffixSize:]) != frameSuffix {
		d.err = &FramingError{Seq: seq, Cmd: cmd, Reason: "bad suffix"}
		return nil, d.err
	}
	bodyEnd := total - suffixSize - csSize
	got := bytes.Clone(raw[bodyEnd : total-suffixSize])
	want := d.cs.Sum(raw[:bodyEnd])
	if !hmac.Equal(got, want) {
		d.consume(total)
		return nil, &ChecksumError{Seq: seq, Cmd: cmd, Expected: want, Actual: got}
	}

	f := &Frame{Seq: seq, Cmd: cmd}
	payload := raw[headerSize:bodyEnd]
	if d.retCode && len(payload) >= retCodeSize && binary.BigEndian.Uint32(payload[:4])&0xFFFFFF00 == 0 {
		f.HasReturnCode = true
		f.ReturnCode = binary.BigEndian.Uint32(payload[:4])
		payload = payload[retCodeSize:]
	}
	if len(payload) > 0 {
		f.Payload = bytes.Clone(payload)
	}
	d.consume(total)
	return f, nil
}

// sync discards bytes before the next prefix. Up to three trailing bytes
// are kept since they may be the start of a split prefix.
func (d *Decoder) sync() {
	i := bytes.Index(d.buf, prefixBytes)
	switch {
	case i == 0:
		return
	case i > 0:
		d.consume(i)
	default:
		keep := len(prefixBytes) - 1
		if len(d.buf) > keep {
			d.consume(len(d.buf) - keep)
		}
	}
}

func (d *Decoder) consume(n int) {
	m := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:m]
}
