package session

import (
	"errors"
	"fmt"
	"time"

	"tuya-go-home/internal/protocol"
)

var (
	ErrHandshake = errors.New("session: handshake failed")
	ErrTimeout   = errors.New("session: request timed out")
	ErrClosed    = errors.New("session: connection closed")
)

// HandshakeError reports a failed 3.4 session key negotiation. The session
// is closed when one is returned.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("session: handshake %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() []error { return []error{ErrHandshake, e.Err} }

// TimeoutError reports an exchange whose deadline passed before a reply.
type TimeoutError struct {
	Seq   uint32
	Cmd   protocol.Command
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session: %s seq=%d timed out after %s", e.Cmd, e.Seq, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

func (e *TimeoutError) Timeout() bool { return true }

// ClosedError resolves every exchange outstanding when the session closes.
// Cause is nil for an explicit Close.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause != nil {
		return "session: connection closed: " + e.Cause.Error()
	}
	return "session: connection closed"
}

func (e *ClosedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrClosed, e.Cause}
	}
	return []error{ErrClosed}
}

// ProbeError reports that the connection was lost while an unpinned
// session was trying Version. Older firmware drops the connection on a
// command it does not know, so the caller should reconnect with Version
// in Config.Skip.
type ProbeError struct {
	Version protocol.Version
	Err     error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("session: connection lost probing %s: %v", e.Version, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }
