package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// DefaultPort is the TCP port devices listen on.
const DefaultPort = "6668"

// Attach creates a session over conn and starts pumping conn into it. No
// negotiation happens until Connect or the first Send.
func Attach(conn io.ReadWriteCloser, cfg Config) (*Session, error) {
	s, err := New(conn, cfg)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := s.ReadFrom(conn); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Warn("tuya read loop ended", "err", err)
		}
	}()
	return s, nil
}

// Dial connects to a device over TCP and negotiates. addr may omit the
// port.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}
	s, err := Attach(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
