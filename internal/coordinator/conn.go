package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tuya-go-home/internal/protocol"
	"tuya-go-home/internal/session"
	"tuya-go-home/internal/store"
)

// run dials the device until ctx ends, backing off between failures.
func (c *Coordinator) run(ctx context.Context, dc *deviceConn) {
	defer close(dc.done)
	logger := c.logger.With("device", dc.id)
	backoff := c.cfg.ReconnectBackoff
	for {
		s, err := c.connect(ctx, dc)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn("device removed from store, stopping")
				return
			}
			var pe *session.ProbeError
			var ue *protocol.UnsupportedVersionError
			switch {
			case errors.As(err, &pe):
				dc.skip = append(dc.skip, pe.Version)
				logger.Info("device dropped the connection on a version probe, skipping it", "version", pe.Version, "skip", dc.skip)
				if !sleep(ctx, c.cfg.ReconnectBackoff) {
					return
				}
				continue
			case errors.As(err, &ue) && len(dc.skip) > 0:
				logger.Info("no revision left to probe, clearing skip list", "skip", dc.skip)
				dc.skip = nil
			}
			logger.Warn("device connect failed", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.cfg.ReconnectMaxBackoff)
			continue
		}
		backoff = c.cfg.ReconnectBackoff

		c.serve(ctx, dc, s)
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// connect dials and negotiates using the stored address and key.
func (c *Coordinator) connect(ctx context.Context, dc *deviceConn) (*session.Session, error) {
	id := dc.id
	dev, err := c.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	v, err := protocol.ParseVersion(dev.Version)
	if err != nil {
		return nil, err
	}
	if dev.Address == "" {
		return nil, fmt.Errorf("device %s has no address", id)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	s, err := c.cfg.Dial(ctx, dev.Address, session.Config{
		DeviceID:         dev.ID,
		LocalKey:         []byte(dev.LocalKey),
		Version:          v,
		Skip:             dc.skip,
		Timeout:          c.cfg.Timeout,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Logger:           c.logger.With("device", dev.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dev.Address, err)
	}
	return s, nil
}

// serve runs one connected session until it closes or ctx ends.
func (c *Coordinator) serve(ctx context.Context, dc *deviceConn, s *session.Session) {
	logger := c.logger.With("device", dc.id)
	s.OnPush(func(msg *protocol.Message) {
		if dps := msg.DPS(); len(dps) > 0 {
			c.applyDPS(dc.id, dps)
		}
	})
	dc.setSession(s)
	c.setOnline(dc.id, true)
	logger.Info("device connected", "version", s.Version())
	c.events.Emit(Event{Type: EventDeviceConnected, Data: ConnectionEvent{DeviceID: dc.id, Version: s.Version().String()}})

	if _, err := c.Status(ctx, dc.id); err != nil {
		logger.Warn("initial status query failed", "err", err)
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			s.Close()
			break loop
		case <-s.Done():
			break loop
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			err := s.Heartbeat(hctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat failed, dropping session", "err", err)
				s.Close()
			}
		}
	}

	dc.setSession(nil)
	c.setOnline(dc.id, false)
	evt := ConnectionEvent{DeviceID: dc.id}
	if err := s.Err(); err != nil {
		evt.Error = err.Error()
	}
	logger.Info("device disconnected", "err", evt.Error)
	c.events.Emit(Event{Type: EventDeviceDisconnected, Data: evt})
}

// sleep waits d or until ctx ends, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
