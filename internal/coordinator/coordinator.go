// Package coordinator keeps one session open per registered device and
// mirrors device state into the store and the event bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"tuya-go-home/internal/protocol"
	"tuya-go-home/internal/session"
	"tuya-go-home/internal/store"
)

// ErrNotConnected is returned for a registered device without a live session.
var ErrNotConnected = errors.New("device not connected")

// Dialer opens a negotiated session to addr.
type Dialer func(ctx context.Context, addr string, cfg session.Config) (*session.Session, error)

// Config holds coordinator configuration.
type Config struct {
	// Timeout is the per-request deadline handed to sessions.
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	// ConnectTimeout bounds one dial plus negotiation.
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	// ReconnectBackoff is the first retry delay; it doubles up to
	// ReconnectMaxBackoff and resets after a successful connect.
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration
	// Dial defaults to session.Dial.
	Dial Dialer
}

func (cfg *Config) setDefaults() {
	if cfg.Timeout <= 0 {
		cfg.Timeout = session.DefaultTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = cfg.Timeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectBackoff {
		cfg.ReconnectMaxBackoff = max(cfg.ReconnectBackoff, time.Minute)
	}
	if cfg.Dial == nil {
		cfg.Dial = session.Dial
	}
}

// deviceConn is the connection loop of one device.
type deviceConn struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	// skip holds revisions the device hung up on while probing. Only the
	// run goroutine touches it.
	skip []protocol.Version

	mu   sync.Mutex
	sess *session.Session
}

func (dc *deviceConn) session() *session.Session {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.sess
}

func (dc *deviceConn) setSession(s *session.Session) {
	dc.mu.Lock()
	dc.sess = s
	dc.mu.Unlock()
}

// Coordinator manages the sessions of all registered devices.
type Coordinator struct {
	store  store.Store
	events *EventBus
	logger *slog.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*deviceConn
	started bool
}

// New creates a coordinator. Nothing is dialled until Start.
func New(st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:  st,
		events: events,
		logger: logger.With("component", "coordinator"),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*deviceConn),
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Start launches a connection loop for every stored device.
func (c *Coordinator) Start() error {
	devices, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return fmt.Errorf("coordinator stopped")
	}
	c.started = true
	for _, dev := range devices {
		c.startLocked(dev.ID)
	}
	c.logger.Info("coordinator started", "devices", len(devices))
	return nil
}

// Stop closes every session and waits for the connection loops to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.mu.Lock()
	conns := make([]*deviceConn, 0, len(c.conns))
	for id, dc := range c.conns {
		conns = append(conns, dc)
		delete(c.conns, id)
	}
	c.mu.Unlock()
	for _, dc := range conns {
		<-dc.done
	}
}

// Register saves dev, keeping the last-known data points of an existing
// record, and (re)starts its connection loop when the coordinator runs.
func (c *Coordinator) Register(dev *store.Device) error {
	if dev.ID == "" {
		return fmt.Errorf("register device: empty id")
	}
	if dev.LocalKey == "" {
		return fmt.Errorf("register device %s: empty local key", dev.ID)
	}
	if _, err := protocol.ParseVersion(dev.Version); err != nil {
		return fmt.Errorf("register device %s: %w", dev.ID, err)
	}
	rec := *dev
	if old, err := c.store.GetDevice(dev.ID); err == nil {
		if rec.DPS == nil {
			rec.DPS = old.DPS
		}
		if rec.AddedAt.IsZero() {
			rec.AddedAt = old.AddedAt
		}
		rec.LastSeen = old.LastSeen
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("register device %s: %w", dev.ID, err)
	}
	if rec.AddedAt.IsZero() {
		rec.AddedAt = time.Now()
	}
	rec.Online = false
	if err := c.store.SaveDevice(&rec); err != nil {
		return fmt.Errorf("register device %s: %w", dev.ID, err)
	}

	c.mu.Lock()
	if !c.started || c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	old := c.conns[rec.ID]
	delete(c.conns, rec.ID)
	c.mu.Unlock()
	if old != nil {
		old.cancel()
		<-old.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() == nil && c.conns[rec.ID] == nil {
		c.startLocked(rec.ID)
	}
	return nil
}

// Remove stops the device's connection loop and deletes its record.
func (c *Coordinator) Remove(id string) error {
	if _, err := c.store.GetDevice(id); err != nil {
		return err
	}
	c.mu.Lock()
	dc := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if dc != nil {
		dc.cancel()
		<-dc.done
	}
	return c.store.DeleteDevice(id)
}

// startLocked launches the loop for id. c.mu must be held and no loop for
// id may be running.
func (c *Coordinator) startLocked(id string) {
	ctx, cancel := context.WithCancel(c.ctx)
	dc := &deviceConn{id: id, cancel: cancel, done: make(chan struct{})}
	c.conns[id] = dc
	go c.run(ctx, dc)
}

// Devices returns all registered devices.
func (c *Coordinator) Devices() ([]*store.Device, error) {
	return c.store.ListDevices()
}

// Device returns one registered device.
func (c *Coordinator) Device(id string) (*store.Device, error) {
	return c.store.GetDevice(id)
}

// Session returns the live session of a device.
func (c *Coordinator) Session(id string) (*session.Session, error) {
	c.mu.Lock()
	dc := c.conns[id]
	c.mu.Unlock()
	if dc == nil {
		if _, err := c.store.GetDevice(id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("device %s: %w", id, ErrNotConnected)
	}
	s := dc.session()
	if s == nil {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotConnected)
	}
	return s, nil
}

// Status queries the device and records the reply.
func (c *Coordinator) Status(ctx context.Context, id string) (map[string]any, error) {
	s, err := c.Session(id)
	if err != nil {
		return nil, err
	}
	msg, err := s.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", id, err)
	}
	return c.applyDPS(id, msg.DPS()), nil
}

// Set writes data points. The new values reach the store through the
// status push that follows.
func (c *Coordinator) Set(ctx context.Context, id string, dps map[string]any) error {
	if len(dps) == 0 {
		return fmt.Errorf("set %s: no data points", id)
	}
	s, err := c.Session(id)
	if err != nil {
		return err
	}
	if _, err := s.SetDPS(ctx, dps); err != nil {
		return fmt.Errorf("set %s: %w", id, err)
	}
	return nil
}

// Refresh asks the device to re-sample dpIDs.
func (c *Coordinator) Refresh(ctx context.Context, id string, dpIDs []int) error {
	s, err := c.Session(id)
	if err != nil {
		return err
	}
	if err := s.Refresh(ctx, dpIDs); err != nil {
		return fmt.Errorf("refresh %s: %w", id, err)
	}
	return nil
}

// applyDPS merges dps into the stored state, emits a status event and
// returns the merged state.
func (c *Coordinator) applyDPS(id string, dps map[string]any) map[string]any {
	var state map[string]any
	err := c.store.UpdateDevice(id, func(dev *store.Device) error {
		if dev.DPS == nil {
			dev.DPS = make(map[string]any, len(dps))
		}
		maps.Copy(dev.DPS, dps)
		dev.LastSeen = time.Now()
		state = maps.Clone(dev.DPS)
		return nil
	})
	if err != nil {
		c.logger.Error("update device state", "device", id, "err", err)
		return maps.Clone(dps)
	}
	if len(dps) > 0 {
		c.events.Emit(Event{Type: EventStatus, Data: StatusEvent{DeviceID: id, Changed: maps.Clone(dps), State: maps.Clone(state)}})
	}
	return state
}

func (c *Coordinator) setOnline(id string, online bool) {
	err := c.store.UpdateDevice(id, func(dev *store.Device) error {
		dev.Online = online
		if online {
			dev.LastSeen = time.Now()
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("update device availability", "device", id, "err", err)
	}
}
